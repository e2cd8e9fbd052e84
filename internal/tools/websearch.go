package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/braidhq/braid/internal/config"
)

const (
	braveDefaultBaseURL = "https://api.search.brave.com/res/v1"
	ddgDefaultBaseURL   = "https://api.duckduckgo.com"
	maxSearchResults    = 20
)

// SearchHit is one entry in a web_search result. The href/title pair is
// also what the save pipeline falls back to when the model searched but
// never called cite_sources.
type SearchHit struct {
	Title   string `json:"title"`
	Href    string `json:"href"`
	Snippet string `json:"snippet,omitempty"`
}

type searchResponse struct {
	Query       string      `json:"query"`
	Results     []SearchHit `json:"results"`
	ResultCount int         `json:"result_count"`
	Provider    string      `json:"provider"`
}

// WebSearchTool queries a web search backend. Brave is the primary
// provider; DuckDuckGo's instant-answer API needs no key and serves as the
// fallback when Brave is unavailable or unconfigured.
type WebSearchTool struct {
	cfg        config.WebSearchConfig
	client     *http.Client
	ddgBaseURL string
}

// NewWebSearchTool builds the tool from configuration, applying defaults.
func NewWebSearchTool(cfg config.WebSearchConfig) *WebSearchTool {
	if cfg.Provider == "" {
		cfg.Provider = "brave"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = braveDefaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &WebSearchTool{
		cfg:        cfg,
		client:     &http.Client{Timeout: 30 * time.Second},
		ddgBaseURL: ddgDefaultBaseURL,
	}
}

func (t *WebSearchTool) Name() string { return NameWebSearch }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns a list of results with title, link, and snippet."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 20)",
				"minimum":     1,
				"maximum":     maxSearchResults,
			},
		},
		"required": []any{"query"},
	})
}

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.Query == "" {
		return Errorf("query parameter is required"), nil
	}
	count := p.Count
	if count <= 0 {
		count = t.cfg.MaxResults
	}
	if count > maxSearchResults {
		count = maxSearchResults
	}

	resp, err := t.search(ctx, p.Query, count)
	if err != nil {
		return Errorf("search failed: %v", err), nil
	}

	payload, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return Errorf("failed to format response: %v", err), nil
	}
	return &Result{Content: string(payload)}, nil
}

func (t *WebSearchTool) search(ctx context.Context, query string, count int) (*searchResponse, error) {
	switch t.cfg.Provider {
	case "brave":
		resp, err := t.searchBrave(ctx, query, count)
		if err == nil {
			return resp, nil
		}
		// Brave being down should not strand the agent mid-task.
		fallback, ddgErr := t.searchDuckDuckGo(ctx, query, count)
		if ddgErr != nil {
			return nil, err
		}
		return fallback, nil
	case "duckduckgo":
		return t.searchDuckDuckGo(ctx, query, count)
	default:
		return nil, fmt.Errorf("unknown search provider: %s", t.cfg.Provider)
	}
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string, count int) (*searchResponse, error) {
	if t.cfg.APIKey == "" {
		return nil, fmt.Errorf("brave api key not configured")
	}

	searchURL, err := url.Parse(t.cfg.BaseURL + "/web/search")
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	searchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave api returned status %d: %s", resp.StatusCode, string(body))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]SearchHit, 0, len(braveResp.Web.Results))
	for _, r := range braveResp.Web.Results {
		if len(hits) >= count {
			break
		}
		hits = append(hits, SearchHit{Title: r.Title, Href: r.URL, Snippet: r.Description})
	}
	return &searchResponse{
		Query:       query,
		Results:     hits,
		ResultCount: len(hits),
		Provider:    "brave",
	}, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) (*searchResponse, error) {
	instantURL := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", t.ddgBaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instantURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ddgResp struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddgResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	hits := make([]SearchHit, 0, count)
	if ddgResp.AbstractText != "" && ddgResp.AbstractURL != "" {
		hits = append(hits, SearchHit{
			Title:   ddgResp.Heading,
			Href:    ddgResp.AbstractURL,
			Snippet: ddgResp.AbstractText,
		})
	}
	for _, topic := range ddgResp.RelatedTopics {
		if len(hits) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		hits = append(hits, SearchHit{Title: title, Href: topic.FirstURL, Snippet: topic.Text})
	}
	return &searchResponse{
		Query:       query,
		Results:     hits,
		ResultCount: len(hits),
		Provider:    "duckduckgo",
	}, nil
}
