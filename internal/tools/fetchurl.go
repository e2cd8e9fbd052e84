package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/braidhq/braid/internal/config"
)

const userAgent = "Mozilla/5.0 (compatible; BraidBot/1.0)"

// maxFetchChars caps the extracted text handed back to the model.
const maxFetchChars = 10000

// FetchURLTool downloads a page and reduces it to readable text: scripts,
// chrome, and markup stripped; title and meta description surfaced.
type FetchURLTool struct {
	cfg    config.FetchURLConfig
	client *http.Client

	// allowPrivate disables the private-address guard. Tests only.
	allowPrivate bool
}

// NewFetchURLTool builds the tool from configuration, applying defaults.
func NewFetchURLTool(cfg config.FetchURLConfig) *FetchURLTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	return &FetchURLTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *FetchURLTool) Name() string { return NameFetchURL }

func (t *FetchURLTool) Description() string {
	return "Fetch a URL and extract its readable text content. Use after web_search to read a promising result in full."
}

func (t *FetchURLTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch (http/https only)",
			},
		},
		"required": []any{"url"},
	})
}

func (t *FetchURLTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if p.URL == "" {
		return Errorf("url parameter is required"), nil
	}
	if !t.allowPrivate {
		if err := validateFetchURL(p.URL); err != nil {
			return Errorf("url rejected: %v", err), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Errorf("invalid url: %v", err), nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Errorf("fetch failed: HTTP %d", resp.StatusCode), nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") &&
		!strings.Contains(contentType, "application/json") && !strings.Contains(contentType, "application/xml") {
		return Errorf("unsupported content type: %s", contentType), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBytes))
	if err != nil {
		return Errorf("read body: %v", err), nil
	}

	content := string(body)
	if strings.Contains(contentType, "text/html") {
		content = extractReadable(content)
	}
	truncated := false
	if len(content) > maxFetchChars {
		content = content[:maxFetchChars] + "..."
		truncated = true
	}

	out := map[string]any{
		"url":     p.URL,
		"content": content,
	}
	if truncated {
		out["truncated"] = true
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return Errorf("failed to format response: %v", err), nil
	}
	return &Result{Content: string(payload)}, nil
}

// validateFetchURL rejects non-http schemes and destinations that resolve
// to loopback, link-local, private, or otherwise reserved addresses.
func validateFetchURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("url must have a hostname")
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost urls are not allowed")
	}
	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable here may still resolve behind a proxy.
		return nil
	}
	for _, ip := range ips {
		if isReservedIP(ip) {
			return fmt.Errorf("url resolves to a private or reserved address")
		}
	}
	return nil
}

func isReservedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

var (
	dropTagRe = map[string]*regexp.Regexp{}
	tagRe     = regexp.MustCompile(`<[^>]*>`)
	titleRe   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaRe    = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	blockRe   = regexp.MustCompile(`(?i)</?(?:p|div|h1|h2|h3|h4|h5|h6|li|br|tr)[^>]*>`)
	spaceRe   = regexp.MustCompile(`[^\S\n]+`)
	blankRe   = regexp.MustCompile(`\n{3,}`)
)

func init() {
	for _, tag := range []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside", "svg"} {
		dropTagRe[tag] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	}
}

// extractReadable reduces an HTML document to plain text with the page
// title and meta description up front.
func extractReadable(html string) string {
	for _, re := range dropTagRe {
		html = re.ReplaceAllString(html, "")
	}

	var title, description string
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		title = cleanText(m[1])
	}
	if m := metaRe.FindStringSubmatch(html); len(m) > 1 {
		description = cleanText(m[1])
	}

	text := blockRe.ReplaceAllString(html, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = cleanText(text)

	var b strings.Builder
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	if description != "" {
		b.WriteString("Description: ")
		b.WriteString(description)
		b.WriteString("\n\n")
	}
	b.WriteString(text)
	return b.String()
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

func cleanText(text string) string {
	text = entityReplacer.Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
