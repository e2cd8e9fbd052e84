// Package usage tracks token usage and estimates request cost.
package usage

import "strings"

// Usage is the token count for one or more LLM calls.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost is per-million-token pricing for a model.
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate calculates the estimated cost in USD for the given usage.
func (c Cost) Estimate(u Usage) float64 {
	total := float64(u.InputTokens)*c.Input + float64(u.OutputTokens)*c.Output
	return total / 1_000_000
}

// PriceTable maps model names to pricing. Lookup is exact first, then the
// longest key that prefixes the model name, so dated releases resolve to
// their family entry.
type PriceTable struct {
	Models map[string]Cost `json:"models" yaml:"models"`
	// ImageUSD is the flat cost per generated image.
	ImageUSD float64 `json:"image_usd" yaml:"image_usd"`
}

// DefaultPriceTable returns pricing for the models the providers serve.
// Config may override any entry.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Models: map[string]Cost{
			"claude-opus-4":     {Input: 15, Output: 75},
			"claude-sonnet-4":   {Input: 3, Output: 15},
			"claude-haiku-4":    {Input: 1, Output: 5},
			"claude-3-5-haiku":  {Input: 0.8, Output: 4},
			"gpt-4o":            {Input: 2.5, Output: 10},
			"gpt-4o-mini":       {Input: 0.15, Output: 0.6},
			"gpt-4.1":           {Input: 2, Output: 8},
			"gpt-4.1-mini":      {Input: 0.4, Output: 1.6},
			"gemini-2.5-pro":    {Input: 1.25, Output: 10},
			"gemini-2.5-flash":  {Input: 0.3, Output: 2.5},
			"anthropic.claude":  {Input: 3, Output: 15},
			"amazon.nova-pro":   {Input: 0.8, Output: 3.2},
			"amazon.nova-lite":  {Input: 0.06, Output: 0.24},
			"amazon.nova-micro": {Input: 0.035, Output: 0.14},
		},
		ImageUSD: 0.04,
	}
}

// Lookup resolves pricing for a model name. Unknown models price at zero so
// an unpriced model never blocks a request.
func (t PriceTable) Lookup(model string) (Cost, bool) {
	if c, ok := t.Models[model]; ok {
		return c, true
	}
	var (
		best    Cost
		bestLen = -1
	)
	for key, c := range t.Models {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			best, bestLen = c, len(key)
		}
	}
	if bestLen >= 0 {
		return best, true
	}
	return Cost{}, false
}

// Estimate prices usage plus generated images for a model.
func (t PriceTable) Estimate(model string, u Usage, images int) (tokensUSD, imagesUSD float64) {
	c, _ := t.Lookup(model)
	return c.Estimate(u), float64(images) * t.ImageUSD
}
