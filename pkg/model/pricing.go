package model

import (
	"math"
	"strings"
)

// Pricing is USD per million tokens for one model.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultPricing covers common models; longest matching prefix wins so dated
// variants resolve without their own entries. Embedders can override via
// RegisterPricing.
var defaultPricing = map[string]Pricing{
	"claude-opus-4":     {InputPer1M: 15.0, OutputPer1M: 75.0},
	"claude-sonnet-4":   {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-3-5-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-3-5-haiku":  {InputPer1M: 1.0, OutputPer1M: 5.0},
	"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.0},
	"gpt-4-turbo":       {InputPer1M: 10.0, OutputPer1M: 30.0},
	"o1-mini":           {InputPer1M: 3.0, OutputPer1M: 12.0},
	"o1":                {InputPer1M: 15.0, OutputPer1M: 60.0},
	"gemini-2.0-flash":  {InputPer1M: 0.10, OutputPer1M: 0.40},
	"gemini-1.5-flash":  {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.0},
}

var customPricing = map[string]Pricing{}

// RegisterPricing installs or overrides the price for a model prefix.
func RegisterPricing(modelPrefix string, p Pricing) {
	customPricing[strings.ToLower(strings.TrimSpace(modelPrefix))] = p
}

// LookupPricing resolves a model name to its pricing by longest prefix match,
// custom entries first. Returns false for unknown models.
func LookupPricing(model string) (Pricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return Pricing{}, false
	}

	best, bestLen, found := Pricing{}, -1, false
	for _, table := range []map[string]Pricing{customPricing, defaultPricing} {
		for prefix, p := range table {
			if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
				best, bestLen, found = p, len(prefix), true
			}
		}
		if found {
			break
		}
	}
	return best, found
}

// EstimateCost computes USD for a turn from token counts. Unknown models
// cost zero rather than guessing.
func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	p, ok := LookupPricing(model)
	if !ok {
		return 0
	}
	total := (float64(tokensIn)*p.InputPer1M + float64(tokensOut)*p.OutputPer1M) / 1_000_000
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0
	}
	return total
}

// FillCost computes usage cost from the catalog when the provider reported
// none.
func FillCost(model string, u *Usage) {
	if u.Cost == 0 && (u.TokensIn > 0 || u.TokensOut > 0) {
		u.Cost = EstimateCost(model, u.TokensIn, u.TokensOut)
	}
}
