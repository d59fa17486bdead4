package budget

import (
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// ModelPrice is the per-million-token price of one model plus the output
// size assumed when estimating a job that has not run yet.
type ModelPrice struct {
	InputPerMTok         float64 `toml:"input_per_mtok"`
	OutputPerMTok        float64 `toml:"output_per_mtok"`
	ExpectedOutputTokens int     `toml:"expected_output_tokens"`
}

// ToolPrice is the surcharge for one tool call and the number of calls a
// research job is assumed to make.
type ToolPrice struct {
	PerCall       float64 `toml:"per_call"`
	ExpectedCalls int     `toml:"expected_calls"`
}

// Pricing is the price table used for estimates and actual costs.
type Pricing struct {
	Models map[string]ModelPrice `toml:"models"`
	Tools  map[string]ToolPrice  `toml:"tools"`
	// Fallback prices a model missing from Models.
	Fallback ModelPrice `toml:"fallback"`
	// ToolCall prices a reported tool call whose type is unknown.
	ToolCall float64 `toml:"tool_call"`
}

// DefaultPricing returns the built-in table.
func DefaultPricing() *Pricing {
	return &Pricing{
		Models: map[string]ModelPrice{
			"o3-deep-research":           {InputPerMTok: 10, OutputPerMTok: 40, ExpectedOutputTokens: 20000},
			"o4-mini-deep-research":      {InputPerMTok: 2, OutputPerMTok: 8, ExpectedOutputTokens: 20000},
			"claude-sonnet-4-5-20250929": {InputPerMTok: 3, OutputPerMTok: 15, ExpectedOutputTokens: 8000},
			"claude-opus-4-1-20250805":   {InputPerMTok: 15, OutputPerMTok: 75, ExpectedOutputTokens: 8000},
			"mock-research":              {InputPerMTok: 1, OutputPerMTok: 1, ExpectedOutputTokens: 1000},
		},
		Tools: map[string]ToolPrice{
			"web_search":         {PerCall: 0.01, ExpectedCalls: 20},
			"web_search_preview": {PerCall: 0.01, ExpectedCalls: 20},
			"file_search":        {PerCall: 0.0025, ExpectedCalls: 10},
			"code_interpreter":   {PerCall: 0.03, ExpectedCalls: 1},
			"code_execution":     {PerCall: 0.05, ExpectedCalls: 1},
			"mcp":                {PerCall: 0, ExpectedCalls: 0},
		},
		Fallback: ModelPrice{InputPerMTok: 10, OutputPerMTok: 40, ExpectedOutputTokens: 20000},
		ToolCall: 0.01,
	}
}

// LoadPricingFile reads a TOML price table and layers it over the defaults.
// Entries present in the file replace the built-in entry of the same name.
func LoadPricingFile(path string) (*Pricing, error) {
	var overlay Pricing
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return nil, fmt.Errorf("reading pricing file %s: %w", path, err)
	}

	p := DefaultPricing()
	for name, mp := range overlay.Models {
		if mp.InputPerMTok < 0 || mp.OutputPerMTok < 0 || mp.ExpectedOutputTokens < 0 {
			return nil, fmt.Errorf("pricing file %s: model %q has a negative price", path, name)
		}
		p.Models[name] = mp
	}
	for name, tp := range overlay.Tools {
		if tp.PerCall < 0 || tp.ExpectedCalls < 0 {
			return nil, fmt.Errorf("pricing file %s: tool %q has a negative price", path, name)
		}
		p.Tools[name] = tp
	}
	if overlay.Fallback != (ModelPrice{}) {
		p.Fallback = overlay.Fallback
	}
	if overlay.ToolCall > 0 {
		p.ToolCall = overlay.ToolCall
	}
	return p, nil
}

func (p *Pricing) model(name string) ModelPrice {
	if mp, ok := p.Models[name]; ok {
		return mp
	}
	return p.Fallback
}

// Estimate prices a job before it runs. Input tokens are approximated as a
// quarter of the prompt length. A tool missing from the table counts as one
// call at the ToolCall price.
func (p *Pricing) Estimate(model, prompt string, tools []models.ToolConfig) float64 {
	mp := p.model(model)
	inputTokens := float64(len(prompt)) / 4
	cost := inputTokens*mp.InputPerMTok/1e6 + float64(mp.ExpectedOutputTokens)*mp.OutputPerMTok/1e6
	for _, t := range tools {
		tp, ok := p.Tools[t.Type]
		if !ok {
			tp = ToolPrice{PerCall: p.ToolCall, ExpectedCalls: 1}
		}
		cost += tp.PerCall * float64(tp.ExpectedCalls)
	}
	return roundLedger(cost)
}

// CostOf prices a finished job from the usage the provider reported.
// Reasoning tokens are billed inside OutputTokens and are not added again.
func (p *Pricing) CostOf(model string, u models.Usage) float64 {
	mp := p.model(model)
	cost := float64(u.InputTokens)*mp.InputPerMTok/1e6 +
		float64(u.OutputTokens)*mp.OutputPerMTok/1e6 +
		float64(u.ToolCalls)*p.ToolCall
	return roundLedger(cost)
}

// roundLedger rounds up to four decimals, the precision of the ledger columns.
func roundLedger(v float64) float64 {
	return math.Ceil(v*1e4-1e-6) / 1e4
}
