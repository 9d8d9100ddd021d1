package provider

// modelPrice holds the dollar rates for one model, per million tokens.
type modelPrice struct {
	Input  float64
	Output float64
}

// modelPrices is the static price table used for cost accounting. Rates
// are maintained by hand; vendors do not report cost on the wire, and
// deriving it locally keeps the units identical across providers.
//
// A model missing from this table costs 0 — new models show up in usage
// records with zero cost until someone adds a row here.
var modelPrices = map[string]modelPrice{
	// Anthropic
	"claude-opus-4-1":   {Input: 15.0, Output: 75.0},
	"claude-sonnet-4-5": {Input: 3.0, Output: 15.0},
	"claude-haiku-4-5":  {Input: 1.0, Output: 5.0},
	"claude-3-5-haiku":  {Input: 0.8, Output: 4.0},

	// OpenAI
	"gpt-4o":      {Input: 2.5, Output: 10.0},
	"gpt-4o-mini": {Input: 0.15, Output: 0.6},
	"gpt-4.1":     {Input: 2.0, Output: 8.0},
	"o3-mini":     {Input: 1.1, Output: 4.4},

	// Google
	"gemini-2.5-pro":   {Input: 1.25, Output: 10.0},
	"gemini-2.5-flash": {Input: 0.3, Output: 2.5},
	"gemini-2.0-flash": {Input: 0.1, Output: 0.4},
}

// CostFor computes the dollar cost of a call:
//
//	promptTokens/1e6 × inputRate + completionTokens/1e6 × outputRate
//
// Unknown models cost exactly 0. The function is monotonic non-decreasing
// in both token counts.
func CostFor(model string, usage Usage) float64 {
	price, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*price.Input +
		float64(usage.CompletionTokens)/1e6*price.Output
}
