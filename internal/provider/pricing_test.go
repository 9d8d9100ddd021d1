package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostFor(t *testing.T) {
	t.Run("known model", func(t *testing.T) {
		// claude-sonnet-4-5: $3/M input, $15/M output.
		cost := CostFor("claude-sonnet-4-5", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
		assert.InDelta(t, 18.0, cost, 1e-9)
	})

	t.Run("small token counts", func(t *testing.T) {
		cost := CostFor("gpt-4o-mini", Usage{PromptTokens: 1000, CompletionTokens: 500})
		// 1000/1M * 0.15 + 500/1M * 0.60
		assert.InDelta(t, 0.00045, cost, 1e-9)
	})

	t.Run("unknown model costs zero", func(t *testing.T) {
		cost := CostFor("some-future-model", Usage{PromptTokens: 5000, CompletionTokens: 5000})
		assert.Zero(t, cost)
	})

	t.Run("zero usage costs zero", func(t *testing.T) {
		assert.Zero(t, CostFor("gpt-4o", Usage{}))
	})

	t.Run("more tokens never cost less", func(t *testing.T) {
		small := CostFor("gemini-2.5-pro", Usage{PromptTokens: 100, CompletionTokens: 100})
		large := CostFor("gemini-2.5-pro", Usage{PromptTokens: 10_000, CompletionTokens: 10_000})
		assert.Greater(t, large, small)
	})
}
