package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, user, provider, model string, tokens int, cost float64, at time.Time) Record {
	return Record{
		ID:               id,
		UserID:           user,
		Provider:         provider,
		Model:            model,
		PromptTokens:     tokens / 2,
		CompletionTokens: tokens - tokens/2,
		TotalTokens:      tokens,
		Cost:             cost,
		CreatedAt:        at,
	}
}

func TestLedgerAppendAndFilter(t *testing.T) {
	l := NewLedger(nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	l.Append(rec("r1", "attorney-1", "anthropic", "claude-sonnet-4-5", 100, 0.001, base))
	l.Append(rec("r2", "attorney-2", "openai", "gpt-4o", 200, 0.002, base.Add(time.Hour)))
	l.Append(rec("r3", "attorney-1", "openai", "gpt-4o", 300, 0.003, base.Add(2*time.Hour)))

	assert.Equal(t, 3, l.Len())

	t.Run("no filter returns everything in append order", func(t *testing.T) {
		all := l.Records(Filter{})
		require.Len(t, all, 3)
		assert.Equal(t, "r1", all[0].ID)
		assert.Equal(t, "r3", all[2].ID)
	})

	t.Run("by user", func(t *testing.T) {
		got := l.Records(Filter{UserID: "attorney-1"})
		require.Len(t, got, 2)
		assert.Equal(t, "r1", got[0].ID)
		assert.Equal(t, "r3", got[1].ID)
	})

	t.Run("by provider", func(t *testing.T) {
		got := l.Records(Filter{Provider: "openai"})
		require.Len(t, got, 2)
	})

	t.Run("by time window", func(t *testing.T) {
		got := l.Records(Filter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
		require.Len(t, got, 1)
		assert.Equal(t, "r2", got[0].ID)
	})

	t.Run("combined", func(t *testing.T) {
		got := l.Records(Filter{UserID: "attorney-1", Provider: "openai"})
		require.Len(t, got, 1)
		assert.Equal(t, "r3", got[0].ID)
	})
}

func TestLedgerAggregate(t *testing.T) {
	l := NewLedger(nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	l.Append(rec("r1", "attorney-1", "anthropic", "claude-sonnet-4-5", 100, 0.001, base))
	l.Append(rec("r2", "attorney-2", "openai", "gpt-4o", 200, 0.002, base))
	l.Append(rec("r3", "attorney-1", "openai", "gpt-4o", 300, 0.003, base))

	summary := l.Aggregate(Filter{})
	assert.Equal(t, 3, summary.Totals.Requests)
	assert.Equal(t, 600, summary.Totals.Tokens)
	assert.InDelta(t, 0.006, summary.Totals.Cost, 1e-9)

	assert.Equal(t, 2, summary.ByProvider["openai"].Requests)
	assert.Equal(t, 500, summary.ByProvider["openai"].Tokens)
	assert.Equal(t, 1, summary.ByProvider["anthropic"].Requests)

	assert.Equal(t, 2, summary.ByModel["gpt-4o"].Requests)
	assert.InDelta(t, 0.005, summary.ByModel["gpt-4o"].Cost, 1e-9)

	filtered := l.Aggregate(Filter{UserID: "attorney-1"})
	assert.Equal(t, 2, filtered.Totals.Requests)
	assert.Equal(t, 400, filtered.Totals.Tokens)
}

func TestLedgerSinkReceivesEveryRecord(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 2)

	l := NewLedger(func(ctx context.Context, r Record) error {
		mu.Lock()
		seen[r.ID] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	l.Append(rec("r1", "u", "anthropic", "m", 10, 0, time.Now()))
	l.Append(rec("r2", "u", "anthropic", "m", 10, 0, time.Now()))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("sink was not invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["r1"])
	assert.True(t, seen["r2"])
}

func TestLedgerSinkFailureDoesNotAffectStore(t *testing.T) {
	done := make(chan struct{})
	l := NewLedger(func(ctx context.Context, r Record) error {
		close(done)
		return fmt.Errorf("database unreachable")
	})

	l.Append(rec("r1", "u", "openai", "m", 10, 0, time.Now()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink was not invoked")
	}

	// The record is stored regardless of the sink outcome.
	assert.Equal(t, 1, l.Len())
	require.Len(t, l.Records(Filter{}), 1)
}

func TestLedgerConcurrentAppend(t *testing.T) {
	l := NewLedger(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Append(rec(fmt.Sprintf("r%d", n), "u", "openai", "gpt-4o", 10, 0.0001, time.Now()))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	summary := l.Aggregate(Filter{})
	assert.Equal(t, 50, summary.Totals.Requests)
	assert.Equal(t, 500, summary.Totals.Tokens)
}
