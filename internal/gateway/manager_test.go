package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbalex/aigateway/internal/provider"
	"github.com/verbalex/aigateway/internal/usage"
)

// fakeProvider scripts one provider's behavior for manager tests.
type fakeProvider struct {
	name      string
	failWith  string // non-empty: every call fails with this message
	content   string
	cost      float64
	completes int
	streams   int
}

var _ provider.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CalculateCost(model string, u provider.Usage) float64 {
	return provider.CostFor(model, u)
}

func (f *fakeProvider) ValidateConfig(ctx context.Context) bool { return f.failWith == "" }

func (f *fakeProvider) result(opts *provider.CompletionOptions) *provider.CompletionResult {
	return &provider.CompletionResult{
		Content:  f.content,
		Model:    opts.Model,
		Provider: f.name,
		Usage: provider.Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
			Cost:             f.cost,
		},
		FinishReason: provider.FinishStop,
	}
}

func (f *fakeProvider) Complete(ctx context.Context, opts *provider.CompletionOptions) *provider.CompletionResult {
	f.completes++
	if f.failWith != "" {
		return provider.ErrorResult(f.name, opts.Model, errors.New(f.failWith))
	}
	return f.result(opts)
}

func (f *fakeProvider) Stream(ctx context.Context, opts *provider.CompletionOptions, handler provider.StreamHandler) {
	f.streams++
	if f.failWith != "" {
		if f.content != "" {
			// Emit a partial chunk before dying, like a mid-stream drop.
			handler.OnChunk(provider.StreamChunk{
				Type:     provider.ChunkContent,
				Delta:    f.content,
				Provider: f.name,
			})
		}
		handler.OnError(errors.New(f.failWith))
		return
	}
	handler.OnChunk(provider.StreamChunk{
		Type:     provider.ChunkContent,
		Delta:    f.content,
		Provider: f.name,
	})
	res := f.result(opts)
	handler.OnChunk(provider.StreamChunk{
		Type:     provider.ChunkDone,
		Usage:    &res.Usage,
		Provider: f.name,
	})
	handler.OnComplete(res)
}

func testOpts() *provider.CompletionOptions {
	return &provider.CompletionOptions{
		Model:    "claude-sonnet-4-5",
		UserID:   "attorney-1",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}
}

func TestManagerCompleteFirstProviderWins(t *testing.T) {
	ledger := usage.NewLedger(nil)
	m := NewManager(ledger)

	a := &fakeProvider{name: "anthropic", content: "from anthropic", cost: 0.001}
	b := &fakeProvider{name: "openai", content: "from openai"}
	m.Register(a)
	m.Register(b)

	res, err := m.Complete(context.Background(), testOpts(), "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, 1, a.completes)
	assert.Zero(t, b.completes)
	assert.Equal(t, 1, ledger.Len())
}

func TestManagerCompleteFailover(t *testing.T) {
	ledger := usage.NewLedger(nil)
	m := NewManager(ledger)

	a := &fakeProvider{name: "anthropic", failWith: "overloaded"}
	b := &fakeProvider{name: "openai", failWith: "rate limited"}
	c := &fakeProvider{name: "google", content: "third time lucky", cost: 0.00002}
	m.Register(a)
	m.Register(b)
	m.Register(c)

	res, err := m.Complete(context.Background(), testOpts(), "")
	require.NoError(t, err)
	assert.Equal(t, "google", res.Provider)
	assert.Equal(t, "third time lucky", res.Content)
	assert.InDelta(t, 0.00002, res.Usage.Cost, 1e-12)

	// Exactly one ledger record despite three attempts: failures are
	// never billed.
	require.Equal(t, 1, ledger.Len())
	recs := ledger.Records(usage.Filter{})
	assert.Equal(t, "google", recs[0].Provider)
	assert.InDelta(t, 0.00002, recs[0].Cost, 1e-12)

	// The failed providers are now marked unavailable.
	stA, ok := m.status.Get("anthropic")
	require.True(t, ok)
	assert.False(t, stA.Available)
	assert.Equal(t, "overloaded", stA.LastError)

	stC, ok := m.status.Get("google")
	require.True(t, ok)
	assert.True(t, stC.Available)
}

func TestManagerCompleteSkipsUnavailable(t *testing.T) {
	m := NewManager(nil)

	a := &fakeProvider{name: "anthropic", content: "should be skipped"}
	b := &fakeProvider{name: "openai", content: "fallback"}
	m.Register(a)
	m.Register(b)

	m.markUnavailable("anthropic", errors.New("previous call failed"))

	res, err := m.Complete(context.Background(), testOpts(), "")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Zero(t, a.completes, "an unavailable provider must not be attempted")
}

func TestManagerCompleteRecoversAvailability(t *testing.T) {
	m := NewManager(nil)
	a := &fakeProvider{name: "anthropic", content: "back up"}
	m.Register(a)

	m.markUnavailable("anthropic", errors.New("was down"))
	// The only provider being down exhausts the order.
	_, err := m.Complete(context.Background(), testOpts(), "")
	require.Error(t, err)

	// Status flips back on the next successful call.
	m.markAvailable("anthropic")
	res, err := m.Complete(context.Background(), testOpts(), "")
	require.NoError(t, err)
	assert.Equal(t, "back up", res.Content)

	st, ok := m.status.Get("anthropic")
	require.True(t, ok)
	assert.True(t, st.Available)
	assert.Empty(t, st.LastError)
}

func TestManagerCompleteAllFail(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeProvider{name: "anthropic", failWith: "down"})
	m.Register(&fakeProvider{name: "openai", failWith: "also down"})

	res, err := m.Complete(context.Background(), testOpts(), "")
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	// The aggregate error carries the last vendor failure.
	assert.Contains(t, err.Error(), "also down")
}

func TestManagerCompleteNoProviders(t *testing.T) {
	m := NewManager(nil)
	res, err := m.Complete(context.Background(), testOpts(), "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestManagerPreferredProviderOnly(t *testing.T) {
	// Without a failover policy, a preferred provider is attempted alone.
	m := NewManager(nil)
	a := &fakeProvider{name: "anthropic", failWith: "down"}
	b := &fakeProvider{name: "openai", content: "never reached"}
	m.Register(a)
	m.Register(b)

	_, err := m.Complete(context.Background(), testOpts(), "anthropic")
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Zero(t, b.completes)
}

func TestProviderOrder(t *testing.T) {
	newPolicyManager := func() *Manager {
		m := NewManager(nil, WithFailoverOrder([]string{"anthropic", "openai", "google"}))
		m.Register(&fakeProvider{name: "anthropic"})
		m.Register(&fakeProvider{name: "openai"})
		m.Register(&fakeProvider{name: "google"})
		return m
	}

	t.Run("policy without preference", func(t *testing.T) {
		m := newPolicyManager()
		assert.Equal(t, []string{"anthropic", "openai", "google"}, m.ProviderOrder(""))
	})

	t.Run("preferred moves to front", func(t *testing.T) {
		m := newPolicyManager()
		assert.Equal(t, []string{"google", "anthropic", "openai"}, m.ProviderOrder("google"))
	})

	t.Run("preferred already first is unchanged", func(t *testing.T) {
		m := newPolicyManager()
		assert.Equal(t, []string{"anthropic", "openai", "google"}, m.ProviderOrder("anthropic"))
	})

	t.Run("preferred outside the policy leaves it unchanged", func(t *testing.T) {
		m := newPolicyManager()
		assert.Equal(t, []string{"anthropic", "openai", "google"}, m.ProviderOrder("azure"))
	})

	t.Run("no policy no preference uses registration order", func(t *testing.T) {
		m := NewManager(nil)
		m.Register(&fakeProvider{name: "openai"})
		m.Register(&fakeProvider{name: "anthropic"})
		assert.Equal(t, []string{"openai", "anthropic"}, m.ProviderOrder(""))
	})

	t.Run("no policy with registered preference", func(t *testing.T) {
		m := NewManager(nil)
		m.Register(&fakeProvider{name: "openai"})
		m.Register(&fakeProvider{name: "anthropic"})
		assert.Equal(t, []string{"anthropic"}, m.ProviderOrder("anthropic"))
	})

	t.Run("no policy with unknown preference", func(t *testing.T) {
		m := NewManager(nil)
		m.Register(&fakeProvider{name: "openai"})
		assert.Equal(t, []string{"openai"}, m.ProviderOrder("anthropic"))
	})
}

func TestStatusMarkingIdempotent(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeProvider{name: "anthropic"})

	m.markUnavailable("anthropic", errors.New("down"))
	first, _ := m.status.Get("anthropic")
	m.markUnavailable("anthropic", errors.New("down"))
	second, _ := m.status.Get("anthropic")
	assert.Equal(t, first.Available, second.Available)
	assert.Equal(t, first.LastError, second.LastError)

	m.markAvailable("anthropic")
	m.markAvailable("anthropic")
	st, _ := m.status.Get("anthropic")
	assert.True(t, st.Available)
	assert.Empty(t, st.LastError)
}

func TestRegisterFailedReportsUnavailable(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeProvider{name: "openai", content: "ok"})
	m.RegisterFailed("anthropic", fmt.Errorf("no API key configured"))

	statuses := m.Statuses()
	require.Len(t, statuses, 2)

	byName := map[string]ProviderStatus{}
	for _, st := range statuses {
		byName[st.Provider] = st
	}
	assert.True(t, byName["openai"].Available)
	assert.False(t, byName["anthropic"].Available)
	assert.Contains(t, byName["anthropic"].LastError, "no API key")

	// Calls still work through the healthy provider.
	res, err := m.Complete(context.Background(), testOpts(), "")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestManagerStreamSuccess(t *testing.T) {
	ledger := usage.NewLedger(nil)
	m := NewManager(ledger)
	m.Register(&fakeProvider{name: "anthropic", content: "streamed text", cost: 0.003})

	var chunks []provider.StreamChunk
	var result *provider.CompletionResult
	err := m.Stream(context.Background(), testOpts(), provider.StreamHandler{
		OnChunk:    func(c provider.StreamChunk) { chunks = append(chunks, c) },
		OnComplete: func(res *provider.CompletionResult) { result = res },
		OnError:    func(err error) { t.Fatalf("unexpected stream error: %v", err) },
	}, "")

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "streamed text", result.Content)
	assert.Equal(t, 1, ledger.Len())

	require.Len(t, chunks, 2)
	assert.Equal(t, provider.ChunkContent, chunks[0].Type)
	assert.Equal(t, provider.ChunkDone, chunks[1].Type)
}

func TestManagerStreamRestartOnFailover(t *testing.T) {
	ledger := usage.NewLedger(nil)
	m := NewManager(ledger)

	// First provider emits partial output, then dies mid-stream.
	m.Register(&fakeProvider{name: "anthropic", content: "partial answ", failWith: "connection reset"})
	m.Register(&fakeProvider{name: "openai", content: "full answer"})

	var chunks []provider.StreamChunk
	var result *provider.CompletionResult
	err := m.Stream(context.Background(), testOpts(), provider.StreamHandler{
		OnChunk:    func(c provider.StreamChunk) { chunks = append(chunks, c) },
		OnComplete: func(res *provider.CompletionResult) { result = res },
	}, "")

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "openai", result.Provider)

	// partial content, restart marker, fresh content, done.
	require.Len(t, chunks, 4)
	assert.Equal(t, provider.ChunkContent, chunks[0].Type)
	assert.Equal(t, "partial answ", chunks[0].Delta)
	assert.Equal(t, provider.ChunkRestart, chunks[1].Type)
	assert.Equal(t, "openai", chunks[1].Provider)
	assert.Equal(t, "full answer", chunks[2].Delta)
	assert.Equal(t, provider.ChunkDone, chunks[3].Type)

	// Only the successful attempt is billed.
	assert.Equal(t, 1, ledger.Len())
}

func TestManagerStreamNoRestartBeforeFirstChunk(t *testing.T) {
	// A provider that fails before emitting anything needs no restart
	// marker: the client has nothing to discard.
	m := NewManager(nil)
	m.Register(&fakeProvider{name: "anthropic", failWith: "401 unauthorized"})
	m.Register(&fakeProvider{name: "openai", content: "answer"})

	var chunks []provider.StreamChunk
	err := m.Stream(context.Background(), testOpts(), provider.StreamHandler{
		OnChunk: func(c provider.StreamChunk) { chunks = append(chunks, c) },
	}, "")

	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotEqual(t, provider.ChunkRestart, c.Type)
	}
}

func TestManagerStreamAllFail(t *testing.T) {
	m := NewManager(nil)
	m.Register(&fakeProvider{name: "anthropic", failWith: "down"})
	m.Register(&fakeProvider{name: "openai", failWith: "also down"})

	var streamErrs []error
	err := m.Stream(context.Background(), testOpts(), provider.StreamHandler{
		OnComplete: func(res *provider.CompletionResult) { t.Fatal("unexpected completion") },
		OnError:    func(err error) { streamErrs = append(streamErrs, err) },
	}, "")

	require.ErrorIs(t, err, ErrAllProvidersFailed)
	// OnError fires exactly once, with the aggregate error — not once
	// per failed attempt.
	require.Len(t, streamErrs, 1)
	assert.ErrorIs(t, streamErrs[0], ErrAllProvidersFailed)
	assert.Contains(t, streamErrs[0].Error(), "also down")
}

func TestManagerStreamNoProviders(t *testing.T) {
	m := NewManager(nil)
	var gotErr error
	err := m.Stream(context.Background(), testOpts(), provider.StreamHandler{
		OnError: func(err error) { gotErr = err },
	}, "")
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.ErrorIs(t, gotErr, ErrNoProviders)
}
