// Package gateway holds the failover manager: the component that owns
// the set of configured provider adapters, tracks their live
// availability, and retries a logical call across them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verbalex/aigateway/internal/metrics"
	"github.com/verbalex/aigateway/internal/provider"
	"github.com/verbalex/aigateway/internal/usage"
)

// ErrNoProviders is returned when a call arrives and nothing is
// registered (or the failover list names nothing registered).
var ErrNoProviders = errors.New("no providers configured")

// ErrAllProvidersFailed is returned after every provider in the order
// was skipped or failed. The wrapped message embeds the last observed
// vendor failure.
var ErrAllProvidersFailed = errors.New("all providers failed")

// Manager dispatches unified completion calls across the registered
// providers, failing over automatically. Its "retry" is always the next
// distinct provider — retry-same-provider is the adapter's business.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	order     []string // registration order
	failover  []string // configured failover policy, may be empty

	status StatusStore
	ledger *usage.Ledger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFailoverOrder sets the explicit failover policy: the ordered
// provider list attempts follow when no preferred provider overrides it.
func WithFailoverOrder(order []string) Option {
	return func(m *Manager) { m.failover = order }
}

// WithStatusStore replaces the default in-memory availability store,
// e.g. with the Redis-backed one for fleet-wide sharing.
func WithStatusStore(store StatusStore) Option {
	return func(m *Manager) { m.status = store }
}

// NewManager creates a Manager recording usage into ledger. A nil ledger
// disables usage accounting.
func NewManager(ledger *usage.Ledger, opts ...Option) *Manager {
	m := &Manager{
		providers: make(map[string]provider.Provider),
		status:    NewMemoryStatusStore(),
		ledger:    ledger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a provider and marks it available. Registration order is
// the default attempt order when no failover policy is configured.
func (m *Manager) Register(p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	if _, exists := m.providers[name]; !exists {
		m.order = append(m.order, name)
	}
	m.providers[name] = p
	m.status.Set(ProviderStatus{
		Provider:    name,
		Available:   true,
		LastChecked: time.Now(),
	})
}

// RegisterFailed records a provider whose construction failed (bad
// credentials, unusable config). It participates in status reporting as
// permanently unavailable until a future process re-registers it.
func (m *Manager) RegisterFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; !exists {
		m.order = append(m.order, name)
	}
	m.status.Set(ProviderStatus{
		Provider:    name,
		Available:   false,
		LastChecked: time.Now(),
		LastError:   err.Error(),
	})
}

// ProviderOrder computes the attempt order for one logical call.
//
// Without a failover policy: the preferred provider alone if it is
// registered, otherwise all providers in registration order. With a
// policy: the policy list, with the preferred provider (when present in
// it) moved to the front.
func (m *Manager) ProviderOrder(preferred string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.failover) == 0 {
		if preferred != "" {
			if _, ok := m.providers[preferred]; ok {
				return []string{preferred}
			}
		}
		return append([]string(nil), m.order...)
	}

	order := append([]string(nil), m.failover...)
	if preferred != "" {
		for i, id := range order {
			if id == preferred {
				order = append(order[:i], order[i+1:]...)
				order = append([]string{preferred}, order...)
				break
			}
		}
	}
	return order
}

// Statuses reports the current availability of every registered
// provider, in registration order.
func (m *Manager) Statuses() []ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(m.order))
	for _, id := range m.order {
		if st, ok := m.status.Get(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (m *Manager) get(id string) (provider.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

func (m *Manager) markAvailable(id string) {
	m.status.Set(ProviderStatus{
		Provider:    id,
		Available:   true,
		LastChecked: time.Now(),
	})
}

func (m *Manager) markUnavailable(id string, err error) {
	m.status.Set(ProviderStatus{
		Provider:    id,
		Available:   false,
		LastChecked: time.Now(),
		LastError:   err.Error(),
	})
}

// recordUsage appends one ledger entry for a successful call and bumps
// the metrics counters.
func (m *Manager) recordUsage(opts *provider.CompletionOptions, res *provider.CompletionResult) {
	metrics.ObserveSuccess(res.Provider, res.Usage.PromptTokens, res.Usage.CompletionTokens)

	if m.ledger == nil {
		return
	}
	m.ledger.Append(usage.Record{
		ID:               uuid.NewString(),
		UserID:           opts.UserID,
		Provider:         res.Provider,
		Model:            res.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		Cost:             res.Usage.Cost,
		Purpose:          opts.Purpose,
		Metadata:         opts.Metadata,
		CreatedAt:        time.Now(),
	})
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

// Complete runs one non-streaming call through the failover order. It
// either returns a valid result with FinishReason != error, or a single
// aggregate error after every provider was skipped or failed — callers
// never see an individual vendor's error result.
func (m *Manager) Complete(ctx context.Context, opts *provider.CompletionOptions, preferred string) (*provider.CompletionResult, error) {
	order := m.ProviderOrder(preferred)
	if len(order) == 0 {
		return nil, ErrNoProviders
	}

	attempted := false
	lastFailure := ""
	for _, id := range order {
		p, ok := m.get(id)
		if !ok {
			continue
		}
		if st, found := m.status.Get(id); found && !st.Available {
			if st.LastError != "" {
				lastFailure = st.LastError
			}
			continue
		}

		if attempted {
			metrics.FailoversTotal.Inc()
		}
		attempted = true

		res := p.Complete(ctx, opts)
		if res.FinishReason == provider.FinishError {
			// A vendor failure, not a result: mark the provider down
			// and move on.
			lastFailure = res.Error
			m.markUnavailable(id, errors.New(res.Error))
			metrics.ObserveFailure(id)
			continue
		}

		m.markAvailable(id)
		m.recordUsage(opts, res)
		return res, nil
	}

	if lastFailure != "" {
		return nil, fmt.Errorf("%w: last error: %s", ErrAllProvidersFailed, lastFailure)
	}
	if !attempted {
		return nil, ErrNoProviders
	}
	return nil, ErrAllProvidersFailed
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream runs one streaming call through the failover order.
//
// A stream commits to a single provider mid-flight: if the adapter fails
// after chunks were already forwarded, the partial output cannot be
// unwound. The manager still advances to the next provider and restarts
// the stream from scratch — but it first emits a restart chunk so the
// caller knows to discard everything received so far rather than
// silently concatenating answers from two different vendors.
//
// The caller's OnComplete is wrapped so usage is recorded and the
// provider marked available before the callback fires; OnError fires
// only once, with the aggregate error, after the whole order is
// exhausted. The same error is also returned.
func (m *Manager) Stream(ctx context.Context, opts *provider.CompletionOptions, handler provider.StreamHandler, preferred string) error {
	order := m.ProviderOrder(preferred)
	if len(order) == 0 {
		if handler.OnError != nil {
			handler.OnError(ErrNoProviders)
		}
		return ErrNoProviders
	}

	attempted := false
	lastFailure := ""
	emittedSinceRestart := false

	for _, id := range order {
		p, ok := m.get(id)
		if !ok {
			continue
		}
		if st, found := m.status.Get(id); found && !st.Available {
			if st.LastError != "" {
				lastFailure = st.LastError
			}
			continue
		}

		if attempted {
			metrics.FailoversTotal.Inc()
		}
		attempted = true

		if emittedSinceRestart && handler.OnChunk != nil {
			handler.OnChunk(provider.StreamChunk{
				Type:     provider.ChunkRestart,
				Provider: id,
			})
			emittedSinceRestart = false
		}

		var (
			completed  bool
			attemptErr error
		)
		wrapped := provider.StreamHandler{
			OnChunk: func(c provider.StreamChunk) {
				emittedSinceRestart = true
				if handler.OnChunk != nil {
					handler.OnChunk(c)
				}
			},
			OnComplete: func(res *provider.CompletionResult) {
				completed = true
				m.markAvailable(id)
				m.recordUsage(opts, res)
				if handler.OnComplete != nil {
					handler.OnComplete(res)
				}
			},
			OnError: func(err error) {
				attemptErr = err
			},
		}

		p.Stream(ctx, opts, wrapped)

		if completed {
			return nil
		}
		if attemptErr == nil {
			attemptErr = errors.New("stream ended without completion")
		}
		lastFailure = attemptErr.Error()
		m.markUnavailable(id, attemptErr)
		metrics.ObserveFailure(id)

		// A cancelled caller gets no further attempts.
		if ctx.Err() != nil {
			break
		}
	}

	var err error
	switch {
	case lastFailure != "":
		err = fmt.Errorf("%w: last error: %s", ErrAllProvidersFailed, lastFailure)
	case !attempted:
		err = ErrNoProviders
	default:
		err = ErrAllProvidersFailed
	}
	if handler.OnError != nil {
		handler.OnError(err)
	}
	return err
}
