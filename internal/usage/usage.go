// Package usage accumulates per-call usage records and answers filtered
// aggregation queries over them.
package usage

import (
	"context"
	"log"
	"sync"
	"time"
)

// Record is one accounting entry produced per successfully completed
// call, denominated in tokens and locally derived cost. Records are
// append-only for the lifetime of the gateway — never mutated or deleted.
type Record struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Cost             float64        `json:"cost"`
	Purpose          string         `json:"purpose,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Sink receives every record once, asynchronously. The external
// persistence layer implements this; the ledger never retries the
// hand-off and a sink error never affects the caller's request.
type Sink func(ctx context.Context, rec Record) error

// Ledger is the in-memory usage store.
type Ledger struct {
	mu      sync.Mutex
	records []Record
	sink    Sink
}

// NewLedger creates a Ledger. sink may be nil.
func NewLedger(sink Sink) *Ledger {
	return &Ledger{sink: sink}
}

// Append stores a record and forwards it to the sink in the background.
// Durability of the hand-off is best-effort: sink failures are logged
// and swallowed.
func (l *Ledger) Append(rec Record) {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.sink(ctx, rec); err != nil {
			log.Printf("usage sink error for record %s: %v", rec.ID, err)
		}
	}()
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	UserID   string
	Provider string
	From     time.Time
	To       time.Time
}

func (f Filter) matches(rec Record) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Provider != "" && rec.Provider != f.Provider {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Records returns a copy of the records matching the filter, in append
// order.
func (l *Ledger) Records(f Filter) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, rec := range l.records {
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Totals is one aggregation bucket.
type Totals struct {
	Cost     float64 `json:"cost"`
	Tokens   int     `json:"tokens"`
	Requests int     `json:"requests"`
}

// Summary is the result of an aggregation query: overall totals plus
// per-provider and per-model breakdowns.
type Summary struct {
	Totals     Totals            `json:"totals"`
	ByProvider map[string]Totals `json:"by_provider"`
	ByModel    map[string]Totals `json:"by_model"`
}

// Aggregate computes a Summary over the filtered records with plain
// running sums, fresh per query.
func (l *Ledger) Aggregate(f Filter) Summary {
	summary := Summary{
		ByProvider: make(map[string]Totals),
		ByModel:    make(map[string]Totals),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if !f.matches(rec) {
			continue
		}
		summary.Totals.Cost += rec.Cost
		summary.Totals.Tokens += rec.TotalTokens
		summary.Totals.Requests++

		p := summary.ByProvider[rec.Provider]
		p.Cost += rec.Cost
		p.Tokens += rec.TotalTokens
		p.Requests++
		summary.ByProvider[rec.Provider] = p

		m := summary.ByModel[rec.Model]
		m.Cost += rec.Cost
		m.Tokens += rec.TotalTokens
		m.Requests++
		summary.ByModel[rec.Model] = m
	}

	return summary
}

// Len reports the number of stored records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
