// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completion attempts per provider and outcome
	// ("success" or "error").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aigateway_requests_total",
		Help: "Completion attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// FailoversTotal counts how often the manager moved past a failed
	// provider to try the next one.
	FailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aigateway_failovers_total",
		Help: "Provider failovers within a single logical call.",
	})

	// TokensTotal counts tokens by provider and direction ("prompt" or
	// "completion").
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aigateway_tokens_total",
		Help: "Tokens consumed by provider and direction.",
	}, []string{"provider", "direction"})
)

// ObserveSuccess records a successful call's counters.
func ObserveSuccess(provider string, promptTokens, completionTokens int) {
	RequestsTotal.WithLabelValues(provider, "success").Inc()
	TokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// ObserveFailure records a failed attempt against one provider.
func ObserveFailure(provider string) {
	RequestsTotal.WithLabelValues(provider, "error").Inc()
}
