package corehttp

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ClientOptions configures the default pipeline.
type ClientOptions struct {
	// ApplicationID is prepended to the User-Agent header.
	ApplicationID string

	// Retry configuration
	Retry RetryOptions

	// Client-side throttling, applied to every attempt
	RateLimit RateLimitOptions

	// Logging configuration
	Logging LoggingOptions

	// Hooks for request/response interception, run for every attempt
	Hooks Hooks

	// PerCallPolicies run once per call, outside the retry policy.
	PerCallPolicies []Policy

	// PerRetryPolicies run for every attempt, inside the retry policy.
	// Authentication policies belong here so each attempt is signed afresh.
	PerRetryPolicies []Policy

	// Metrics registers request metrics with this registerer when set.
	Metrics prometheus.Registerer

	// DisableDecompression leaves compressed response bodies untouched.
	DisableDecompression bool

	// Logger receives structured logs from every policy (optional).
	Logger *zap.Logger
}

// setDefaults fills in default values for zero-valued fields.
func (o *ClientOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Retry.setDefaults()
}

// NewDefaultPipeline assembles the standard policy chain in front of
// transport:
//
//	request id → telemetry → per-call policies → retry → hooks →
//	per-retry policies → rate limit → logging → metrics →
//	decompression → transport
//
// Hooks run ahead of the per-retry policies so a request edited by a
// BeforeRequest hook is still signed as sent.
func NewDefaultPipeline(transport Transport, opts ClientOptions) (Pipeline, error) {
	opts.setDefaults()

	policies := []Policy{
		NewRequestIDPolicy(),
		NewTelemetryPolicy(opts.ApplicationID),
	}
	policies = append(policies, opts.PerCallPolicies...)
	policies = append(policies,
		NewRetryPolicy(opts.Retry, opts.Logger),
		NewHooksPolicy(opts.Hooks),
	)
	policies = append(policies, opts.PerRetryPolicies...)
	policies = append(policies,
		NewRateLimitPolicy(opts.RateLimit),
		NewLoggingPolicy(opts.Logging, opts.Logger),
	)
	if opts.Metrics != nil {
		m, err := NewMetrics(opts.Metrics)
		if err != nil {
			return Pipeline{}, fmt.Errorf("failed to register metrics: %w", err)
		}
		policies = append(policies, m.Policy())
	}
	if !opts.DisableDecompression {
		policies = append(policies, NewDecompressionPolicy())
	}
	return NewPipeline(transport, policies...), nil
}
