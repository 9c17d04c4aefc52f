package corehttp

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Version is reported in the User-Agent header.
const Version = "0.1.0"

// NewRequestIDPolicy returns a policy that stamps each request with a unique
// x-ms-client-request-id unless the caller already set one. It runs once
// per call, so every retry of a request carries the same id.
func NewRequestIDPolicy() Policy {
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if _, ok := req.Header.Lookup("x-ms-client-request-id"); !ok {
			req.Header.Set("x-ms-client-request-id", uuid.New().String())
		}
		return next(ctx, req)
	})
}

// NewTelemetryPolicy returns a policy setting the User-Agent header to
// "cloudpipe/<version>", prefixed by applicationID when one is given. An
// existing User-Agent is appended after it.
func NewTelemetryPolicy(applicationID string) Policy {
	ua := "cloudpipe/" + Version
	if applicationID = strings.TrimSpace(applicationID); applicationID != "" {
		ua = applicationID + " " + ua
	}
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		value := ua
		if existing := req.Header.Get("User-Agent"); existing != "" {
			value = ua + " " + existing
		}
		req.Header.Set("User-Agent", value)
		return next(ctx, req)
	})
}

// RateLimitOptions configures client-side throttling.
type RateLimitOptions struct {
	// RequestsPerSecond is the sustained attempt rate. Zero disables the
	// limiter.
	RequestsPerSecond float64
	// Burst is the number of attempts allowed at once (default: 1 or the
	// rounded-up rate, whichever is larger).
	Burst int
}

// NewRateLimitPolicy returns a policy that waits for a token bucket before
// each attempt. It returns nil when the rate is zero.
func NewRateLimitPolicy(opts RateLimitOptions) Policy {
	if opts.RequestsPerSecond <= 0 {
		return nil
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = max(1, int(opts.RequestsPerSecond+0.999))
	}
	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			if cerr := Cancelled(ctx, "rate limit"); cerr != nil {
				return nil, cerr
			}
			// Wait also fails when the deadline is too close for a token.
			return nil, &CancellationError{Op: "rate limit", Err: err}
		}
		return next(ctx, req)
	})
}
