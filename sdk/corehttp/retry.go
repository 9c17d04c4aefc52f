package corehttp

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RetryOptions configures the retry policy.
type RetryOptions struct {
	MaxAttempts   int           // Total attempts including the first (default: 3)
	BaseDelay     time.Duration // Initial delay before first retry (default: 1s)
	MaxDelay      time.Duration // Maximum delay between retries (default: 60s)
	Multiplier    float64       // Backoff multiplier (default: 2.0)
	JitterPercent float64       // Jitter as a percentage (default: 0.1 = 10%)

	// TryTimeout bounds each individual attempt. Zero leaves attempts bounded
	// only by the caller's context.
	TryTimeout time.Duration

	// StatusCodes lists response codes treated as transient
	// (default: 408, 429, 500, 502, 503, 504).
	StatusCodes []int

	// OnRetry is called before each retry delay. Returning an error aborts
	// the retry loop with that error.
	OnRetry OnRetryHook
}

// DefaultRetryStatusCodes are the response codes retried when
// RetryOptions.StatusCodes is empty.
var DefaultRetryStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// setDefaults fills in default values for zero-valued fields.
func (r *RetryOptions) setDefaults() {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 1 * time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 60 * time.Second
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.JitterPercent == 0 {
		r.JitterPercent = 0.1
	}
	if len(r.StatusCodes) == 0 {
		r.StatusCodes = DefaultRetryStatusCodes
	}
}

type retryPolicy struct {
	opts   RetryOptions
	codes  map[int]struct{}
	logger *zap.Logger
}

// NewRetryPolicy returns a policy that re-sends a request on transport
// errors and on the configured status codes. Every attempt gets a clone of
// the request with its body rewound, so inner policies see a fresh request.
//
// Retrying stops when the attempt budget is used up or when the next delay
// would pass the context deadline; the last failure is then returned wrapped
// in a *RetryExhaustedError. Other errors are returned unchanged.
func NewRetryPolicy(opts RetryOptions, logger *zap.Logger) Policy {
	opts.setDefaults()
	codes := make(map[int]struct{}, len(opts.StatusCodes))
	for _, c := range opts.StatusCodes {
		codes[c] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryPolicy{opts: opts, codes: codes, logger: logger.Named("retry")}
}

func (p *retryPolicy) Do(ctx context.Context, req *Request, next Next) (*Response, error) {
	var (
		lastErr    error
		lastStatus int
		attempts   int
	)

	for attempt := 0; attempt < p.opts.MaxAttempts; attempt++ {
		if err := req.RewindBody(); err != nil {
			return nil, err
		}

		tryCtx, cancel := p.tryContext(ctx)
		resp, err := next(tryCtx, req.Clone())
		attempts++

		if err != nil {
			retry := p.shouldRetry(ctx, tryCtx, err)
			cancel()
			if !retry {
				return nil, err
			}
			lastErr, lastStatus = err, 0
		} else if _, transient := p.codes[resp.StatusCode]; transient {
			lastErr, lastStatus = nil, resp.StatusCode
		} else {
			if resp.Body != nil {
				resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			} else {
				cancel()
			}
			return resp, nil
		}

		if attempt == p.opts.MaxAttempts-1 {
			if resp != nil {
				resp.drain()
				cancel()
			}
			break
		}

		delay := calculateBackoff(&p.opts, attempt)
		if resp != nil {
			if hint := retryAfter(resp.Header); hint > 0 {
				delay = min(hint, p.opts.MaxDelay)
			}
			resp.drain()
			cancel()
		}

		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			p.logger.Debug("retry delay exceeds deadline",
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Time("deadline", deadline))
			break
		}

		if p.opts.OnRetry != nil {
			if hookErr := p.opts.OnRetry(req, attempts, delay); hookErr != nil {
				return nil, hookErr
			}
		}

		p.logger.Warn("retrying request",
			zap.String("method", req.Method()),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", p.opts.MaxAttempts),
			zap.Int("status", lastStatus),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetryExhaustedError{Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

func (p *retryPolicy) tryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.TryTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.TryTimeout)
	}
	return ctx, func() {}
}

// shouldRetry determines if a failed attempt should be retried.
//
// Retry conditions:
//   - *TransportError from the backend
//   - the attempt's own TryTimeout expired while the caller's context is live
//
// Do NOT retry:
//   - cancellation or deadline of the caller's context
//   - any other error (signing failures, protocol violations, hook errors)
func (p *retryPolicy) shouldRetry(ctx, tryCtx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var ce *CancellationError
	if errors.As(err, &ce) {
		return p.opts.TryTimeout > 0 && tryCtx.Err() != nil
	}
	return IsRetryable(err)
}

// calculateBackoff computes the delay before the next retry attempt using
// exponential backoff with jitter.
//
// Formula: delay = min(baseDelay * multiplier^attempt, maxDelay)
// Jitter: delay *= (1 ± jitterPercent)
func calculateBackoff(cfg *RetryOptions, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 || cfg.Multiplier == 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterPercent > 0 {
		// rand.Float64() returns [0.0, 1.0); map it to [-jitter, +jitter]
		jitter := (rand.Float64()*2 - 1) * cfg.JitterPercent
		delay = delay * (1 + jitter)

		if delay < 0 {
			delay = 0
		}
		if delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}

	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return Cancelled(ctx, "retry wait")
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &CancellationError{Op: "retry wait", Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}

// cancelOnClose releases an attempt's context once the caller is done with
// the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *cancelOnClose) Unwrap() io.ReadCloser { return c.ReadCloser }
