package corehttp

import (
	"context"
	"time"
)

// BeforeRequestHook is called before each attempt reaches the transport.
// If the hook returns an error, the attempt is aborted and the error is
// returned to the caller.
//
// The request can be modified in place; it is the attempt's own clone.
type BeforeRequestHook func(req *Request) error

// AfterResponseHook is called after a response is received.
// The hook can log or collect metrics. Its error is ignored.
type AfterResponseHook func(req *Request, resp *Response) error

// OnErrorHook is called when an attempt fails with an error.
// Its error is ignored; the original error is still returned.
type OnErrorHook func(req *Request, err error) error

// OnRetryHook is called before each retry delay.
// The hook receives the number of attempts made so far and the delay that
// will be applied. If the hook returns an error, the retry is aborted and
// the error is returned.
//
// Example:
//
//	OnRetry: func(req *corehttp.Request, attempt int, delay time.Duration) error {
//	    log.Printf("Retrying %s (attempt %d) after %v", req.URL(), attempt, delay)
//	    return nil
//	}
type OnRetryHook func(req *Request, attempt int, delay time.Duration) error

// Hooks groups the per-attempt interception callbacks.
type Hooks struct {
	BeforeRequest BeforeRequestHook
	AfterResponse AfterResponseHook
	OnError       OnErrorHook
}

func (h Hooks) empty() bool {
	return h.BeforeRequest == nil && h.AfterResponse == nil && h.OnError == nil
}

// NewHooksPolicy returns a policy running the given hooks around each
// attempt. It returns nil when no hook is set.
func NewHooksPolicy(h Hooks) Policy {
	if h.empty() {
		return nil
	}
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if h.BeforeRequest != nil {
			if err := h.BeforeRequest(req); err != nil {
				return nil, err
			}
		}
		resp, err := next(ctx, req)
		if err != nil {
			if h.OnError != nil {
				_ = h.OnError(req, err)
			}
			return nil, err
		}
		if h.AfterResponse != nil {
			_ = h.AfterResponse(req, resp)
		}
		return resp, nil
	})
}
