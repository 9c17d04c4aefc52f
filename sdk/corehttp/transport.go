package corehttp

import "context"

// Transport sends a request and produces a response. Implementations fail
// with *TransportError on I/O failure and with *CancellationError when ctx is
// already done before the exchange starts. A failed call must not leak any
// backend resources.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f(ctx, req).
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
