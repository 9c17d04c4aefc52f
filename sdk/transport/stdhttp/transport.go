// Package stdhttp is the corehttp.Transport backed by a plain *http.Client.
package stdhttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"syscall"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

// Transport sends requests with an *http.Client. The client's own redirect
// and timeout settings apply.
type Transport struct {
	client *http.Client
}

// New creates a transport on client, or on http.DefaultClient when client
// is nil.
func New(client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{client: client}
}

// Do implements corehttp.Transport.
func (t *Transport) Do(ctx context.Context, req *corehttp.Request) (*corehttp.Response, error) {
	if err := corehttp.Cancelled(ctx, "send request"); err != nil {
		return nil, err
	}
	hreq, err := NewHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, Error(ctx, "send request", err)
	}
	return &corehttp.Response{
		StatusCode: resp.StatusCode,
		Header:     corehttp.HeadersFromHTTP(resp.Header),
		Body:       resp.Body,
		Request:    req,
	}, nil
}

// NewHTTPRequest converts req into an *http.Request bound to ctx. The body
// is buffered so the request can be replayed on redirects.
func NewHTTPRequest(ctx context.Context, req *corehttp.Request) (*http.Request, error) {
	body, err := req.ReadBody()
	if err != nil {
		return nil, err
	}
	var hreq *http.Request
	if body == nil {
		hreq, err = http.NewRequestWithContext(ctx, req.Method(), req.URL().String(), http.NoBody)
	} else {
		hreq, err = http.NewRequestWithContext(ctx, req.Method(), req.URL().String(), bytes.NewReader(body))
	}
	if err != nil {
		return nil, err
	}
	hreq.Header = req.Header.HTTP()
	if host := req.Header.Get("Host"); host != "" {
		hreq.Host = host
	}
	// Host travels in hreq.Host; a header entry in any spelling would be
	// written as a second Host line.
	for name := range hreq.Header {
		if strings.EqualFold(name, "Host") {
			delete(hreq.Header, name)
		}
	}
	return hreq, nil
}

// Error classifies a failed exchange. A done context yields a
// CancellationError; anything else is a TransportError carrying the
// operating system error number when there is one.
func Error(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &corehttp.CancellationError{Op: op, Err: ctxErr}
	}
	te := &corehttp.TransportError{Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		te.Code = int(errno)
	}
	return te
}
