// Package nativehttp is the corehttp.Transport backed by package native.
//
// Every request gets its own native handle and notifier. Do blocks on the
// send and header completions through the bridge; the response body reads
// through the same handle and releases it when closed. A 101 response keeps
// its handle for TakeUpgrade.
package nativehttp

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/sdk/bridge"
	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// DefaultReadBufferSize is the size of the chunks a response body is read in.
const DefaultReadBufferSize = 32 * 1024

// Options configures a Transport.
type Options struct {
	// ReadBufferSize sets the chunk size of body reads
	// (default: DefaultReadBufferSize).
	ReadBufferSize int

	Logger *zap.Logger
}

// Transport sends requests through a native.API.
type Transport struct {
	api     native.API
	bufSize int
	logger  *zap.Logger
}

// New creates a transport on api. opts may be nil.
func New(api native.API, opts *Options) *Transport {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Transport{api: api, bufSize: o.ReadBufferSize, logger: o.Logger.Named("nativehttp")}
}

// Do implements corehttp.Transport.
func (t *Transport) Do(ctx context.Context, req *corehttp.Request) (*corehttp.Response, error) {
	if err := corehttp.Cancelled(ctx, "send request"); err != nil {
		return nil, err
	}
	body, err := req.ReadBody()
	if err != nil {
		return nil, err
	}

	h, err := t.api.OpenRequest(req.Method(), req.URL().String())
	if err != nil {
		return nil, nativeError("open request", err)
	}
	n := bridge.NewNotifier(t.logger)
	if err := t.api.SetStatusCallback(h, n.Callback); err != nil {
		// No callback means no confirmation will be observed.
		_ = t.api.CloseHandle(h)
		return nil, nativeError("set status callback", err)
	}

	var resp *corehttp.Response
	err = bridge.Scoped(ctx, bridge.Own(t.api, h, n), func(o *bridge.Owned) (bool, error) {
		header := req.Header.HTTP()
		if _, err := n.WaitForAction(ctx, func() error {
			return t.api.SendRequest(h, header, body)
		}, native.EventSendRequestComplete); err != nil {
			return false, err
		}
		if _, err := n.WaitForAction(ctx, func() error {
			return t.api.ReceiveResponse(h)
		}, native.EventHeadersAvailable); err != nil {
			return false, err
		}
		status, respHeader, err := t.api.QueryHeaders(h)
		if err != nil {
			return false, nativeError("query headers", err)
		}

		resp = &corehttp.Response{
			StatusCode: status,
			Header:     corehttp.HeadersFromHTTP(respHeader),
			Body:       newResponseBody(ctx, o, t.bufSize),
			Request:    req,
		}
		return true, nil
	})
	if err != nil {
		t.logger.Debug("request failed", zap.String("method", req.Method()), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func nativeError(op string, err error) error {
	var code native.Code
	c := 0
	if errors.As(err, &code) {
		c = int(code)
	}
	return &corehttp.TransportError{Op: op, Code: c, Err: err}
}
