// Package restyhttp is the corehttp.Transport backed by go-resty.
//
// Resty's own retries are disabled; retrying belongs to the pipeline. The
// default client runs over the pooled transport of go-retryablehttp.
package restyhttp

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/transport/stdhttp"
)

// Options configures a Transport.
type Options struct {
	// Client is the resty client to send with (default: a new client on the
	// go-retryablehttp pooled transport). Its retry count, response parsing
	// and pre-request hook are overridden.
	Client *resty.Client

	Logger *zap.Logger
}

// Transport sends requests through a resty client.
type Transport struct {
	client *resty.Client
}

type headerKey struct{}

// New creates a transport. opts may be nil.
func New(opts *Options) *Transport {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	c := o.Client
	if c == nil {
		pooled := retryablehttp.NewClient()
		pooled.Logger = nil
		c = resty.New().SetTransport(pooled.HTTPClient.Transport)
	}
	c.SetRetryCount(0).
		SetDoNotParseResponse(true).
		SetLogger(o.Logger.Named("resty").Sugar())

	// Resty fills in Content-Type and User-Agent on its own. The wire must
	// carry exactly the headers the pipeline signed.
	c.SetPreRequestHook(func(_ *resty.Client, raw *http.Request) error {
		if h, ok := raw.Context().Value(headerKey{}).(http.Header); ok {
			raw.Header = make(http.Header, len(h))
			for name, values := range h {
				if strings.EqualFold(name, "Host") {
					raw.Host = values[0]
					continue
				}
				raw.Header[name] = values
			}
		}
		return nil
	})
	return &Transport{client: c}
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

	header := req.Header.HTTP()
	r := t.client.R().SetContext(context.WithValue(ctx, headerKey{}, header))
	r.Header = header.Clone()
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(req.Method(), req.URL().String())
	if err != nil {
		return nil, stdhttp.Error(ctx, "send request", err)
	}
	return &corehttp.Response{
		StatusCode: resp.StatusCode(),
		Header:     corehttp.HeadersFromHTTP(resp.Header()),
		Body:       resp.RawBody(),
		Request:    req,
	}, nil
}
