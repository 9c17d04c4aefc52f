package corehttp

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// LoggingOptions configures the logging policy.
type LoggingOptions struct {
	// IncludeHeaders logs request and response headers, with credentials
	// redacted. Bodies are never logged.
	IncludeHeaders bool

	// AllowedQueryParams lists query parameters logged verbatim. Every other
	// parameter value is redacted.
	AllowedQueryParams []string
}

var redactedHeaders = map[string]struct{}{
	"authorization":                    {},
	"x-ms-copy-source-authorization":   {},
	"proxy-authorization":              {},
	"x-ms-encryption-key":              {},
	"x-ms-source-encryption-key":       {},
	"x-ms-rename-source-authorization": {},
}

type loggingPolicy struct {
	opts    LoggingOptions
	allowed map[string]struct{}
	logger  *zap.Logger
}

// NewLoggingPolicy returns a policy logging each attempt's method, redacted
// URL, outcome and duration.
func NewLoggingPolicy(opts LoggingOptions, logger *zap.Logger) Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(opts.AllowedQueryParams))
	for _, q := range opts.AllowedQueryParams {
		allowed[strings.ToLower(q)] = struct{}{}
	}
	return &loggingPolicy{opts: opts, allowed: allowed, logger: logger.Named("http")}
}

func (p *loggingPolicy) Do(ctx context.Context, req *Request, next Next) (*Response, error) {
	fields := []zap.Field{
		zap.String("method", req.Method()),
		zap.String("url", p.redactURL(req.URL())),
	}
	if id := req.Header.Get("x-ms-client-request-id"); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if p.opts.IncludeHeaders {
		fields = append(fields, zap.Any("headers", redactHeaders(req.Header)))
	}
	p.logger.Debug("request", fields...)

	start := time.Now()
	resp, err := next(ctx, req)
	fields = append(fields, zap.Duration("duration", time.Since(start)))
	if err != nil {
		p.logger.Debug("request failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	fields = append(fields, zap.Int("status", resp.StatusCode))
	if p.opts.IncludeHeaders {
		fields = append(fields, zap.Any("response_headers", redactHeaders(resp.Header)))
	}
	p.logger.Debug("response", fields...)
	return resp, nil
}

func (p *loggingPolicy) redactURL(u *url.URL) string {
	cp := *u
	cp.User = nil
	if u.RawQuery == "" {
		return cp.String()
	}
	q := u.Query()
	for name, values := range q {
		if _, ok := p.allowed[strings.ToLower(name)]; ok {
			continue
		}
		for i := range values {
			values[i] = "REDACTED"
		}
	}
	cp.RawQuery = q.Encode()
	return cp.String()
}

func redactHeaders(h Headers) map[string]string {
	out := make(map[string]string, h.Len())
	h.Range(func(name, value string) bool {
		if _, secret := redactedHeaders[strings.ToLower(name)]; secret {
			value = redactSecret(value)
		}
		out[name] = value
		return true
	})
	return out
}
