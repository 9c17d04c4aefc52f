package corehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Request is an outgoing HTTP request. Callers build it once; policies may
// set or overwrite headers before forwarding it, and the retry policy hands
// each attempt its own clone.
type Request struct {
	method string
	url    *url.URL
	Header Headers
	body   io.ReadSeeker
}

// NewRequest creates a request. When body is non-nil its length is measured
// and recorded in Content-Length, and the body is positioned at its start.
func NewRequest(method, rawURL string, body io.ReadSeeker) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host are required", rawURL)
	}

	req := &Request{
		method: method,
		url:    u,
		Header: NewHeaders(),
		body:   body,
	}
	if body != nil {
		size, err := body.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to measure request body: %w", err)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		req.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	return req, nil
}

// Method returns the HTTP method token.
func (r *Request) Method() string { return r.method }

// URL returns the request URL. Callers must not modify it.
func (r *Request) URL() *url.URL { return r.url }

// Body returns the request body, or nil for an empty body.
func (r *Request) Body() io.ReadSeeker { return r.body }

// RewindBody positions the body at its start.
func (r *Request) RewindBody() error {
	if r.body == nil {
		return nil
	}
	if _, err := r.body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind request body: %w", err)
	}
	return nil
}

// ReadBody rewinds the body and reads it fully. It returns nil for an empty
// body.
func (r *Request) ReadBody() ([]byte, error) {
	if r.body == nil {
		return nil, nil
	}
	if err := r.RewindBody(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

// Clone returns a copy with independent headers and URL. The body is shared.
func (r *Request) Clone() *Request {
	u := *r.url
	if r.url.User != nil {
		user := *r.url.User
		u.User = &user
	}
	return &Request{
		method: r.method,
		url:    &u,
		Header: r.Header.Clone(),
		body:   r.body,
	}
}

// SetQuery overwrites the query parameter name with value.
func (r *Request) SetQuery(name, value string) {
	q := r.url.Query()
	q.Set(name, value)
	r.url.RawQuery = q.Encode()
}
