package corehttp

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// NewDecompressionPolicy returns a policy that advertises gzip and zstd in
// Accept-Encoding (unless the caller set the header) and transparently
// decodes response bodies in those encodings. A decoded response loses its
// Content-Encoding and Content-Length headers.
func NewDecompressionPolicy() Policy {
	return PolicyFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		if _, ok := req.Header.Lookup("Accept-Encoding"); !ok {
			req.Header.Set("Accept-Encoding", "gzip, zstd")
		}
		resp, err := next(ctx, req)
		if err != nil || resp.Body == nil {
			return resp, err
		}

		var decoded io.ReadCloser
		switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
		case "gzip":
			zr, err := gzip.NewReader(resp.Body)
			if err != nil {
				resp.drain()
				return nil, &TransportError{Op: "decode gzip body", Err: err}
			}
			decoded = &decodedBody{Reader: zr, closeDecoder: zr.Close, raw: resp.Body}
		case "zstd":
			zr, err := zstd.NewReader(resp.Body)
			if err != nil {
				resp.drain()
				return nil, &TransportError{Op: "decode zstd body", Err: err}
			}
			decoded = &decodedBody{Reader: zr, closeDecoder: func() error { zr.Close(); return nil }, raw: resp.Body}
		default:
			return resp, nil
		}

		resp.Body = decoded
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		return resp, nil
	})
}

type decodedBody struct {
	io.Reader
	closeDecoder func() error
	raw          io.ReadCloser
}

func (b *decodedBody) Close() error {
	derr := b.closeDecoder()
	if err := b.raw.Close(); err != nil {
		return err
	}
	if derr != nil {
		return fmt.Errorf("failed to close decoder: %w", derr)
	}
	return nil
}

func (b *decodedBody) Unwrap() io.ReadCloser { return b.raw }
