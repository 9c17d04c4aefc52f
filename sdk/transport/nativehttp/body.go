package nativehttp

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jeffersonwarrior/cloudpipe/sdk/bridge"
	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

var (
	errBodyClosed     = errors.New("nativehttp: read on closed body")
	errConcurrentRead = errors.New("nativehttp: concurrent body reads")
)

// responseBody reads a response through its request handle and owns that
// handle until Close or TakeUpgrade.
type responseBody struct {
	ctx   context.Context
	owned *bridge.Owned

	mu      sync.Mutex
	buf     []byte
	start   int
	end     int
	eof     bool
	err     error // sticky read failure
	reading bool
	closed  bool
	taken   bool
}

func newResponseBody(ctx context.Context, owned *bridge.Owned, size int) *responseBody {
	return &responseBody{ctx: ctx, owned: owned, buf: make([]byte, size)}
}

func (b *responseBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	switch {
	case b.closed || b.taken:
		b.mu.Unlock()
		return 0, errBodyClosed
	case b.start < b.end:
		n := copy(p, b.buf[b.start:b.end])
		b.start += n
		b.mu.Unlock()
		return n, nil
	case b.err != nil:
		err := b.err
		b.mu.Unlock()
		return 0, err
	case b.eof:
		b.mu.Unlock()
		return 0, io.EOF
	case b.reading:
		b.mu.Unlock()
		return 0, errConcurrentRead
	case len(p) == 0:
		b.mu.Unlock()
		return 0, nil
	}
	b.reading = true
	buf := b.buf
	b.mu.Unlock()

	// The lock is not held while waiting so Close can cancel the read.
	api, h := b.owned.API(), b.owned.Handle()
	info, err := b.owned.Notifier().WaitForAction(b.ctx, func() error {
		return api.ReadData(h, buf)
	}, native.EventReadComplete)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reading = false
	if err != nil {
		var ce *corehttp.CancellationError
		if errors.As(err, &ce) {
			// The abandoned read may still fill buf.
			b.buf = nil
		}
		b.err = err
		return 0, err
	}
	if info.BytesTransferred == 0 {
		b.eof = true
		return 0, io.EOF
	}
	b.end = info.BytesTransferred
	b.start = copy(p, b.buf[:b.end])
	return b.start, nil
}

// Close releases the request handle, cancelling a read still in flight.
func (b *responseBody) Close() error {
	b.mu.Lock()
	if b.closed || b.taken {
		b.closed = true
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.owned.Release(b.ctx)
}

// TakeUpgrade claims the request handle behind a 101 Switching Protocols
// response produced by this package, for conversion into a WebSocket. The
// body is closed for reading afterwards and closing it no longer releases
// the handle. It reports false for any other response.
func TakeUpgrade(resp *corehttp.Response) (*bridge.Owned, bool) {
	if resp == nil || resp.Body == nil || resp.StatusCode != 101 {
		return nil, false
	}
	b, ok := corehttp.UnwrapBody(resp.Body).(*responseBody)
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.taken {
		return nil, false
	}
	b.taken = true
	return b.owned, true
}
