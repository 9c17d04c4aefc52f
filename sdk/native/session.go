package native

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// Client sends plain requests (default: a client with a 30s timeout
	// on establishing connections).
	Client *http.Client

	// Dialer performs WebSocket opening handshakes
	// (default: websocket.DefaultDialer settings).
	Dialer *websocket.Dialer

	// CloseTimeout bounds how long a WebSocket close waits for the peer's
	// close frame (default: 5s).
	CloseTimeout time.Duration

	// MaxHandles caps the number of open handles (default: unlimited).
	MaxHandles int

	Logger *zap.Logger
}

func (o *SessionOptions) setDefaults() {
	if o.Client == nil {
		o.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		o.Dialer = &d
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type handleKind int

const (
	kindRequest handleKind = iota
	kindWebSocket
)

func (k handleKind) String() string {
	if k == kindWebSocket {
		return "websocket"
	}
	return "request"
}

// handle is the per-handle state. Completions are delivered from the
// goroutine that ran the operation; inflight counts those goroutines so
// EventHandleClosing is delivered last.
type handle struct {
	id   Handle
	kind handleKind

	// ctx is cancelled by CloseHandle and aborts pending I/O.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	callback StatusCallback
	closing  bool
	inflight sync.WaitGroup

	req *requestState
	ws  *wsState
}

// Session implements API. Its zero value is not usable; create one with
// NewSession. A Session is safe for concurrent use.
type Session struct {
	opts   SessionOptions
	logger *zap.Logger

	mu      sync.Mutex
	handles map[Handle]*handle
	next    Handle
}

// NewSession creates a session. opts may be nil.
func NewSession(opts *SessionOptions) *Session {
	var o SessionOptions
	if opts != nil {
		o = *opts
	}
	o.setDefaults()
	return &Session{
		opts:    o,
		logger:  o.Logger.Named("native"),
		handles: make(map[Handle]*handle),
	}
}

func (s *Session) register(kind handleKind) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.MaxHandles > 0 && len(s.handles) >= s.opts.MaxHandles {
		return nil, ErrOutOfHandles
	}
	s.next++
	ctx, cancel := context.WithCancel(context.Background())
	st := &handle{id: s.next, kind: kind, ctx: ctx, cancel: cancel}
	s.handles[st.id] = st
	return st, nil
}

func (s *Session) lookup(h Handle, kind handleKind) (*handle, error) {
	s.mu.Lock()
	st, ok := s.handles[h]
	s.mu.Unlock()
	if !ok {
		return nil, ErrInvalidHandle
	}
	if st.kind != kind {
		return nil, ErrIncorrectHandleType
	}
	return st, nil
}

// begin starts an async operation on h. check runs under the handle lock
// and may reject the operation; on success the operation is counted as in
// flight and the caller must run it in a goroutine ending with finish.
func (s *Session) begin(h Handle, kind handleKind, check func(st *handle) error) (*handle, error) {
	st, err := s.lookup(h, kind)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closing {
		return nil, ErrInvalidHandle
	}
	if st.callback == nil {
		return nil, ErrIncorrectHandleState
	}
	if check != nil {
		if err := check(st); err != nil {
			return nil, err
		}
	}
	st.inflight.Add(1)
	return st, nil
}

// finish delivers the completion of an in-flight operation. Once the handle
// is closing every completion is reported as cancelled.
func (s *Session) finish(st *handle, info StatusInfo) {
	defer st.inflight.Done()
	st.mu.Lock()
	if st.closing && info.Code != ErrOperationCancelled {
		info = StatusInfo{Kind: EventRequestError, Failed: info.Target(), Code: ErrOperationCancelled}
	}
	cb := st.callback
	st.mu.Unlock()

	if info.Code != 0 {
		s.logger.Debug("operation failed",
			zap.Uint64("handle", uint64(st.id)),
			zap.Stringer("event", info.Failed),
			zap.Uint32("code", uint32(info.Code)),
			zap.NamedError("cause", info.Cause))
	}
	cb(st.id, info)
}

func failure(kind EventKind, err error) StatusInfo {
	return StatusInfo{Kind: EventRequestError, Failed: kind, Code: codeOf(err), Cause: err}
}

// SetStatusCallback implements API.
func (s *Session) SetStatusCallback(h Handle, cb StatusCallback) error {
	if cb == nil {
		return ErrInvalidParameter
	}
	s.mu.Lock()
	st, ok := s.handles[h]
	s.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closing {
		return ErrInvalidHandle
	}
	st.callback = cb
	return nil
}

// CloseHandle implements API.
func (s *Session) CloseHandle(h Handle) error {
	s.mu.Lock()
	st, ok := s.handles[h]
	s.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}

	st.mu.Lock()
	if st.closing {
		st.mu.Unlock()
		return ErrInvalidHandle
	}
	st.closing = true
	cb := st.callback
	st.cancel()
	if st.ws != nil {
		// Unblocks pending reads and writes.
		_ = st.ws.conn.Close()
	}
	st.mu.Unlock()

	go func() {
		st.inflight.Wait()
		st.mu.Lock()
		st.release()
		st.mu.Unlock()

		s.mu.Lock()
		delete(s.handles, h)
		s.mu.Unlock()

		s.logger.Debug("handle closed", zap.Uint64("handle", uint64(h)), zap.Stringer("kind", st.kind))
		if cb != nil {
			cb(h, StatusInfo{Kind: EventHandleClosing})
		}
	}()
	return nil
}

// release frees what the handle still owns once nothing is in flight.
func (st *handle) release() {
	if st.req != nil {
		if st.req.resp != nil && st.req.resp.Body != nil {
			_ = st.req.resp.Body.Close()
		}
		if st.req.upgraded != nil {
			_ = st.req.upgraded.Close()
		}
	}
}

// Close closes every open handle. Confirmations are still delivered to the
// registered callbacks.
func (s *Session) Close() {
	s.mu.Lock()
	ids := make([]Handle, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.CloseHandle(id)
	}
}

// codeOf maps a Go networking error to the closest native code.
func codeOf(err error) Code {
	if err == nil {
		return 0
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}

	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ErrOperationCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.As(err, &dnsErr):
		return ErrNameNotResolved
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrCannotConnect
	case errors.As(err, &opErr) && opErr.Op == "dial":
		if opErr.Timeout() {
			return ErrTimeout
		}
		return ErrCannotConnect
	case errors.Is(err, websocket.ErrBadHandshake):
		return ErrInvalidServerResponse
	case errors.As(err, &urlErr) && urlErr.Timeout():
		return ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return ErrOperationCancelled
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET):
		return ErrConnectionError
	}
	return ErrConnectionError
}
