package websocket

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/sdk/bridge"
	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// DefaultReceiveBufferSize is the largest piece of a message one Receive
// returns. Longer messages arrive as fragments.
const DefaultReceiveBufferSize = 4096

// Options configures a Conn.
type Options struct {
	// ReceiveBufferSize bounds the data of one received frame
	// (default: DefaultReceiveBufferSize).
	ReceiveBufferSize int

	// Header is added to the upgrade request sent by Dial.
	Header map[string]string

	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.ReceiveBufferSize <= 0 {
		out.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Conn is a duplex connection over a native WebSocket handle.
type Conn struct {
	logger  *zap.Logger
	bufSize int

	sendMu sync.Mutex
	recvMu sync.Mutex
	// abandoned is the buffer of a receive whose wait was cancelled; guarded
	// by recvMu.
	abandoned []byte

	mu    sync.Mutex
	state State
	owned *bridge.Owned
	peer  *CloseStatus
}

// NewConn converts the request handle of a completed upgrade into a Conn.
// The request handle is released whether or not the conversion succeeds;
// on failure the Conn is never usable.
func NewConn(ctx context.Context, req *bridge.Owned, opts *Options) (*Conn, error) {
	o := opts.withDefaults()
	c := &Conn{
		logger:  o.Logger.Named("websocket"),
		bufSize: o.ReceiveBufferSize,
		state:   StateIdle,
	}
	c.setState(StateUpgrading)

	api := req.API()
	ws, err := api.WebSocketCompleteUpgrade(req.Handle())
	relErr := req.Release(ctx)
	if err != nil {
		c.setState(StateClosed)
		return nil, nativeError("complete upgrade", err)
	}

	n := bridge.NewNotifier(o.Logger)
	if err := api.SetStatusCallback(ws, n.Callback); err != nil {
		_ = api.CloseHandle(ws)
		c.setState(StateClosed)
		return nil, nativeError("set status callback", err)
	}
	c.owned = bridge.Own(api, ws, n)
	if relErr != nil {
		_ = c.owned.Release(ctx)
		c.setState(StateClosed)
		return nil, relErr
	}

	c.setState(StateOpen)
	c.logger.Debug("connection open", zap.Uint64("handle", uint64(ws)))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves from one state to another, failing with a StateError
// for op when the connection is elsewhere.
func (c *Conn) transition(op string, from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return &corehttp.StateError{Op: op, State: c.state.String()}
	}
	c.state = to
	return nil
}

func (c *Conn) requireOpen(op string) error {
	if s := c.State(); s != StateOpen {
		return &corehttp.StateError{Op: op, State: s.String()}
	}
	return nil
}

// Send sends one frame. Concurrent senders take turns; a concurrent
// Receive is not blocked.
func (c *Conn) Send(ctx context.Context, typ FrameType, data []byte) error {
	bt, ok := sendBufferType(typ)
	if !ok {
		return &corehttp.ProtocolViolationError{
			Reason:   "unknown frame kind",
			Expected: "text, binary, text-fragment or binary-fragment",
			Actual:   typ.String(),
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.requireOpen("send"); err != nil {
		return err
	}

	api, h := c.owned.API(), c.owned.Handle()
	_, err := c.owned.Notifier().WaitForAction(ctx, func() error {
		return api.WebSocketSend(h, bt, data)
	}, native.EventWriteComplete)
	return err
}

// Receive waits for the next frame. A FrameClosed frame means the peer
// closed the connection; its status is then available from PeerCloseStatus
// and only CloseNow remains. A Receive cancelled through ctx loses no data:
// the frame it was waiting for is returned by the next Receive.
func (c *Conn) Receive(ctx context.Context) (Frame, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if err := c.requireOpen("receive"); err != nil {
		return Frame{}, err
	}

	// A receive abandoned by an earlier call keeps filling its buffer; the
	// next call adopts that receive along with the buffer. Otherwise each
	// call gets a fresh buffer, since returned frames alias it.
	buf := c.abandoned
	c.abandoned = nil
	if buf == nil {
		buf = make([]byte, c.bufSize)
	}
	api, h := c.owned.API(), c.owned.Handle()
	info, err := c.owned.Notifier().AdoptAction(ctx, func() error {
		return api.WebSocketReceive(h, buf)
	}, native.EventReadComplete)
	if err != nil {
		var ce *corehttp.CancellationError
		if errors.As(err, &ce) {
			c.abandoned = buf
		}
		return Frame{}, err
	}

	typ, ok := frameType(info.BufferType)
	if !ok {
		return Frame{}, &corehttp.ProtocolViolationError{
			Reason:   "unknown buffer type",
			Expected: "message, fragment or close",
			Actual:   info.BufferType.String(),
		}
	}
	if typ == FrameClosed {
		c.peerClosed(api, h)
	}
	return Frame{Type: typ, Data: buf[:info.BytesTransferred]}, nil
}

// peerClosed records the peer's close status after a close frame arrived.
func (c *Conn) peerClosed(api native.API, h native.Handle) {
	code, reason, err := api.WebSocketQueryCloseStatus(h)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.peer = &CloseStatus{Code: code, Reason: string(reason)}
	}
	if c.state == StateOpen {
		c.state = StateClosing
	}
	c.logger.Debug("peer closed the connection", zap.Uint16("code", code))
}

// PeerCloseStatus returns the status the peer closed with, once known.
func (c *Conn) PeerCloseStatus() (CloseStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return CloseStatus{}, false
	}
	return *c.peer, true
}

// Close performs the closing handshake and releases the connection. The
// peer must echo code; any other echoed status is a ProtocolViolationError.
//
// A close whose completion reports ErrOperationCancelled (a concurrent
// receive or cancellation raced it) is not an error; the returned status is
// then whatever the peer sent, possibly nothing. Any other failure is
// returned and the connection is released regardless.
func (c *Conn) Close(ctx context.Context, code uint16, reason string) (CloseStatus, error) {
	if len(reason) > native.MaxCloseReasonLength {
		return CloseStatus{}, &corehttp.ProtocolViolationError{
			Reason:   "close reason too long",
			Expected: "at most " + strconv.Itoa(native.MaxCloseReasonLength) + " bytes",
			Actual:   strconv.Itoa(len(reason)) + " bytes",
		}
	}
	if !utf8.ValidString(reason) {
		return CloseStatus{}, &corehttp.ProtocolViolationError{
			Reason:   "close reason is not valid UTF-8",
			Expected: "UTF-8 text",
			Actual:   strconv.Quote(reason),
		}
	}
	if err := c.transition("close", StateOpen, StateClosing); err != nil {
		return CloseStatus{}, err
	}

	n := c.owned.Notifier()
	api, h := c.owned.API(), c.owned.Handle()
	_, err := n.WaitForAction(ctx, func() error {
		return api.WebSocketClose(h, code, []byte(reason))
	}, native.EventCloseComplete)

	var ce *corehttp.CancellationError
	switch {
	case err == nil, bridge.IsOperationCancelled(err):
	case errors.As(err, &ce):
		// The close is still running. Tear down, then judge how it ended:
		// only a cancellation is tolerated.
		relErr := c.destroy(ctx)
		if late, stowed := n.StowedError(native.EventCloseComplete); stowed {
			return CloseStatus{}, &corehttp.TransportError{
				Op:    "close",
				Event: native.EventCloseComplete.String(),
				Code:  int(late),
				Err:   late,
			}
		}
		return CloseStatus{}, relErr
	default:
		_ = c.destroy(ctx)
		return CloseStatus{}, err
	}

	peerCode, peerReason, qerr := api.WebSocketQueryCloseStatus(h)
	relErr := c.destroy(ctx)
	if qerr != nil {
		if err != nil {
			// Cancelled before the peer answered.
			return CloseStatus{}, relErr
		}
		return CloseStatus{}, nativeError("query close status", qerr)
	}

	status := CloseStatus{Code: peerCode, Reason: string(peerReason)}
	if peerCode != code {
		return status, &corehttp.ProtocolViolationError{
			Reason:   "close status not echoed",
			Expected: strconv.Itoa(int(code)),
			Actual:   strconv.Itoa(int(peerCode)),
		}
	}
	c.logger.Debug("connection closed", zap.Uint16("code", code))
	return status, relErr
}

// CloseNow releases the connection without a closing handshake. Pending
// sends and receives fail. It is safe to call in any state and more than
// once.
func (c *Conn) CloseNow() error {
	return c.destroy(context.Background())
}

// destroy releases the handle, waiting for its close confirmation, and
// enters Closed.
func (c *Conn) destroy(ctx context.Context) error {
	c.mu.Lock()
	owned := c.owned
	if c.state != StateClosed {
		c.state = StateClosing
	}
	c.mu.Unlock()

	var err error
	if owned != nil {
		err = owned.Release(ctx)
	}
	c.setState(StateClosed)
	return err
}

func nativeError(op string, err error) error {
	te := &corehttp.TransportError{Op: op, Err: err}
	var code native.Code
	if errors.As(err, &code) {
		te.Code = int(code)
	}
	return te
}
