package native

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsState tracks an upgraded connection. gorilla/websocket allows one
// concurrent reader and one concurrent writer; the receiving and sending
// flags enforce that, and the close operation borrows the read side when no
// receive is pending. Fields are guarded by the handle lock unless noted.
type wsState struct {
	conn *websocket.Conn

	sending bool
	// frag is the writer of a fragmented message still being sent.
	frag       io.WriteCloser
	fragBinary bool

	receiving bool
	recvDone  chan struct{} // closed when the current read finishes
	// reader and readerBinary belong to whoever set receiving.
	reader       io.Reader
	readerBinary bool

	closing   bool // a close operation was started
	closeSent bool // a close frame went out, ours or the echo

	peerDone   chan struct{} // closed once the read side saw a close frame or failed
	peerOnce   sync.Once
	hasPeer    bool
	peerCode   uint16
	peerReason []byte
	readErr    error
}

func (w *wsState) markPeerDone() {
	w.peerOnce.Do(func() { close(w.peerDone) })
}

// WebSocketCompleteUpgrade implements API.
func (s *Session) WebSocketCompleteUpgrade(h Handle) (Handle, error) {
	req, err := s.lookup(h, kindRequest)
	if err != nil {
		return 0, err
	}
	req.mu.Lock()
	if req.closing {
		req.mu.Unlock()
		return 0, ErrInvalidHandle
	}
	conn := req.req.upgraded
	if conn == nil || !req.req.received || req.req.resp == nil || req.req.resp.StatusCode != 101 {
		req.mu.Unlock()
		return 0, ErrIncorrectHandleState
	}
	req.req.upgraded = nil
	req.mu.Unlock()

	st, err := s.register(kindWebSocket)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	w := &wsState{conn: conn, peerDone: make(chan struct{})}
	st.mu.Lock()
	st.ws = w
	st.mu.Unlock()

	conn.SetCloseHandler(func(code int, text string) error {
		st.mu.Lock()
		w.hasPeer = true
		w.peerCode = uint16(code)
		w.peerReason = []byte(text)
		echo := !w.closeSent
		w.closeSent = true
		st.mu.Unlock()
		if echo {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(s.opts.CloseTimeout))
		}
		return nil
	})

	s.logger.Debug("websocket upgraded",
		zap.Uint64("request", uint64(h)),
		zap.Uint64("handle", uint64(st.id)))
	return st.id, nil
}

func messageType(bt BufferType) (int, bool) {
	switch bt {
	case BufferBinaryMessage, BufferBinaryFragment:
		return websocket.BinaryMessage, true
	case BufferUTF8Message, BufferUTF8Fragment:
		return websocket.TextMessage, false
	}
	return 0, false
}

// WebSocketSend implements API.
func (s *Session) WebSocketSend(h Handle, bt BufferType, data []byte) error {
	if bt < BufferBinaryMessage || bt > BufferUTF8Fragment {
		return ErrInvalidParameter
	}
	_, binary := messageType(bt)
	st, err := s.begin(h, kindWebSocket, func(st *handle) error {
		w := st.ws
		if w.sending || w.closeSent {
			return ErrIncorrectHandleState
		}
		if w.frag != nil && w.fragBinary != binary {
			return ErrInvalidParameter
		}
		w.sending = true
		return nil
	})
	if err != nil {
		return err
	}

	payload := append([]byte(nil), data...)
	go func() {
		w := st.ws
		err := s.write(st, bt, payload)
		st.mu.Lock()
		w.sending = false
		st.mu.Unlock()
		if err != nil {
			s.finish(st, failure(EventWriteComplete, err))
			return
		}
		s.finish(st, StatusInfo{Kind: EventWriteComplete, BytesTransferred: len(payload)})
	}()
	return nil
}

// write runs with the sending flag held.
func (s *Session) write(st *handle, bt BufferType, payload []byte) error {
	w := st.ws
	mt, binary := messageType(bt)
	final := bt == BufferBinaryMessage || bt == BufferUTF8Message

	if w.frag == nil {
		if final {
			return w.conn.WriteMessage(mt, payload)
		}
		fw, err := w.conn.NextWriter(mt)
		if err != nil {
			return err
		}
		w.frag, w.fragBinary = fw, binary
	}

	if _, err := w.frag.Write(payload); err != nil {
		w.frag = nil
		return err
	}
	if final {
		fw := w.frag
		w.frag = nil
		return fw.Close()
	}
	return nil
}

// WebSocketReceive implements API.
func (s *Session) WebSocketReceive(h Handle, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidParameter
	}
	st, err := s.begin(h, kindWebSocket, func(st *handle) error {
		w := st.ws
		if w.receiving || w.closing {
			return ErrIncorrectHandleState
		}
		w.receiving = true
		w.recvDone = make(chan struct{})
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		w := st.ws
		n, bt, err := w.read(buf)
		st.mu.Lock()
		if err != nil && !w.hasPeer {
			w.readErr = err
		}
		w.receiving = false
		close(w.recvDone)
		st.mu.Unlock()

		if err != nil {
			s.finish(st, failure(EventReadComplete, err))
			return
		}
		s.finish(st, StatusInfo{Kind: EventReadComplete, BytesTransferred: n, BufferType: bt})
	}()
	return nil
}

// read fills buf from the current message. A message longer than buf is
// returned as fragments; the piece that reaches its end carries the message
// buffer type.
func (w *wsState) read(buf []byte) (int, BufferType, error) {
	if w.reader == nil {
		mt, r, err := w.conn.NextReader()
		if err != nil {
			w.markPeerDone()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return 0, BufferClose, nil
			}
			return 0, 0, err
		}
		w.reader, w.readerBinary = r, mt == websocket.BinaryMessage
	}

	n, err := io.ReadFull(w.reader, buf)
	switch {
	case err == nil:
		if w.readerBinary {
			return n, BufferBinaryFragment, nil
		}
		return n, BufferUTF8Fragment, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		w.reader = nil
		if w.readerBinary {
			return n, BufferBinaryMessage, nil
		}
		return n, BufferUTF8Message, nil
	}

	w.reader = nil
	w.markPeerDone()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return 0, BufferClose, nil
	}
	return 0, 0, err
}

// WebSocketClose implements API.
func (s *Session) WebSocketClose(h Handle, status uint16, reason []byte) error {
	if len(reason) > MaxCloseReasonLength {
		return ErrInvalidParameter
	}
	st, err := s.begin(h, kindWebSocket, func(st *handle) error {
		if st.ws.closing {
			return ErrIncorrectHandleState
		}
		st.ws.closing = true
		return nil
	})
	if err != nil {
		return err
	}

	msg := websocket.FormatCloseMessage(int(status), string(reason))
	go func() {
		w := st.ws
		deadline := time.Now().Add(s.opts.CloseTimeout)

		st.mu.Lock()
		sent := w.closeSent
		w.closeSent = true
		st.mu.Unlock()

		if !sent {
			err := w.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				s.finish(st, failure(EventCloseComplete, err))
				return
			}
		}
		if err := s.awaitPeerClose(st, deadline); err != nil {
			s.finish(st, failure(EventCloseComplete, err))
			return
		}
		s.finish(st, StatusInfo{Kind: EventCloseComplete})
	}()
	return nil
}

// awaitPeerClose waits for the peer's close frame. A pending receive is left
// to observe it; otherwise the read side is drained here.
func (s *Session) awaitPeerClose(st *handle, deadline time.Time) error {
	w := st.ws
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		st.mu.Lock()
		select {
		case <-w.peerDone:
			err := w.peerOutcome()
			st.mu.Unlock()
			return err
		default:
		}
		if !w.receiving {
			w.receiving = true
			w.recvDone = make(chan struct{})
			st.mu.Unlock()
			break
		}
		pending := w.recvDone
		st.mu.Unlock()

		select {
		case <-pending:
		case <-w.peerDone:
		case <-st.ctx.Done():
			return st.ctx.Err()
		case <-timer.C:
			return ErrTimeout
		}
	}

	err := w.drain(deadline)
	st.mu.Lock()
	if err != nil && !w.hasPeer {
		w.readErr = err
	}
	w.receiving = false
	close(w.recvDone)
	outcome := w.peerOutcome()
	st.mu.Unlock()
	return outcome
}

// peerOutcome is nil when the peer's close frame arrived. Callers hold the
// handle lock.
func (w *wsState) peerOutcome() error {
	if w.hasPeer {
		return nil
	}
	if w.readErr != nil {
		return w.readErr
	}
	return ErrConnectionError
}

// drain discards incoming messages until the close frame.
func (w *wsState) drain(deadline time.Time) error {
	w.reader = nil
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		_, r, err := w.conn.NextReader()
		if err != nil {
			w.markPeerDone()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil
			}
			return err
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				w.markPeerDone()
				return nil
			}
		}
	}
}

// WebSocketQueryCloseStatus implements API.
func (s *Session) WebSocketQueryCloseStatus(h Handle) (uint16, []byte, error) {
	st, err := s.lookup(h, kindWebSocket)
	if err != nil {
		return 0, nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.ws.hasPeer {
		return 0, nil, ErrIncorrectHandleState
	}
	return st.ws.peerCode, append([]byte(nil), st.ws.peerReason...), nil
}
