// Package nativetest provides a scriptable in-memory native.API for tests.
package nativetest

import (
	"net/http"
	"sync"

	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// Call records one API call.
type Call struct {
	Op         string
	Handle     native.Handle
	BufferType native.BufferType
	Data       []byte
	Status     uint16
}

// Fake implements native.API without a network. By default every operation
// succeeds and completes on a new goroutine; Intercept and Fail change that
// per call. Completions can also be injected with Deliver.
type Fake struct {
	// Fail, when it returns non-nil for a call, fails the call synchronously.
	Fail func(c Call) error

	// Intercept, when it returns handled, replaces the default completion
	// of an async call with infos, delivered in order. Returning handled
	// with no infos leaves the operation pending until Deliver or
	// CloseHandle.
	Intercept func(c Call) (infos []native.StatusInfo, handled bool)

	// Response served to request handles (default: 200, empty body).
	ResponseStatus int
	ResponseHeader http.Header
	ResponseBody   []byte

	// EchoStatus and EchoReason replace what the peer echoes on close
	// (default: the sent status and reason).
	EchoStatus uint16
	EchoReason string

	// HeldCode is the code CloseHandle completes held operations with
	// (default: native.ErrOperationCancelled).
	HeldCode native.Code

	mu      sync.Mutex
	next    native.Handle
	handles map[native.Handle]*fakeHandle
	calls   []Call
	inbox   []frame
}

type frame struct {
	bt   native.BufferType
	data []byte
}

type fakeHandle struct {
	cb        native.StatusCallback
	websocket bool
	closed    bool
	readPos   int

	// held are operations waiting for a completion.
	held map[native.EventKind]bool
	// recvBuf is the buffer of a pending receive.
	recvBuf []byte

	peerSet    bool
	peerStatus uint16
	peerReason []byte

	// deliveries counts completions still being delivered, so that
	// EventHandleClosing comes last.
	deliveries sync.WaitGroup
}

func (f *Fake) record(c Call) (*fakeHandle, error) {
	f.mu.Lock()
	c.Data = append([]byte(nil), c.Data...)
	f.calls = append(f.calls, c)
	fail := f.Fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(c); err != nil {
			return nil, err
		}
	}
	if c.Op == "OpenRequest" {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[c.Handle]
	if !ok || h.closed {
		return nil, native.ErrInvalidHandle
	}
	return h, nil
}

// Calls returns a copy of the calls made so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the calls of one operation.
func (f *Fake) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Deliver invokes the status callback of h with info on a new goroutine.
func (f *Fake) Deliver(h native.Handle, info native.StatusInfo) {
	f.mu.Lock()
	fh := f.handles[h]
	if fh != nil {
		delete(fh.held, info.Target())
		if info.Target() == native.EventReadComplete {
			fh.recvBuf = nil
		}
	}
	f.mu.Unlock()
	if fh != nil && fh.cb != nil {
		fh.deliveries.Add(1)
		go func() {
			defer fh.deliveries.Done()
			fh.cb(h, info)
		}()
	}
}

// Enqueue queues a frame from the peer. A pending receive gets it at once.
func (f *Fake) Enqueue(bt native.BufferType, data []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, frame{bt: bt, data: append([]byte(nil), data...)})
	var deliveries []func()
	for id, h := range f.handles {
		if h.recvBuf != nil {
			deliveries = append(deliveries, f.popFrameLocked(id, h))
		}
	}
	f.mu.Unlock()
	for _, d := range deliveries {
		go d()
	}
}

// popFrameLocked completes the pending receive of h with the next queued
// frame. It returns the delivery to run outside the lock.
func (f *Fake) popFrameLocked(id native.Handle, h *fakeHandle) func() {
	fr := f.inbox[0]
	f.inbox = f.inbox[1:]
	n := copy(h.recvBuf, fr.data)
	h.recvBuf = nil
	delete(h.held, native.EventReadComplete)
	if fr.bt == native.BufferClose {
		h.peerSet = true
		h.peerStatus = f.EchoStatus
		if h.peerStatus == 0 {
			h.peerStatus = 1000
		}
		h.peerReason = []byte(f.EchoReason)
	}
	info := native.StatusInfo{Kind: native.EventReadComplete, BytesTransferred: n, BufferType: fr.bt}
	cb := h.cb
	h.deliveries.Add(1)
	return func() {
		defer h.deliveries.Done()
		cb(id, info)
	}
}

// complete runs the default or intercepted completion of c.
func (f *Fake) complete(h *fakeHandle, c Call, kind native.EventKind, def native.StatusInfo) {
	f.mu.Lock()
	intercept := f.Intercept
	f.mu.Unlock()

	infos := []native.StatusInfo{def}
	if intercept != nil {
		if got, handled := intercept(c); handled {
			infos = got
		}
	}

	f.mu.Lock()
	if len(infos) == 0 {
		h.held[kind] = true
		f.mu.Unlock()
		return
	}
	cb := h.cb
	h.deliveries.Add(1)
	f.mu.Unlock()

	go func() {
		defer h.deliveries.Done()
		for _, info := range infos {
			cb(c.Handle, info)
		}
	}()
}

func (f *Fake) newHandle(websocket bool) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handles == nil {
		f.handles = make(map[native.Handle]*fakeHandle)
	}
	f.next++
	f.handles[f.next] = &fakeHandle{websocket: websocket, held: make(map[native.EventKind]bool)}
	return f.next
}

// OpenRequest implements native.API.
func (f *Fake) OpenRequest(method, rawURL string) (native.Handle, error) {
	if _, err := f.record(Call{Op: "OpenRequest", Data: []byte(method + " " + rawURL)}); err != nil {
		return 0, err
	}
	return f.newHandle(false), nil
}

// SetStatusCallback implements native.API.
func (f *Fake) SetStatusCallback(h native.Handle, cb native.StatusCallback) error {
	fh, err := f.record(Call{Op: "SetStatusCallback", Handle: h})
	if err != nil {
		return err
	}
	f.mu.Lock()
	fh.cb = cb
	f.mu.Unlock()
	return nil
}

// SendRequest implements native.API.
func (f *Fake) SendRequest(h native.Handle, header http.Header, body []byte) error {
	c := Call{Op: "SendRequest", Handle: h, Data: body}
	fh, err := f.record(c)
	if err != nil {
		return err
	}
	f.complete(fh, c, native.EventSendRequestComplete, native.StatusInfo{Kind: native.EventSendRequestComplete})
	return nil
}

// ReceiveResponse implements native.API.
func (f *Fake) ReceiveResponse(h native.Handle) error {
	c := Call{Op: "ReceiveResponse", Handle: h}
	fh, err := f.record(c)
	if err != nil {
		return err
	}
	f.complete(fh, c, native.EventHeadersAvailable, native.StatusInfo{Kind: native.EventHeadersAvailable})
	return nil
}

// QueryHeaders implements native.API.
func (f *Fake) QueryHeaders(h native.Handle) (int, http.Header, error) {
	if _, err := f.record(Call{Op: "QueryHeaders", Handle: h}); err != nil {
		return 0, nil, err
	}
	status := f.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	header := f.ResponseHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	return status, header, nil
}

// ReadData implements native.API.
func (f *Fake) ReadData(h native.Handle, buf []byte) error {
	c := Call{Op: "ReadData", Handle: h}
	fh, err := f.record(c)
	if err != nil {
		return err
	}
	f.mu.Lock()
	n := copy(buf, f.ResponseBody[min(fh.readPos, len(f.ResponseBody)):])
	fh.readPos += n
	f.mu.Unlock()
	f.complete(fh, c, native.EventReadComplete, native.StatusInfo{Kind: native.EventReadComplete, BytesTransferred: n})
	return nil
}

// WebSocketCompleteUpgrade implements native.API.
func (f *Fake) WebSocketCompleteUpgrade(h native.Handle) (native.Handle, error) {
	if _, err := f.record(Call{Op: "WebSocketCompleteUpgrade", Handle: h}); err != nil {
		return 0, err
	}
	return f.newHandle(true), nil
}

// WebSocketSend implements native.API.
func (f *Fake) WebSocketSend(h native.Handle, bt native.BufferType, data []byte) error {
	c := Call{Op: "WebSocketSend", Handle: h, BufferType: bt, Data: data}
	fh, err := f.record(c)
	if err != nil {
		return err
	}
	f.complete(fh, c, native.EventWriteComplete, native.StatusInfo{Kind: native.EventWriteComplete, BytesTransferred: len(data)})
	return nil
}

// WebSocketReceive implements native.API. Without a queued frame the
// receive stays pending until Enqueue or CloseHandle.
func (f *Fake) WebSocketReceive(h native.Handle, buf []byte) error {
	fh, err := f.record(Call{Op: "WebSocketReceive", Handle: h})
	if err != nil {
		return err
	}
	f.mu.Lock()
	if fh.recvBuf != nil {
		f.mu.Unlock()
		return native.ErrIncorrectHandleState
	}
	fh.recvBuf = buf
	fh.held[native.EventReadComplete] = true
	var deliver func()
	if len(f.inbox) > 0 {
		deliver = f.popFrameLocked(h, fh)
	}
	f.mu.Unlock()
	if deliver != nil {
		go deliver()
	}
	return nil
}

// WebSocketClose implements native.API. The peer echoes the sent status
// unless EchoStatus is set.
func (f *Fake) WebSocketClose(h native.Handle, status uint16, reason []byte) error {
	c := Call{Op: "WebSocketClose", Handle: h, Status: status, Data: reason}
	fh, err := f.record(c)
	if err != nil {
		return err
	}
	f.mu.Lock()
	fh.peerSet = true
	fh.peerStatus, fh.peerReason = status, append([]byte(nil), reason...)
	if f.EchoStatus != 0 {
		fh.peerStatus, fh.peerReason = f.EchoStatus, []byte(f.EchoReason)
	}
	f.mu.Unlock()
	f.complete(fh, c, native.EventCloseComplete, native.StatusInfo{Kind: native.EventCloseComplete})
	return nil
}

// WebSocketQueryCloseStatus implements native.API.
func (f *Fake) WebSocketQueryCloseStatus(h native.Handle) (uint16, []byte, error) {
	fh, err := f.record(Call{Op: "WebSocketQueryCloseStatus", Handle: h})
	if err != nil {
		return 0, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !fh.peerSet {
		return 0, nil, native.ErrIncorrectHandleState
	}
	return fh.peerStatus, append([]byte(nil), fh.peerReason...), nil
}

// CloseHandle implements native.API. Held operations complete with HeldCode
// before EventHandleClosing is delivered.
func (f *Fake) CloseHandle(h native.Handle) error {
	fh, err := f.record(Call{Op: "CloseHandle", Handle: h})
	if err != nil {
		return err
	}
	f.mu.Lock()
	fh.closed = true
	fh.recvBuf = nil
	code := f.HeldCode
	if code == 0 {
		code = native.ErrOperationCancelled
	}
	var infos []native.StatusInfo
	for kind := range fh.held {
		infos = append(infos, native.StatusInfo{
			Kind:   native.EventRequestError,
			Failed: kind,
			Code:   code,
		})
	}
	fh.held = map[native.EventKind]bool{}
	cb := fh.cb
	f.mu.Unlock()

	if cb == nil {
		return nil
	}
	go func() {
		for _, info := range infos {
			cb(h, info)
		}
		fh.deliveries.Wait()
		cb(h, native.StatusInfo{Kind: native.EventHandleClosing})
	}()
	return nil
}

// Open reports whether h exists and has not been closed.
func (f *Fake) Open(h native.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh, ok := f.handles[h]
	return ok && !fh.closed
}

var _ native.API = (*Fake)(nil)
