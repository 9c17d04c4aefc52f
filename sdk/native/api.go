// Package native is the asynchronous, callback-driven networking API the
// nativehttp transport and the websocket package are built on.
//
// The surface is handle based: callers open a handle, register a status
// callback on it, and start operations that return immediately. Each
// operation later completes by invoking the callback from a worker goroutine
// with an event kind and, on failure, an error code. Closing a handle cancels
// its pending operations (they complete with ErrOperationCancelled) and is
// itself confirmed by an EventHandleClosing notification, after which the
// handle is gone.
//
// Session implements API on top of net/http and gorilla/websocket.
package native

import (
	"fmt"
	"net/http"
)

// Handle identifies an open request or WebSocket on a Session.
type Handle uint64

// EventKind tags a completion notification.
type EventKind int

const (
	EventSendRequestComplete EventKind = iota + 1
	EventHeadersAvailable
	EventReadComplete
	EventWriteComplete
	EventCloseComplete
	// EventRequestError reports a failed operation; StatusInfo.Failed names
	// the completion that will not arrive.
	EventRequestError
	EventHandleClosing
)

var eventNames = map[EventKind]string{
	EventSendRequestComplete: "send-request-complete",
	EventHeadersAvailable:    "headers-available",
	EventReadComplete:        "read-complete",
	EventWriteComplete:       "write-complete",
	EventCloseComplete:       "close-complete",
	EventRequestError:        "request-error",
	EventHandleClosing:       "handle-closing",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Code is a native error code. The numbering follows WinHTTP so codes read
// the same in logs from either stack.
type Code uint32

const (
	ErrInvalidHandle         Code = 6
	ErrInvalidParameter      Code = 87
	ErrOutOfHandles          Code = 12001
	ErrTimeout               Code = 12002
	ErrInternalError         Code = 12004
	ErrInvalidURL            Code = 12005
	ErrUnrecognizedScheme    Code = 12006
	ErrNameNotResolved       Code = 12007
	ErrOperationCancelled    Code = 12017
	ErrIncorrectHandleType   Code = 12018
	ErrIncorrectHandleState  Code = 12019
	ErrCannotConnect         Code = 12029
	ErrConnectionError       Code = 12030
	ErrInvalidServerResponse Code = 12152
)

var codeNames = map[Code]string{
	ErrInvalidHandle:         "invalid handle",
	ErrInvalidParameter:      "invalid parameter",
	ErrOutOfHandles:          "out of handles",
	ErrTimeout:               "timeout",
	ErrInternalError:         "internal error",
	ErrInvalidURL:            "invalid URL",
	ErrUnrecognizedScheme:    "unrecognized scheme",
	ErrNameNotResolved:       "name not resolved",
	ErrOperationCancelled:    "operation cancelled",
	ErrIncorrectHandleType:   "incorrect handle type",
	ErrIncorrectHandleState:  "incorrect handle state",
	ErrCannotConnect:         "cannot connect",
	ErrConnectionError:       "connection error",
	ErrInvalidServerResponse: "invalid server response",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return fmt.Sprintf("native error %d: %s", uint32(c), name)
	}
	return fmt.Sprintf("native error %d", uint32(c))
}

// BufferType describes the data delivered by a WebSocket receive.
type BufferType int

const (
	BufferBinaryMessage BufferType = iota
	BufferBinaryFragment
	BufferUTF8Message
	BufferUTF8Fragment
	BufferClose
)

func (b BufferType) String() string {
	switch b {
	case BufferBinaryMessage:
		return "binary-message"
	case BufferBinaryFragment:
		return "binary-fragment"
	case BufferUTF8Message:
		return "utf8-message"
	case BufferUTF8Fragment:
		return "utf8-fragment"
	case BufferClose:
		return "close"
	}
	return fmt.Sprintf("buffer(%d)", int(b))
}

// MaxCloseReasonLength is the largest close reason, in bytes, a close frame
// can carry.
const MaxCloseReasonLength = 123

// StatusInfo is the payload of a completion notification.
type StatusInfo struct {
	Kind EventKind

	// Failed is set on EventRequestError to the kind of the operation that
	// failed.
	Failed EventKind

	// Code is zero on success.
	Code Code

	// Cause is the underlying Go error behind Code, when there is one.
	Cause error

	// BytesTransferred and BufferType describe read completions.
	BytesTransferred int
	BufferType       BufferType
}

// Target returns the completion kind the notification resolves: Failed for
// EventRequestError, Kind otherwise.
func (s StatusInfo) Target() EventKind {
	if s.Kind == EventRequestError {
		return s.Failed
	}
	return s.Kind
}

// StatusCallback receives completion notifications for a handle. It runs on
// a worker goroutine and must not block.
type StatusCallback func(h Handle, info StatusInfo)

// API is the asynchronous networking surface. Methods marked async return
// once the operation is started; its outcome arrives on the handle's status
// callback. A synchronous error means the operation never started and no
// notification follows.
type API interface {
	// OpenRequest creates a request handle for method and rawURL.
	OpenRequest(method, rawURL string) (Handle, error)

	// SetStatusCallback registers cb for h. It must be called before any
	// async operation on h.
	SetStatusCallback(h Handle, cb StatusCallback) error

	// SendRequest sends the request line, header and body (async,
	// EventSendRequestComplete). A request carrying "Upgrade: websocket"
	// performs the WebSocket opening handshake instead.
	SendRequest(h Handle, header http.Header, body []byte) error

	// ReceiveResponse waits for the response header (async,
	// EventHeadersAvailable).
	ReceiveResponse(h Handle) error

	// QueryHeaders returns the status code and header of a received
	// response.
	QueryHeaders(h Handle) (int, http.Header, error)

	// ReadData reads response body bytes into buf (async,
	// EventReadComplete). Zero bytes transferred means end of body. buf
	// must stay untouched until the completion arrives.
	ReadData(h Handle, buf []byte) error

	// WebSocketCompleteUpgrade converts a request handle whose upgrade
	// succeeded into a new WebSocket handle. The request handle still has
	// to be closed.
	WebSocketCompleteUpgrade(h Handle) (Handle, error)

	// WebSocketSend sends one message or fragment (async,
	// EventWriteComplete).
	WebSocketSend(h Handle, bt BufferType, data []byte) error

	// WebSocketReceive reads the next message or fragment into buf (async,
	// EventReadComplete with BytesTransferred and BufferType).
	WebSocketReceive(h Handle, buf []byte) error

	// WebSocketClose sends a close frame and waits for the peer's close
	// frame (async, EventCloseComplete).
	WebSocketClose(h Handle, status uint16, reason []byte) error

	// WebSocketQueryCloseStatus returns the status and reason of the close
	// frame received from the peer.
	WebSocketQueryCloseStatus(h Handle) (uint16, []byte, error)

	// CloseHandle cancels pending operations on h and releases it. The
	// release is confirmed by EventHandleClosing once every pending
	// operation has completed.
	CloseHandle(h Handle) error
}
