package websocket

import (
	"fmt"

	"github.com/jeffersonwarrior/cloudpipe/sdk/native"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateIdle State = iota
	StateUpgrading
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpgrading:
		return "upgrading"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// FrameType is the kind of a frame. FrameClosed is only ever received.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
	FrameTextFragment
	FrameBinaryFragment
	FrameClosed
)

func (f FrameType) String() string {
	switch f {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameTextFragment:
		return "text-fragment"
	case FrameBinaryFragment:
		return "binary-fragment"
	case FrameClosed:
		return "closed"
	}
	return fmt.Sprintf("frame(%d)", int(f))
}

// Frame is one received message or message fragment.
type Frame struct {
	Type FrameType
	Data []byte
}

// CloseStatus is the status code and reason of a close frame.
type CloseStatus struct {
	Code   uint16
	Reason string
}

func sendBufferType(f FrameType) (native.BufferType, bool) {
	switch f {
	case FrameText:
		return native.BufferUTF8Message, true
	case FrameBinary:
		return native.BufferBinaryMessage, true
	case FrameTextFragment:
		return native.BufferUTF8Fragment, true
	case FrameBinaryFragment:
		return native.BufferBinaryFragment, true
	}
	return 0, false
}

func frameType(bt native.BufferType) (FrameType, bool) {
	switch bt {
	case native.BufferUTF8Message:
		return FrameText, true
	case native.BufferBinaryMessage:
		return FrameBinary, true
	case native.BufferUTF8Fragment:
		return FrameTextFragment, true
	case native.BufferBinaryFragment:
		return FrameBinaryFragment, true
	case native.BufferClose:
		return FrameClosed, true
	}
	return 0, false
}
