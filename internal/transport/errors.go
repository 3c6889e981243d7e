package transport

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicecoach/pkg/protocol"
)

var (
	// ErrRetriesExhausted is reported when every reconnect attempt allowed
	// by the [RetryPolicy] failed. The client stays in [StateError] until
	// Start is called again.
	ErrRetriesExhausted = errors.New("transport: reconnect retries exhausted")

	// ErrNotConnected is returned by send operations outside a connected
	// state. Callers may drop the frame.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrQueueFull is returned by [Client.SendAudio] when the outbound queue
	// cannot take another frame. The frame is dropped.
	ErrQueueFull = errors.New("transport: send queue full")
)

// TransportError is a socket-level failure.
type TransportError struct {
	Op string
	// Code is the WebSocket close code, or -1 if the connection dropped
	// without a close frame or never opened.
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("transport: %s (close %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a failure reported by the peer through an error frame.
type UpstreamError struct {
	Kind    protocol.Type
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("peer %s: %s", e.Kind, e.Message)
}

// Fatal reports whether the error ends the session rather than just the
// current turn. Only generic "error" frames are fatal.
func (e *UpstreamError) Fatal() bool {
	return e.Kind == protocol.TypeError
}
