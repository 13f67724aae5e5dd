package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by every session operation attempted while
	// the session is not in [StateConnected]. Nothing is sent.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrDecode marks an inbound message that could not be decoded. The
	// message is dropped; the connection stays open.
	ErrDecode = errors.New("realtime: malformed server event")

	// ErrTransport marks a socket-level failure. The session moves to
	// [StateDisconnected] and is not reconnected automatically.
	ErrTransport = errors.New("realtime: transport failure")

	// ErrRemote matches every [*RemoteError] via errors.Is.
	ErrRemote = errors.New("realtime: remote error")

	// ErrModality is returned by [Session.SendText] when the session's input
	// modality is audio. It is a local contract violation; nothing is sent.
	ErrModality = errors.New("realtime: operation not valid for input modality")
)

// RemoteError is an "error" event sent by the far end. It aborts the current
// turn but leaves the session open.
type RemoteError struct {
	Type    string
	Code    string
	Message string
	EventID string
}

// Error implements error.
func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime: remote error %s: %s", e.Code, msg)
	}
	return "realtime: remote error: " + msg
}

// Is reports whether target is [ErrRemote].
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
