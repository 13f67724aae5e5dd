// Package mock provides a test double for a Realtime session.
//
// Session records every outbound operation in call order so tests can assert
// on the exact sequence a turn produced (clear, append..., commit, response).
// Set the *Err fields to make individual operations fail, or set Disconnected
// to make every operation fail with realtime.ErrNotConnected.
//
// Example:
//
//	sess := &mock.Session{}
//	ctrl := turn.New(sess, rec, player)
//	...
//	if got := sess.Ops(); !slices.Equal(got, []string{mock.OpClear, mock.OpCommit, mock.OpResponse}) { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/realtime"
)

// Operation names recorded in [Call.Op].
const (
	OpAppend   = "append"
	OpCommit   = "commit"
	OpClear    = "clear"
	OpText     = "text"
	OpResponse = "response"
	OpMessage  = "audio_message"
)

// Call records one operation.
type Call struct {
	Op string

	// PCM is the audio passed to AppendAudio or SendAudioMessage.
	PCM []byte

	// Text is the text passed to SendText.
	Text string

	// Modalities are the modalities passed to RequestResponse.
	Modalities []realtime.Modality
}

// Session is a mock Realtime session. The zero value is ready to use and
// accepts every operation.
type Session struct {
	mu sync.Mutex

	// Disconnected makes every operation return realtime.ErrNotConnected
	// without recording it.
	Disconnected bool

	AppendErr   error
	CommitErr   error
	ClearErr    error
	TextErr     error
	ResponseErr error
	MessageErr  error

	calls []Call

	// OnCall, if set, is invoked after each recorded call, outside the lock.
	OnCall func(Call)
}

// AppendAudio records the call.
func (s *Session) AppendAudio(_ context.Context, pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	return s.record(Call{Op: OpAppend, PCM: cp}, s.AppendErr)
}

// CommitAudio records the call.
func (s *Session) CommitAudio(_ context.Context) error {
	return s.record(Call{Op: OpCommit}, s.CommitErr)
}

// ClearAudio records the call.
func (s *Session) ClearAudio(_ context.Context) error {
	return s.record(Call{Op: OpClear}, s.ClearErr)
}

// SendAudioMessage records the call.
func (s *Session) SendAudioMessage(_ context.Context, pcm []byte) error {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	return s.record(Call{Op: OpMessage, PCM: cp}, s.MessageErr)
}

// SendText records the call.
func (s *Session) SendText(_ context.Context, text string) error {
	return s.record(Call{Op: OpText, Text: text}, s.TextErr)
}

// RequestResponse records the call.
func (s *Session) RequestResponse(_ context.Context, modalities ...realtime.Modality) error {
	return s.record(Call{Op: OpResponse, Modalities: modalities}, s.ResponseErr)
}

func (s *Session) record(c Call, errFor error) error {
	s.mu.Lock()
	if s.Disconnected {
		s.mu.Unlock()
		return realtime.ErrNotConnected
	}
	if errFor != nil {
		s.mu.Unlock()
		return errFor
	}
	s.calls = append(s.calls, c)
	hook := s.OnCall
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

// SetDisconnected toggles the Disconnected flag. Thread-safe.
func (s *Session) SetDisconnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Disconnected = v
}

// Calls returns a copy of every recorded call in order.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Ops returns the operation names of every recorded call, in order, with
// consecutive appends collapsed into one entry.
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.Op == OpAppend && len(out) > 0 && out[len(out)-1] == OpAppend {
			continue
		}
		out = append(out, c.Op)
	}
	return out
}

// Count returns how many calls of op were recorded.
func (s *Session) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls. Thread-safe.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
