package audio

import (
	"context"
	"errors"
)

var (
	// ErrDevice is returned when a capture or playback device cannot be opened
	// or is busy. It is fatal to the current operation, not to the process.
	ErrDevice = errors.New("audio device unavailable")

	// ErrUnsupportedMode is returned by [NewCapture] when the source does not
	// implement the capability required by the requested [Mode].
	ErrUnsupportedMode = errors.New("audio source does not support capture mode")
)

// Source is a mono PCM16 input device.
//
// Concrete sources implement [StreamSource], [PullSource] or both. Which
// capability a caller relies on is decided once, when the [Capture] is
// constructed.
type Source interface {
	// Format returns the native capture format. Channels must be 1.
	Format() Format

	// FrameSize returns the number of samples per delivered frame.
	FrameSize() int
}

// StreamSource is a [Source] that pushes frames from the driver's callback.
type StreamSource interface {
	Source

	// StartStream opens the device and invokes fn for every captured frame.
	// fn runs in the driver's real-time context; it must not block and must
	// not retain samples after it returns.
	StartStream(fn func(samples []int16)) error

	// StopStream closes the device. No further calls to fn happen after
	// StopStream returns.
	StopStream() error
}

// PullSource is a [Source] read with explicit blocking reads.
type PullSource interface {
	Source

	// Open opens the device for reading.
	Open() error

	// Read blocks until up to len(buf) samples are available and copies
	// them into buf. It should return at least once per frame period so
	// callers can observe a stop request between reads.
	Read(buf []int16) (int, error)

	// Close releases the device. Close is only called once no Read is in
	// flight.
	Close() error
}

// Sink is an output device that plays PCM16 clips.
type Sink interface {
	// Play writes pcm in format f to the device and blocks until it has been
	// played or ctx is cancelled. When ctx is cancelled, Play must stop the
	// output promptly and release the device before returning.
	Play(ctx context.Context, pcm []byte, f Format) error
}

// InterruptReason identifies why playback was cut short.
type InterruptReason int

const (
	// BargeIn indicates that the user started a new utterance while the
	// assistant was still speaking.
	BargeIn InterruptReason = iota

	// Superseded indicates that a newer clip replaced the playing one.
	Superseded

	// Shutdown indicates that playback stopped because the process is
	// exiting.
	Shutdown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "barge_in"
	case Superseded:
		return "superseded"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Platform is an opened audio backend: one capture source and one playback
// sink sharing the backend's resources.
type Platform interface {
	Source() Source
	Sink() Sink

	// Close releases the backend. Source and Sink must not be used after.
	Close() error
}
