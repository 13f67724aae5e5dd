package audio

import "sync"

// Accumulator collects the PCM16 bytes of exactly one recording episode.
//
// It is append-only between [Accumulator.Reset] calls: [Capture] resets it at
// the start of every episode and takes its contents when the episode ends, so
// audio never carries over from one turn into the next.
//
// All methods are safe for concurrent use.
type Accumulator struct {
	mu     sync.Mutex
	buf    []byte
	frames int
}

// NewAccumulator returns an empty Accumulator with room for capHint bytes.
func NewAccumulator(capHint int) *Accumulator {
	if capHint < 0 {
		capHint = 0
	}
	return &Accumulator{buf: make([]byte, 0, capHint)}
}

// Append adds the samples of f to the accumulated audio.
func (a *Accumulator) Append(f Frame) {
	b := f.Bytes()
	a.mu.Lock()
	a.buf = append(a.buf, b...)
	a.frames++
	a.mu.Unlock()
}

// Write appends raw PCM16 bytes. It implements [io.Writer] and never fails.
func (a *Accumulator) Write(p []byte) (int, error) {
	a.mu.Lock()
	a.buf = append(a.buf, p...)
	a.frames++
	a.mu.Unlock()
	return len(p), nil
}

// Len returns the number of accumulated bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Frames returns the number of appended frames.
func (a *Accumulator) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Bytes returns a copy of the accumulated audio.
func (a *Accumulator) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out
}

// Take returns the accumulated audio and resets the accumulator. The returned
// slice is owned by the caller.
func (a *Accumulator) Take() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.buf
	a.buf = make([]byte, 0, cap(out))
	a.frames = 0
	return out
}

// Reset discards all accumulated audio.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf = a.buf[:0]
	a.frames = 0
	a.mu.Unlock()
}
