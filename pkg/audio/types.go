// Package audio defines the PCM primitives shared by capture, buffering and
// playback: frames, formats, clips, device capability interfaces and the
// conversions between them.
//
// All sample data is signed 16-bit little-endian PCM. Capture is always mono;
// playback sinks accept mono or stereo clips.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel format at rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// Valid reports whether f describes a usable PCM16 stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM16 in format f last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a human-readable description, e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-length block of mono PCM16 samples as delivered by a
// capture device. Frames are immutable once produced; consumers must not
// modify Samples.
type Frame struct {
	// Samples holds the mono PCM16 samples of this frame.
	Samples []int16

	// SampleRate in Hz (e.g. 48000 for the device, 24000 for the wire).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Bytes returns the little-endian PCM16 encoding of the frame.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(f.Samples)) * int64(time.Second) / int64(f.SampleRate))
}

// Clip is a fully decoded, immutable block of PCM16 audio ready for playback.
// Clips are produced by sealing a streamed response, by text-to-speech, or by
// loading a feedback cue.
type Clip struct {
	// Name labels the clip in logs and metrics (e.g. "response", "cue:error").
	Name string

	// PCM is the little-endian PCM16 payload.
	PCM []byte

	// Format describes PCM.
	Format Format
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return c.Format.Duration(len(c.PCM))
}

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool {
	return len(c.PCM) == 0
}

// Validate returns an error if the clip cannot be played.
func (c Clip) Validate() error {
	if !c.Format.Valid() {
		return fmt.Errorf("audio: clip %q: invalid format %s", c.Name, c.Format)
	}
	if len(c.PCM)%(2*c.Format.Channels) != 0 {
		return fmt.Errorf("audio: clip %q: %d bytes is not a whole number of frames", c.Name, len(c.PCM))
	}
	return nil
}

// SamplesToBytes converts int16 samples to little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian PCM16 bytes to int16 samples. A
// trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}
