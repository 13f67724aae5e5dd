package feedback

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/MrWong99/pushtalk/pkg/audio"
)

// Cues holds the short sounds played around turns.
type Cues struct {
	// Startup plays once when the engine is ready.
	Startup audio.Clip

	// Release plays when a committed turn is sent.
	Release audio.Clip

	// Error plays when a turn fails.
	Error audio.Clip
}

// CuePaths names WAV files for each cue. Empty paths use a built-in tone.
type CuePaths struct {
	Startup string
	Release string
	Error   string
}

// LoadCues reads the configured WAV files and converts them to f. Missing
// paths fall back to synthesised tones.
func LoadCues(paths CuePaths, f audio.Format) (Cues, error) {
	def := DefaultCues(f)
	var errs []error
	load := func(name, path string, fallback audio.Clip) audio.Clip {
		if path == "" {
			return fallback
		}
		c, err := loadClip(name, path, f)
		if err != nil {
			errs = append(errs, err)
			return fallback
		}
		return c
	}
	cues := Cues{
		Startup: load("cue:startup", paths.Startup, def.Startup),
		Release: load("cue:release", paths.Release, def.Release),
		Error:   load("cue:error", paths.Error, def.Error),
	}
	return cues, errors.Join(errs...)
}

func loadClip(name, path string, f audio.Format) (audio.Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("feedback: read cue %s: %w", name, err)
	}
	pcm, src, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("feedback: decode cue %s (%s): %w", name, path, err)
	}
	pcm, err = audio.Convert(pcm, src, f)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("feedback: convert cue %s: %w", name, err)
	}
	return audio.Clip{Name: name, PCM: pcm, Format: f}, nil
}

// DefaultCues returns synthesised cues: a rising two-note bloop at startup, a
// short falling drip on release and a low double buzz on error.
func DefaultCues(f audio.Format) Cues {
	return Cues{
		Startup: synth("cue:startup", f,
			tone{freq: 660, dur: 90 * time.Millisecond},
			tone{freq: 990, dur: 120 * time.Millisecond},
		),
		Release: synth("cue:release", f,
			tone{freq: 1320, endFreq: 880, dur: 80 * time.Millisecond},
		),
		Error: synth("cue:error", f,
			tone{freq: 220, dur: 150 * time.Millisecond},
			tone{dur: 60 * time.Millisecond},
			tone{freq: 220, dur: 150 * time.Millisecond},
		),
	}
}

// tone is a sine sweep from freq to endFreq. A zero freq is silence.
type tone struct {
	freq, endFreq float64
	dur           time.Duration
}

const cueAmplitude = 0.3 * math.MaxInt16

func synth(name string, f audio.Format, tones ...tone) audio.Clip {
	var samples []int16
	for _, t := range tones {
		n := int(t.dur.Seconds() * float64(f.SampleRate))
		end := t.endFreq
		if end == 0 {
			end = t.freq
		}
		// 5 ms linear fade in and out avoids clicks.
		fade := f.SampleRate / 200
		phase := 0.0
		for i := range n {
			if t.freq == 0 {
				samples = append(samples, 0)
				continue
			}
			freq := t.freq + (end-t.freq)*float64(i)/float64(n)
			phase += 2 * math.Pi * freq / float64(f.SampleRate)
			gain := 1.0
			if i < fade {
				gain = float64(i) / float64(fade)
			} else if n-i < fade {
				gain = float64(n-i) / float64(fade)
			}
			samples = append(samples, int16(cueAmplitude*gain*math.Sin(phase)))
		}
	}
	pcm := audio.SamplesToBytes(samples)
	if f.Channels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	return audio.Clip{Name: name, PCM: pcm, Format: f}
}
