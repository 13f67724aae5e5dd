package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/mock"
)

type fakePlatform struct {
	src  audio.Source
	sink audio.Sink
	cfg  config.AudioConfig
}

func (p *fakePlatform) Source() audio.Source { return p.src }
func (p *fakePlatform) Sink() audio.Sink     { return p.sink }
func (p *fakePlatform) Close() error         { return nil }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	open := func(name string) config.AudioFactory {
		return func(cfg config.AudioConfig) (audio.Platform, error) {
			cfg.Backend = name
			return &fakePlatform{src: &mock.PullSource{}, sink: &mock.Sink{}, cfg: cfg}, nil
		}
	}
	r.RegisterAudio("alsa", open("alsa"))
	r.RegisterAudio("portaudio", open("portaudio"))

	if got := r.AudioBackends(); !slices.Equal(got, []string{"alsa", "portaudio"}) {
		t.Errorf("AudioBackends() = %v", got)
	}

	p, err := r.OpenAudio(config.AudioConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if p.(*fakePlatform).cfg.Backend != "alsa" {
		t.Errorf("default backend = %q; want the first registered", p.(*fakePlatform).cfg.Backend)
	}

	r.SetDefaultAudio("portaudio")
	p, _ = r.OpenAudio(config.AudioConfig{})
	if p.(*fakePlatform).cfg.Backend != "portaudio" {
		t.Errorf("default backend = %q; want portaudio", p.(*fakePlatform).cfg.Backend)
	}

	if _, err := r.OpenAudio(config.AudioConfig{Backend: "coreaudio"}); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("OpenAudio(unknown) = %v; want ErrBackendNotRegistered", err)
	}
}
