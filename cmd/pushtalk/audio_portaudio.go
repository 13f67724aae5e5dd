//go:build portaudio

package main

import (
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/portaudio"
)

// registerOptionalBackends adds PortAudio and makes it the default, since
// only it supports streaming capture.
func registerOptionalBackends(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(cfg config.AudioConfig) (audio.Platform, error) {
		return portaudio.Open(portaudio.Config{
			CaptureDevice:  cfg.CaptureDevice,
			PlaybackDevice: cfg.PlaybackDevice,
			Rate:           cfg.DeviceRate,
			FrameMillis:    cfg.FrameMillis,
		})
	})
	reg.SetDefaultAudio("portaudio")
}
