package main

import (
	"github.com/MrWong99/pushtalk/internal/config"
	"github.com/MrWong99/pushtalk/pkg/audio"
	"github.com/MrWong99/pushtalk/pkg/audio/alsa"
)

// registerAudioBackends wires every audio backend compiled into this binary.
func registerAudioBackends(reg *config.Registry) {
	reg.RegisterAudio("alsa", func(cfg config.AudioConfig) (audio.Platform, error) {
		return alsa.Open(alsa.Config{
			CaptureDevice:  cfg.CaptureDevice,
			PlaybackDevice: cfg.PlaybackDevice,
			Rate:           cfg.DeviceRate,
			FrameMillis:    cfg.FrameMillis,
		})
	})
	registerOptionalBackends(reg)
}
