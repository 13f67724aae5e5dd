//go:build !portaudio

package main

import "github.com/MrWong99/pushtalk/internal/config"

func registerOptionalBackends(*config.Registry) {}
