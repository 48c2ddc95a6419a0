//go:build !cgo

package stt

import (
	"errors"
	"log/slog"

	"github.com/quietlabs/murmur/internal/config"
)

func newNativeRecognizer(_ config.ModelConfig, _ *slog.Logger) (Recognizer, error) {
	return nil, errors.New("native recognizer requires a cgo build")
}
