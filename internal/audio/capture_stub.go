//go:build !cgo

package audio

import (
	"fmt"
	"log/slog"

	"github.com/quietlabs/murmur/internal/config"
)

// NewSource returns a source that fails to initialize; live capture needs
// the cgo miniaudio backend.
func NewSource(_ *slog.Logger) Source {
	return &unavailableSource{}
}

type unavailableSource struct{}

func (*unavailableSource) Initialize(config.AudioConfig, FrameCallback) error {
	return fmt.Errorf("%w: built without cgo", ErrDeviceOpenFailed)
}

func (*unavailableSource) Start() error { return fmt.Errorf("%w: built without cgo", ErrStartFailed) }

func (*unavailableSource) Stop() error { return nil }

func (*unavailableSource) Close() error { return nil }

func (*unavailableSource) Devices() ([]DeviceInfo, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrDeviceOpenFailed)
}
