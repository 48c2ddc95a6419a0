package audio

import (
	"errors"

	"github.com/quietlabs/murmur/internal/config"
)

// Capture errors, surfaced synchronously by Initialize/Start.
var (
	ErrDeviceOpenFailed  = errors.New("audio: device open failed")
	ErrFormatUnsupported = errors.New("audio: format unsupported")
	ErrStartFailed       = errors.New("audio: start failed")
)

// FrameCallback receives mono f32 frames on the capture thread. It must
// not block and must not allocate beyond amortized buffer growth.
type FrameCallback func(samples []float32)

// DeviceInfo describes an enumerable capture device.
type DeviceInfo struct {
	Name      string `json:"name"`
	Channels  int    `json:"channels"`
	IsDefault bool   `json:"is_default"`
}

// Source abstracts the OS capture backend. After Stop returns no further
// callbacks fire until Start is called again.
type Source interface {
	Initialize(cfg config.AudioConfig, cb FrameCallback) error
	Start() error
	Stop() error
	Close() error
	Devices() ([]DeviceInfo, error)
}
