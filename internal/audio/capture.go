//go:build cgo

package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/quietlabs/murmur/internal/config"
)

// NewSource returns the miniaudio-backed capture source.
func NewSource(log *slog.Logger) Source {
	return &captureSource{log: log.With(slog.String("component", "audio-capture"))}
}

// captureSource wraps a malgo capture device. With force_single_channel the
// device opens with its native channel count, otherwise with the configured
// channel count; channel selection happens in the data callback so a single
// interleaved stride read is the only per-frame work.
type captureSource struct {
	log *slog.Logger
	cfg config.AudioConfig
	cb  FrameCallback

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mono       []float32
	pick       int
	pickWarned bool
	started    bool
}

func (s *captureSource) Initialize(cfg config.AudioConfig, cb FrameCallback) error {
	s.cfg = cfg
	s.cb = cb

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrDeviceOpenFailed, err)
	}
	s.ctx = ctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.BufferSizeMS)
	if cfg.ForceSingleChannel {
		// Channels 0 opens the device at its native count; the callback
		// extracts input_channel_index from the interleaved stream.
		deviceConfig.Capture.Channels = 0
	} else {
		deviceConfig.Capture.Channels = uint32(cfg.Channels)
	}

	if name := strings.TrimSpace(cfg.DeviceName); name != "" {
		info, found := s.findDevice(name)
		if found {
			deviceConfig.Capture.DeviceID = info.ID.Pointer()
		} else {
			s.log.Warn("capture device not found, using default",
				slog.String("device", name))
		}
	}

	device, err := malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onFrames,
	})
	if err != nil {
		s.closeContext()
		return fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}
	s.device = device
	return nil
}

func (s *captureSource) findDevice(name string) (malgo.DeviceInfo, bool) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		s.log.Warn("device enumeration failed", slog.String("error", err.Error()))
		return malgo.DeviceInfo{}, false
	}
	for _, info := range infos {
		if strings.Contains(info.Name(), name) {
			return info, true
		}
	}
	return malgo.DeviceInfo{}, false
}

// onFrames runs on the miniaudio capture thread. It derives the interleave
// stride from the buffer geometry, selects one channel, and hands a mono
// frame to the callback. The mono buffer grows amortized and is reused.
func (s *captureSource) onFrames(_, in []byte, frameCount uint32) {
	n := int(frameCount)
	if n == 0 || len(in) < 4 || s.cb == nil {
		return
	}
	stride := len(in) / (4 * n)
	if stride <= 0 {
		return
	}

	pick := 0
	if s.cfg.ForceSingleChannel {
		pick = s.cfg.InputChannelIndex
		if pick >= stride {
			if !s.pickWarned {
				s.pickWarned = true
				s.log.Warn("input_channel_index exceeds native channel count, using channel 0",
					slog.Int("requested", pick), slog.Int("channels", stride))
			}
			pick = 0
		}
	}
	s.pick = pick

	if cap(s.mono) < n {
		s.mono = make([]float32, n)
	}
	mono := s.mono[:n]
	for i := 0; i < n; i++ {
		off := (i*stride + pick) * 4
		mono[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[off:]))
	}
	s.cb(mono)
}

func (s *captureSource) Start() error {
	if s.device == nil {
		return fmt.Errorf("%w: device not initialized", ErrStartFailed)
	}
	if s.started {
		return nil
	}
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	s.started = true
	return nil
}

// Stop halts capture. malgo blocks until the backend thread has stopped,
// so no callback fires after Stop returns.
func (s *captureSource) Stop() error {
	if s.device == nil || !s.started {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	s.started = false
	return nil
}

func (s *captureSource) Close() error {
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.closeContext()
	return nil
}

func (s *captureSource) closeContext() {
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
}

func (s *captureSource) Devices() ([]DeviceInfo, error) {
	if s.ctx == nil {
		return nil, fmt.Errorf("%w: context not initialized", ErrDeviceOpenFailed)
	}
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		channels := 0
		if info.FormatCount > 0 {
			channels = int(info.Formats[0].Channels)
		}
		out = append(out, DeviceInfo{
			Name:      info.Name(),
			Channels:  channels,
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}
