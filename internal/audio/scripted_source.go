package audio

import (
	"sync"

	"github.com/quietlabs/murmur/internal/config"
)

// ScriptedSource is a Source fed by test code instead of a device. Push
// delivers a frame to the registered callback while started.
type ScriptedSource struct {
	mu      sync.Mutex
	cb      FrameCallback
	started bool
	devices []DeviceInfo
}

func NewScriptedSource(devices ...DeviceInfo) *ScriptedSource {
	return &ScriptedSource{devices: devices}
}

func (s *ScriptedSource) Initialize(_ config.AudioConfig, cb FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	return nil
}

func (s *ScriptedSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *ScriptedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *ScriptedSource) Close() error { return s.Stop() }

func (s *ScriptedSource) Devices() ([]DeviceInfo, error) {
	return append([]DeviceInfo(nil), s.devices...), nil
}

// Push delivers one frame as if the capture thread produced it.
func (s *ScriptedSource) Push(frame []float32) {
	s.mu.Lock()
	cb, started := s.cb, s.started
	s.mu.Unlock()
	if started && cb != nil {
		cb(frame)
	}
}
