package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "/tmp/rt-stt.sock" {
		t.Fatalf("expected default socket path, got %q", cfg.SocketPath)
	}
	if cfg.VAD.SpeechStartThreshold != 1.08 || cfg.VAD.SpeechEndThreshold != 0.85 {
		t.Fatalf("unexpected default VAD thresholds: %+v", cfg.VAD)
	}
	if cfg.Engine.MaxQueueSize != 100 {
		t.Fatalf("expected default queue size 100, got %d", cfg.Engine.MaxQueueSize)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  "ipc_socket_path": "/tmp/other.sock",
  "model_config": {"model_path": "/models/ggml-base.bin", "language": "auto", "n_threads": 8},
  "vad_config": {"min_speech_ms": 250},
  "audio_capture_config": {"device_name": "USB Mic", "input_channel_index": 0},
  "unknown_top_level_key": {"ignored": true}
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "/tmp/other.sock" {
		t.Fatalf("expected socket override, got %q", cfg.SocketPath)
	}
	if cfg.Model.Language != "auto" || cfg.Model.NThreads != 8 {
		t.Fatalf("expected model overrides, got %+v", cfg.Model)
	}
	if cfg.VAD.MinSpeechMS != 250 {
		t.Fatalf("expected min_speech_ms override, got %d", cfg.VAD.MinSpeechMS)
	}
	// Missing leaves fall back to defaults.
	if cfg.VAD.SpeechEndMS != 1000 {
		t.Fatalf("expected default speech_end_ms, got %d", cfg.VAD.SpeechEndMS)
	}
	if cfg.Audio.DeviceName != "USB Mic" || cfg.Audio.InputChannelIndex != 0 {
		t.Fatalf("expected audio overrides, got %+v", cfg.Audio)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MURMUR_IPC_SOCKET_PATH", "/run/user/1000/murmur.sock")
	t.Setenv("MURMUR_MODEL_LANGUAGE", "de")
	t.Setenv("MURMUR_VAD_MIN_SPEECH_MS", "300")
	t.Setenv("MURMUR_AUDIO_INPUT_CHANNEL_INDEX", "0")
	t.Setenv("MURMUR_ENGINE_MAX_QUEUE_SIZE", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SocketPath != "/run/user/1000/murmur.sock" {
		t.Fatalf("expected socket path override, got %q", cfg.SocketPath)
	}
	if cfg.Model.Language != "de" {
		t.Fatalf("expected language override, got %q", cfg.Model.Language)
	}
	if cfg.VAD.MinSpeechMS != 300 {
		t.Fatalf("expected min speech override, got %d", cfg.VAD.MinSpeechMS)
	}
	if cfg.Audio.InputChannelIndex != 0 {
		t.Fatalf("expected channel index override, got %d", cfg.Audio.InputChannelIndex)
	}
	if cfg.Engine.MaxQueueSize != 50 {
		t.Fatalf("expected queue size override, got %d", cfg.Engine.MaxQueueSize)
	}
}

func TestHysteresisRejected(t *testing.T) {
	cfg := Default()
	cfg.VAD.SpeechStartThreshold = 0.80
	cfg.VAD.SpeechEndThreshold = 0.85
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for inverted hysteresis thresholds")
	}
}

func TestValidateModelModes(t *testing.T) {
	m := Default().Model
	m.Mode = "invalid"
	if err := ValidateModel(m); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	m = Default().Model
	m.Mode = "exec"
	m.Command = ""
	if err := ValidateModel(m); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	m = Default().Model
	m.Mode = "mock"
	m.ModelPath = ""
	if err := ValidateModel(m); err != nil {
		t.Fatalf("mock mode should not require a model path: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := Default()
	cfg.Model.Language = "fr"
	cfg.VAD.MinSpeechMS = 123
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Model.Language != "fr" || loaded.VAD.MinSpeechMS != 123 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}
