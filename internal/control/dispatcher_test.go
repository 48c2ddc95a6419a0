package control

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/quietlabs/murmur/internal/audio"
	"github.com/quietlabs/murmur/internal/config"
	"github.com/quietlabs/murmur/internal/state"
)

type fakeEngine struct {
	paused      bool
	modelPath   string
	language    string
	modelCfg    config.ModelConfig
	loadErr     error
	applyCalled bool
}

func (e *fakeEngine) Pause()       { e.paused = true }
func (e *fakeEngine) Resume()      { e.paused = false }
func (e *fakeEngine) Paused() bool { return e.paused }

func (e *fakeEngine) SetModel(path string) error {
	if e.loadErr != nil {
		return e.loadErr
	}
	e.modelPath = path
	return nil
}

func (e *fakeEngine) ApplyModelConfig(cfg config.ModelConfig) error {
	if e.loadErr != nil {
		return e.loadErr
	}
	e.applyCalled = true
	e.modelCfg = cfg
	return nil
}

func (e *fakeEngine) SetLanguage(language string) { e.language = language }
func (e *fakeEngine) Language() string            { return e.language }
func (e *fakeEngine) ModelPath() string           { return e.modelPath }

type fakePipeline struct {
	vadCfg      *config.VADConfig
	audioCfg    *config.AudioConfig
	sensitivity float64
}

func (p *fakePipeline) UpdateVAD(cfg config.VADConfig) error {
	if err := config.ValidateVAD(cfg); err != nil {
		return err
	}
	p.vadCfg = &cfg
	return nil
}

func (p *fakePipeline) SetStartThreshold(s float64) error {
	p.sensitivity = s
	return nil
}

func (p *fakePipeline) ReconfigureAudio(cfg config.AudioConfig) error {
	p.audioCfg = &cfg
	return nil
}

func (p *fakePipeline) Devices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{Name: "Test Mic", Channels: 2, IsDefault: true}}, nil
}

func newTestDispatcher(t *testing.T, engine *fakeEngine, pipeline *fakePipeline) (*Dispatcher, *state.Runtime) {
	t.Helper()
	st := state.New(config.Default())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(st, engine, pipeline,
		func() int { return 2 },
		func() state.MetricsSnapshot { return st.Snapshot(state.ExternalCounters{}) },
		filepath.Join(t.TempDir(), "config.json"), log)
	return d, st
}

func TestPauseResume(t *testing.T) {
	engine := &fakeEngine{}
	d, _ := newTestDispatcher(t, engine, &fakePipeline{})

	res, err := d.Dispatch(1, "pause", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if m := res.(map[string]any); m["listening"] != false || m["status"] != "paused" {
		t.Fatalf("pause result: %v", m)
	}
	if !engine.paused {
		t.Fatal("engine not paused")
	}

	res, err = d.Dispatch(1, "resume", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m := res.(map[string]any); m["listening"] != true {
		t.Fatalf("resume result: %v", m)
	}
}

func TestGetStatus(t *testing.T) {
	engine := &fakeEngine{modelPath: "/models/a.bin", language: "en"}
	d, _ := newTestDispatcher(t, engine, &fakePipeline{})

	res, err := d.Dispatch(1, "get_status", nil)
	if err != nil {
		t.Fatalf("get_status: %v", err)
	}
	m := res.(map[string]any)
	if m["listening"] != true || m["model"] != "/models/a.bin" || m["clients"] != 2 {
		t.Fatalf("status: %v", m)
	}
	if m["vad_enabled"] != true {
		t.Fatalf("vad_enabled: %v", m)
	}
}

func TestSetModelSuccessAndFailure(t *testing.T) {
	engine := &fakeEngine{}
	d, st := newTestDispatcher(t, engine, &fakePipeline{})

	res, err := d.Dispatch(1, "set_model", json.RawMessage(`{"model":"/models/new.bin"}`))
	if err != nil {
		t.Fatalf("set_model: %v", err)
	}
	m := res.(map[string]any)
	if m["model_updated"] != true || m["model"] != "/models/new.bin" {
		t.Fatalf("set_model result: %v", m)
	}
	if st.Config().Model.ModelPath != "/models/new.bin" {
		t.Fatal("state not updated")
	}

	engine.loadErr = errors.New("bad model")
	if _, err := d.Dispatch(1, "set_model", json.RawMessage(`{"model":"/models/bad.bin"}`)); err == nil {
		t.Fatal("expected load error")
	}
	if st.Config().Model.ModelPath != "/models/new.bin" {
		t.Fatal("failed swap changed state")
	}
}

func TestSetLanguage(t *testing.T) {
	engine := &fakeEngine{}
	d, st := newTestDispatcher(t, engine, &fakePipeline{})

	res, err := d.Dispatch(1, "set_language", json.RawMessage(`{"language":"fr"}`))
	if err != nil {
		t.Fatalf("set_language: %v", err)
	}
	if res.(map[string]any)["language"] != "fr" {
		t.Fatalf("result: %v", res)
	}
	if engine.language != "fr" || st.Config().Model.Language != "fr" {
		t.Fatal("language not propagated")
	}
}

func TestSetVADSensitivity(t *testing.T) {
	pipeline := &fakePipeline{}
	d, st := newTestDispatcher(t, &fakeEngine{}, pipeline)

	if _, err := d.Dispatch(1, "set_vad_sensitivity", json.RawMessage(`{"sensitivity":1.4}`)); err != nil {
		t.Fatalf("set_vad_sensitivity: %v", err)
	}
	if pipeline.sensitivity != 1.4 {
		t.Fatal("sensitivity not forwarded")
	}
	if st.Config().VAD.SpeechStartThreshold != 1.4 {
		t.Fatal("state sensitivity not updated")
	}
}

func TestSetConfigPartialApply(t *testing.T) {
	engine := &fakeEngine{}
	pipeline := &fakePipeline{}
	d, st := newTestDispatcher(t, engine, pipeline)

	params := json.RawMessage(`{
		"config": {
			"vad_config": {"min_speech_ms": 800},
			"model_config": {"language": "de"}
		},
		"save": true
	}`)
	res, err := d.Dispatch(1, "set_config", params)
	if err != nil {
		t.Fatalf("set_config: %v", err)
	}
	m := res.(map[string]any)
	if m["vad_updated"] != true || m["model_updated"] != true || m["audio_updated"] != false {
		t.Fatalf("flags: %v", m)
	}
	if m["saved"] != true {
		t.Fatalf("expected persisted config, got %v", m)
	}

	// Merge-patch: untouched leaves survive.
	if got := st.Config().VAD; got.MinSpeechMS != 800 || got.SpeechEndMS != 1000 {
		t.Fatalf("vad record: %+v", got)
	}
	if got := st.Config().Model; got.Language != "de" || got.NThreads != 4 {
		t.Fatalf("model record: %+v", got)
	}
	if !engine.applyCalled {
		t.Fatal("model config not forwarded to engine")
	}
}

func TestSetConfigInvalidRejectedWithoutChange(t *testing.T) {
	pipeline := &fakePipeline{}
	d, st := newTestDispatcher(t, &fakeEngine{}, pipeline)

	before := st.Config()
	params := json.RawMessage(`{
		"config": {
			"vad_config": {"speech_start_threshold": 0.5, "speech_end_threshold": 0.9},
			"model_config": {"language": "de"}
		}
	}`)
	if _, err := d.Dispatch(1, "set_config", params); err == nil {
		t.Fatal("expected hysteresis rejection")
	}
	if st.Config().Model.Language != before.Model.Language {
		t.Fatal("rejected set_config mutated state")
	}
	if pipeline.vadCfg != nil {
		t.Fatal("rejected set_config reached the pipeline")
	}
}

func TestUnknownActionErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeEngine{}, &fakePipeline{})
	if _, err := d.Dispatch(1, "frobnicate", nil); err == nil {
		t.Fatal("expected unknown action error")
	}
}

func TestGetDevices(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeEngine{}, &fakePipeline{})
	res, err := d.Dispatch(1, "get_devices", nil)
	if err != nil {
		t.Fatalf("get_devices: %v", err)
	}
	devices := res.(map[string]any)["devices"].([]audio.DeviceInfo)
	if len(devices) != 1 || devices[0].Name != "Test Mic" {
		t.Fatalf("devices: %v", devices)
	}
}

func TestGetMetrics(t *testing.T) {
	d, st := newTestDispatcher(t, &fakeEngine{}, &fakePipeline{})
	st.RecordTranscription(50, 1000)
	res, err := d.Dispatch(1, "get_metrics", nil)
	if err != nil {
		t.Fatalf("get_metrics: %v", err)
	}
	snap := res.(state.MetricsSnapshot)
	if snap.TranscriptionsCount != 1 {
		t.Fatalf("metrics: %+v", snap)
	}
}
