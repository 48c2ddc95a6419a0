package control

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quietlabs/murmur/internal/audio"
	"github.com/quietlabs/murmur/internal/config"
	"github.com/quietlabs/murmur/internal/state"
)

// Engine is the slice of the transcription worker the control surface
// drives. The coordinator wires the concrete worker in.
type Engine interface {
	Pause()
	Resume()
	Paused() bool
	SetModel(path string) error
	ApplyModelConfig(cfg config.ModelConfig) error
	SetLanguage(language string)
	Language() string
	ModelPath() string
}

// AudioPipeline is the slice of the capture pipeline the control surface
// drives.
type AudioPipeline interface {
	UpdateVAD(cfg config.VADConfig) error
	SetStartThreshold(sensitivity float64) error
	ReconfigureAudio(cfg config.AudioConfig) error
	Devices() ([]audio.DeviceInfo, error)
}

// Dispatcher maps IPC command actions onto the engine, the audio
// pipeline, and the runtime state. Handlers are non-blocking except
// set_model and a set_config whose model_config change reloads the
// backend; both wait out the in-flight inference.
type Dispatcher struct {
	log      *slog.Logger
	st       *state.Runtime
	engine   Engine
	pipeline AudioPipeline
	clients  func() int
	metrics  func() state.MetricsSnapshot
	savePath string
}

func NewDispatcher(st *state.Runtime, engine Engine, pipeline AudioPipeline, clients func() int, metrics func() state.MetricsSnapshot, savePath string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log.With(slog.String("component", "control")),
		st:       st,
		engine:   engine,
		pipeline: pipeline,
		clients:  clients,
		metrics:  metrics,
		savePath: savePath,
	}
}

// Dispatch executes one command and returns its result payload.
func (d *Dispatcher) Dispatch(_ uint64, action string, params json.RawMessage) (any, error) {
	switch action {
	case "pause":
		d.engine.Pause()
		return map[string]any{"status": "paused", "listening": false}, nil

	case "resume":
		d.engine.Resume()
		return map[string]any{"status": "listening", "listening": true}, nil

	case "get_status":
		cfg := d.st.Config()
		return map[string]any{
			"listening":   !d.engine.Paused(),
			"model":       d.engine.ModelPath(),
			"language":    d.engine.Language(),
			"vad_enabled": cfg.VAD.EnergyThreshold != 0,
			"clients":     d.clients(),
		}, nil

	case "get_config":
		return d.st.Config(), nil

	case "set_config":
		return d.setConfig(params)

	case "set_language":
		var p struct {
			Language string `json:"language"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Language == "" {
			return nil, fmt.Errorf("set_language requires a language parameter")
		}
		d.engine.SetLanguage(p.Language)
		d.st.SetLanguage(p.Language)
		return map[string]any{"language": p.Language}, nil

	case "set_model":
		var p struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Model == "" {
			return nil, fmt.Errorf("set_model requires a model parameter")
		}
		if err := d.engine.SetModel(p.Model); err != nil {
			return nil, fmt.Errorf("model load failed: %w", err)
		}
		d.st.SetModelPath(p.Model)
		return map[string]any{"model": p.Model, "model_updated": true}, nil

	case "set_vad_sensitivity":
		var p struct {
			Sensitivity float64 `json:"sensitivity"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Sensitivity == 0 {
			return nil, fmt.Errorf("set_vad_sensitivity requires a sensitivity parameter")
		}
		if err := d.pipeline.SetStartThreshold(p.Sensitivity); err != nil {
			return nil, err
		}
		d.st.SetVADSensitivity(p.Sensitivity)
		return map[string]any{"sensitivity": p.Sensitivity}, nil

	case "get_metrics":
		return d.metrics(), nil

	case "get_devices":
		devices, err := d.pipeline.Devices()
		if err != nil {
			return nil, err
		}
		return map[string]any{"devices": devices}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

// setConfig merge-patches sub-records into the runtime configuration.
// Every patched sub-record is validated before anything applies; each one
// then applies atomically.
func (d *Dispatcher) setConfig(params json.RawMessage) (any, error) {
	var req struct {
		Config map[string]json.RawMessage `json:"config"`
		Save   *bool                      `json:"save"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("malformed set_config params: %v", err)
	}
	if len(req.Config) == 0 {
		return nil, fmt.Errorf("set_config requires a config object")
	}
	save := req.Save == nil || *req.Save

	current := d.st.Config()

	var (
		patchModel *config.ModelConfig
		patchVAD   *config.VADConfig
		patchAudio *config.AudioConfig
	)
	if raw, ok := req.Config["model_config"]; ok {
		next := current.Model
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, fmt.Errorf("malformed model_config: %v", err)
		}
		if err := config.ValidateModel(next); err != nil {
			return nil, err
		}
		patchModel = &next
	}
	if raw, ok := req.Config["vad_config"]; ok {
		next := current.VAD
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, fmt.Errorf("malformed vad_config: %v", err)
		}
		if err := config.ValidateVAD(next); err != nil {
			return nil, err
		}
		patchVAD = &next
	}
	if raw, ok := req.Config["audio_capture_config"]; ok {
		next := current.Audio
		if err := json.Unmarshal(raw, &next); err != nil {
			return nil, fmt.Errorf("malformed audio_capture_config: %v", err)
		}
		if err := config.ValidateAudio(next); err != nil {
			return nil, err
		}
		patchAudio = &next
	}

	result := map[string]any{
		"model_updated": false,
		"vad_updated":   false,
		"audio_updated": false,
		"saved":         false,
	}

	if patchVAD != nil {
		if err := d.pipeline.UpdateVAD(*patchVAD); err != nil {
			return nil, err
		}
		d.st.SetVADConfig(*patchVAD)
		result["vad_updated"] = true
	}
	if patchAudio != nil {
		if err := d.pipeline.ReconfigureAudio(*patchAudio); err != nil {
			return nil, err
		}
		d.st.SetAudioConfig(*patchAudio)
		result["audio_updated"] = true
	}
	if patchModel != nil {
		if err := d.engine.ApplyModelConfig(*patchModel); err != nil {
			return nil, err
		}
		d.st.SetModelConfig(*patchModel)
		result["model_updated"] = true
	}

	if save {
		if d.savePath == "" {
			d.log.Warn("set_config save requested but no config path is set")
		} else if err := config.Save(d.st.Config(), d.savePath); err != nil {
			d.log.Warn("config save failed", slog.String("error", err.Error()))
		} else {
			result["saved"] = true
		}
	}
	return result, nil
}
