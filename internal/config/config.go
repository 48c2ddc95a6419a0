package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelConfig selects and tunes the transcription backend.
type ModelConfig struct {
	Mode        string  `yaml:"mode" json:"mode"` // native, exec, mock
	ModelPath   string  `yaml:"model_path" json:"model_path"`
	Command     string  `yaml:"command" json:"command"`
	Language    string  `yaml:"language" json:"language"` // ISO code or "auto"
	NThreads    int     `yaml:"n_threads" json:"n_threads"`
	UseGPU      bool    `yaml:"use_gpu" json:"use_gpu"`
	BeamSize    int     `yaml:"beam_size" json:"beam_size"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	Translate   bool    `yaml:"translate" json:"translate"`
	MaxContext  int     `yaml:"max_context" json:"max_context"`
}

// VADConfig tunes the energy-based voice activity detector.
type VADConfig struct {
	EnergyThreshold          float64 `yaml:"energy_threshold" json:"energy_threshold"`
	SpeechStartThreshold     float64 `yaml:"speech_start_threshold" json:"speech_start_threshold"`
	SpeechEndThreshold       float64 `yaml:"speech_end_threshold" json:"speech_end_threshold"`
	SpeechStartMS            int     `yaml:"speech_start_ms" json:"speech_start_ms"`
	SpeechEndMS              int     `yaml:"speech_end_ms" json:"speech_end_ms"`
	MinSpeechMS              int     `yaml:"min_speech_ms" json:"min_speech_ms"`
	PreSpeechBufferMS        int     `yaml:"pre_speech_buffer_ms" json:"pre_speech_buffer_ms"`
	UseAdaptiveThreshold     bool    `yaml:"use_adaptive_threshold" json:"use_adaptive_threshold"`
	NoiseFloorAdaptationRate float64 `yaml:"noise_floor_adaptation_rate" json:"noise_floor_adaptation_rate"`
	SampleRate               int     `yaml:"sample_rate" json:"sample_rate"`
}

// AudioConfig describes the capture device.
type AudioConfig struct {
	DeviceName         string `yaml:"device_name" json:"device_name"`
	SampleRate         int    `yaml:"sample_rate" json:"sample_rate"`
	Channels           int    `yaml:"channels" json:"channels"`
	BufferSizeMS       int    `yaml:"buffer_size_ms" json:"buffer_size_ms"`
	ForceSingleChannel bool   `yaml:"force_single_channel" json:"force_single_channel"`
	InputChannelIndex  int    `yaml:"input_channel_index" json:"input_channel_index"`
	DumpDir            string `yaml:"dump_dir" json:"dump_dir"` // write emitted utterances as WAV when set
}

// EngineConfig bounds the utterance hand-off between capture and worker.
type EngineConfig struct {
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`
}

// TelemetryConfig mirrors the OTel wiring.
type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" json:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// HTTPConfig binds the health/metrics endpoint. Port 0 disables it.
type HTTPConfig struct {
	Bind string `yaml:"bind" json:"bind"`
	Port int    `yaml:"port" json:"port"`
}

// BridgeConfig republishes final transcripts onto a local NATS bus.
// Disabled by default; the unix socket remains the primary surface.
type BridgeConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Embedded bool     `yaml:"embedded" json:"embedded"`
	Port     int      `yaml:"port" json:"port"`
	Servers  []string `yaml:"servers" json:"servers"`
	StoreDir string   `yaml:"store_dir" json:"store_dir"`
}

// Config is the authoritative daemon configuration. The on-disk format is
// JSON with the top-level keys below; unknown keys are ignored and missing
// keys fall back to defaults.
type Config struct {
	SocketPath string          `yaml:"ipc_socket_path" json:"ipc_socket_path"`
	Model      ModelConfig     `yaml:"model_config" json:"model_config"`
	VAD        VADConfig       `yaml:"vad_config" json:"vad_config"`
	Audio      AudioConfig     `yaml:"audio_capture_config" json:"audio_capture_config"`
	Engine     EngineConfig    `yaml:"engine_config" json:"engine_config"`
	Telemetry  TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	HTTP       HTTPConfig      `yaml:"http" json:"http"`
	Bridge     BridgeConfig    `yaml:"bridge" json:"bridge"`
}

func Default() Config {
	return Config{
		SocketPath: "/tmp/rt-stt.sock",
		Model: ModelConfig{
			Mode:        "native",
			ModelPath:   "models/ggml-small.en.bin",
			Language:    "en",
			NThreads:    4,
			UseGPU:      true,
			BeamSize:    5,
			Temperature: 0.0,
			Translate:   false,
		},
		VAD: VADConfig{
			EnergyThreshold:          0.001,
			SpeechStartThreshold:     1.08,
			SpeechEndThreshold:       0.85,
			SpeechStartMS:            150,
			SpeechEndMS:              1000,
			MinSpeechMS:              500,
			PreSpeechBufferMS:        500,
			UseAdaptiveThreshold:     true,
			NoiseFloorAdaptationRate: 0.01,
			SampleRate:               16000,
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			BufferSizeMS:       30,
			ForceSingleChannel: true,
			InputChannelIndex:  1,
		},
		Engine: EngineConfig{
			MaxQueueSize: 100,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 0,
		},
		Bridge: BridgeConfig{
			Enabled:  false,
			Embedded: true,
			Port:     4222,
			Servers:  []string{"nats://127.0.0.1:4222"},
			StoreDir: "./data/nats",
		},
	}
}

// Load reads the config file at path (JSON; YAML also accepted since JSON
// is a subset), applies MURMUR_* environment overrides, and validates the
// result. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories.
func Save(cfg Config, path string) error {
	if path == "" {
		return errors.New("config save path is empty")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.SocketPath, "MURMUR_IPC_SOCKET_PATH")
	overrideString(&cfg.Model.Mode, "MURMUR_MODEL_MODE")
	overrideString(&cfg.Model.ModelPath, "MURMUR_MODEL_PATH")
	overrideString(&cfg.Model.Command, "MURMUR_MODEL_COMMAND")
	overrideString(&cfg.Model.Language, "MURMUR_MODEL_LANGUAGE")
	overrideInt(&cfg.Model.NThreads, "MURMUR_MODEL_N_THREADS")
	overrideBool(&cfg.Model.UseGPU, "MURMUR_MODEL_USE_GPU")
	overrideInt(&cfg.Model.BeamSize, "MURMUR_MODEL_BEAM_SIZE")
	overrideFloat(&cfg.Model.Temperature, "MURMUR_MODEL_TEMPERATURE")
	overrideBool(&cfg.Model.Translate, "MURMUR_MODEL_TRANSLATE")
	overrideFloat(&cfg.VAD.EnergyThreshold, "MURMUR_VAD_ENERGY_THRESHOLD")
	overrideFloat(&cfg.VAD.SpeechStartThreshold, "MURMUR_VAD_SPEECH_START_THRESHOLD")
	overrideFloat(&cfg.VAD.SpeechEndThreshold, "MURMUR_VAD_SPEECH_END_THRESHOLD")
	overrideInt(&cfg.VAD.SpeechStartMS, "MURMUR_VAD_SPEECH_START_MS")
	overrideInt(&cfg.VAD.SpeechEndMS, "MURMUR_VAD_SPEECH_END_MS")
	overrideInt(&cfg.VAD.MinSpeechMS, "MURMUR_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.PreSpeechBufferMS, "MURMUR_VAD_PRE_SPEECH_BUFFER_MS")
	overrideBool(&cfg.VAD.UseAdaptiveThreshold, "MURMUR_VAD_USE_ADAPTIVE_THRESHOLD")
	overrideFloat(&cfg.VAD.NoiseFloorAdaptationRate, "MURMUR_VAD_NOISE_FLOOR_ADAPTATION_RATE")
	overrideString(&cfg.Audio.DeviceName, "MURMUR_AUDIO_DEVICE_NAME")
	overrideInt(&cfg.Audio.BufferSizeMS, "MURMUR_AUDIO_BUFFER_SIZE_MS")
	overrideBool(&cfg.Audio.ForceSingleChannel, "MURMUR_AUDIO_FORCE_SINGLE_CHANNEL")
	overrideInt(&cfg.Audio.InputChannelIndex, "MURMUR_AUDIO_INPUT_CHANNEL_INDEX")
	overrideString(&cfg.Audio.DumpDir, "MURMUR_AUDIO_DUMP_DIR")
	overrideInt(&cfg.Engine.MaxQueueSize, "MURMUR_ENGINE_MAX_QUEUE_SIZE")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideBool(&cfg.Bridge.Enabled, "MURMUR_BRIDGE_ENABLED")
	overrideBool(&cfg.Bridge.Embedded, "MURMUR_BRIDGE_EMBEDDED")
	overrideInt(&cfg.Bridge.Port, "MURMUR_BRIDGE_PORT")
	overrideStringSlice(&cfg.Bridge.Servers, "MURMUR_BRIDGE_SERVERS")
	overrideString(&cfg.Bridge.StoreDir, "MURMUR_BRIDGE_STORE_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks the full config. The sub-record validators are exported
// so set_config can check a single sub-record before applying it.
func Validate(cfg Config) error {
	if cfg.SocketPath == "" {
		return errors.New("ipc_socket_path must not be empty")
	}
	if err := ValidateModel(cfg.Model); err != nil {
		return err
	}
	if err := ValidateVAD(cfg.VAD); err != nil {
		return err
	}
	if err := ValidateAudio(cfg.Audio); err != nil {
		return err
	}
	if cfg.Engine.MaxQueueSize <= 0 {
		return errors.New("engine_config.max_queue_size must be >= 1")
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if cfg.Bridge.Enabled {
		if cfg.Bridge.Embedded {
			if cfg.Bridge.Port <= 0 || cfg.Bridge.Port > 65535 {
				return errors.New("bridge.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bridge.Servers) == 0 {
			return errors.New("bridge.servers must not be empty when embedded mode is disabled")
		}
	}
	return nil
}

func ValidateModel(cfg ModelConfig) error {
	switch cfg.Mode {
	case "native", "exec", "mock":
	default:
		return errors.New("model_config.mode must be one of native|exec|mock")
	}
	if cfg.Mode == "native" && cfg.ModelPath == "" {
		return errors.New("model_config.model_path must be set when mode=native")
	}
	if cfg.Mode == "exec" && cfg.Command == "" {
		return errors.New("model_config.command must be set when mode=exec")
	}
	if cfg.NThreads <= 0 {
		return errors.New("model_config.n_threads must be positive")
	}
	if cfg.BeamSize <= 0 {
		return errors.New("model_config.beam_size must be positive")
	}
	if cfg.Temperature < 0 {
		return errors.New("model_config.temperature must be >= 0")
	}
	return nil
}

func ValidateVAD(cfg VADConfig) error {
	if cfg.EnergyThreshold < 0 {
		return errors.New("vad_config.energy_threshold must be >= 0")
	}
	if cfg.SpeechStartThreshold <= cfg.SpeechEndThreshold {
		return errors.New("vad_config.speech_start_threshold must be greater than speech_end_threshold")
	}
	if cfg.SpeechStartMS < 0 || cfg.SpeechEndMS < 0 || cfg.MinSpeechMS < 0 {
		return errors.New("vad_config timing values must be >= 0")
	}
	if cfg.PreSpeechBufferMS < 0 {
		return errors.New("vad_config.pre_speech_buffer_ms must be >= 0")
	}
	if cfg.NoiseFloorAdaptationRate < 0 || cfg.NoiseFloorAdaptationRate > 1 {
		return errors.New("vad_config.noise_floor_adaptation_rate must be within [0, 1]")
	}
	if cfg.SampleRate != 16000 {
		return errors.New("vad_config.sample_rate must be 16000")
	}
	return nil
}

func ValidateAudio(cfg AudioConfig) error {
	if cfg.SampleRate != 16000 {
		return errors.New("audio_capture_config.sample_rate must be 16000")
	}
	if cfg.Channels <= 0 {
		return errors.New("audio_capture_config.channels must be positive")
	}
	if cfg.BufferSizeMS <= 0 {
		return errors.New("audio_capture_config.buffer_size_ms must be positive")
	}
	if cfg.InputChannelIndex < 0 {
		return errors.New("audio_capture_config.input_channel_index must be >= 0")
	}
	return nil
}
