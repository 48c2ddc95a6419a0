package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quietlabs/murmur/internal/config"
)

// Params carries the per-invocation knobs handed to the model.
type Params struct {
	Language    string
	BeamSize    int
	Temperature float64
	Translate   bool
	MaxContext  int
	Threads     int
}

// Segment is one model-produced span of a transcription. Fields the model
// does not report are nil pointers and marshal as explicit nulls; nothing
// is fabricated.
type Segment struct {
	ID               int      `json:"id"`
	Seek             *int     `json:"seek"`
	StartS           float64  `json:"start_s"`
	EndS             float64  `json:"end_s"`
	Text             string   `json:"text"`
	Tokens           []int    `json:"tokens"`
	Temperature      float64  `json:"temperature"`
	AvgLogprob       float64  `json:"avg_logprob"`
	CompressionRatio *float64 `json:"compression_ratio"`
	NoSpeechProb     *float64 `json:"no_speech_prob"`
}

// Output is a backend's raw answer for one utterance.
type Output struct {
	Segments            []Segment
	TokenLogprobs       []float64
	Language            string
	LanguageProbability float64

	// Confidence is a backend-reported score, consulted only when the
	// backend exposes no per-token log-probabilities.
	Confidence float64
}

// Result is the record broadcast for each transcribed utterance.
type Result struct {
	Text                string    `json:"text"`
	Confidence          float64   `json:"confidence"`
	IsFinal             bool      `json:"is_final"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	ProcessingTimeMS    uint64    `json:"processing_time_ms"`
	AudioDurationMS     uint64    `json:"audio_duration_ms"`
	Model               string    `json:"model_identifier"`
	TimestampUS         uint64    `json:"timestamp_us"`
	Segments            []Segment `json:"segments"`
}

// Recognizer abstracts the transcription backend. Implementations are
// called from a single worker goroutine; Transcribe is synchronous.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, params Params) (*Output, error)
	ModelID() string
	Close() error
}

var errUnknownMode = errors.New("stt: unknown recognizer mode")

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.ModelConfig, log *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "native":
		return newNativeRecognizer(cfg, log)
	case "exec":
		return newExecRecognizer(cfg, log)
	case "mock":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownMode, cfg.Mode)
	}
}

// ParamsFromConfig derives invocation parameters from a model config.
func ParamsFromConfig(cfg config.ModelConfig) Params {
	return Params{
		Language:    cfg.Language,
		BeamSize:    cfg.BeamSize,
		Temperature: cfg.Temperature,
		Translate:   cfg.Translate,
		MaxContext:  cfg.MaxContext,
		Threads:     cfg.NThreads,
	}
}
