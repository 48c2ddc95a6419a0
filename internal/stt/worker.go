package stt

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/quietlabs/murmur/internal/audio"
	"github.com/quietlabs/murmur/internal/config"
)

// MetricsSink receives the worker's counters. The runtime state implements
// it; tests substitute their own.
type MetricsSink interface {
	RecordTranscription(processingMS, audioMS uint64)
	RecordModelError()
	RecordPausedDiscard()
}

// Worker is the single consumer of the utterance queue. It owns the
// recognizer: all inference and model swaps are serialized on inferMu, so
// a swap naturally quiesces by waiting out the in-flight call.
type Worker struct {
	log     *slog.Logger
	queue   *audio.Queue
	results chan<- Result
	metrics MetricsSink
	factory func(config.ModelConfig) (Recognizer, error)

	paused atomic.Bool

	inferMu    sync.Mutex
	recognizer Recognizer

	cfgMu    sync.Mutex
	modelCfg config.ModelConfig
}

func NewWorker(queue *audio.Queue, recognizer Recognizer, modelCfg config.ModelConfig, results chan<- Result, metrics MetricsSink, log *slog.Logger) *Worker {
	w := &Worker{
		log:        log.With(slog.String("component", "stt-worker")),
		queue:      queue,
		results:    results,
		metrics:    metrics,
		recognizer: recognizer,
		modelCfg:   modelCfg,
	}
	w.factory = func(cfg config.ModelConfig) (Recognizer, error) {
		return NewRecognizer(cfg, log)
	}
	return w
}

// Run drains the queue until ctx is done or the queue closes. A model
// failure drops the utterance and continues; it never ends the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		utterance, ok := w.queue.Dequeue(ctx)
		if !ok {
			return ctx.Err()
		}
		if w.paused.Load() {
			// Paused utterances still enqueue; they die here.
			w.metrics.RecordPausedDiscard()
			continue
		}
		w.process(ctx, utterance)
	}
}

func (w *Worker) process(ctx context.Context, utterance []float32) {
	start := time.Now()

	w.cfgMu.Lock()
	params := ParamsFromConfig(w.modelCfg)
	w.cfgMu.Unlock()

	w.inferMu.Lock()
	recognizer := w.recognizer
	modelID := recognizer.ModelID()
	out, err := recognizer.Transcribe(ctx, utterance, params)
	w.inferMu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.metrics.RecordModelError()
		w.log.Warn("transcription failed",
			slog.Int("samples", len(utterance)),
			slog.String("error", err.Error()))
		return
	}

	text := normalizeText(collectText(out.Segments))
	if !hasAlphanumeric(text) {
		w.log.Debug("dropping empty transcription", slog.Int("samples", len(utterance)))
		return
	}

	processingMS := uint64(time.Since(start).Milliseconds())
	audioMS := uint64(len(utterance) / 16) // 16 samples per ms at 16 kHz

	language := out.Language
	if language == "" {
		language = params.Language
	}
	segments := out.Segments
	if segments == nil {
		segments = []Segment{}
	}

	result := Result{
		Text:                text,
		Confidence:          confidence(out),
		IsFinal:             true,
		Language:            language,
		LanguageProbability: out.LanguageProbability,
		ProcessingTimeMS:    processingMS,
		AudioDurationMS:     audioMS,
		Model:               modelID,
		TimestampUS:         uint64(time.Now().UnixMicro()),
		Segments:            segments,
	}

	w.metrics.RecordTranscription(processingMS, audioMS)
	select {
	case w.results <- result:
	case <-ctx.Done():
	}
}

// Pause makes the worker discard utterances at dequeue until Resume.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume clears the paused flag.
func (w *Worker) Resume() { w.paused.Store(false) }

// Paused reports whether the worker is discarding utterances.
func (w *Worker) Paused() bool { return w.paused.Load() }

// SetModel swaps in the model at path. The in-flight inference drains
// first; on load failure the previous model stays installed.
func (w *Worker) SetModel(path string) error {
	w.cfgMu.Lock()
	cfg := w.modelCfg
	w.cfgMu.Unlock()
	cfg.ModelPath = path
	return w.reload(cfg)
}

// ApplyModelConfig installs a full model sub-record. Backend-affecting
// changes trigger a reload; parameter-only changes apply in place.
func (w *Worker) ApplyModelConfig(cfg config.ModelConfig) error {
	if err := config.ValidateModel(cfg); err != nil {
		return err
	}
	w.cfgMu.Lock()
	current := w.modelCfg
	w.cfgMu.Unlock()

	needsReload := cfg.Mode != current.Mode ||
		cfg.ModelPath != current.ModelPath ||
		cfg.Command != current.Command ||
		cfg.UseGPU != current.UseGPU
	if needsReload {
		return w.reload(cfg)
	}

	w.cfgMu.Lock()
	w.modelCfg = cfg
	w.cfgMu.Unlock()
	return nil
}

func (w *Worker) reload(cfg config.ModelConfig) error {
	w.inferMu.Lock()
	defer w.inferMu.Unlock()

	next, err := w.factory(cfg)
	if err != nil {
		return err
	}
	old := w.recognizer
	w.recognizer = next
	if old != nil {
		if cerr := old.Close(); cerr != nil {
			w.log.Warn("closing previous model failed", slog.String("error", cerr.Error()))
		}
	}

	w.cfgMu.Lock()
	w.modelCfg = cfg
	w.cfgMu.Unlock()
	w.log.Info("model installed", slog.String("model", w.recognizer.ModelID()))
	return nil
}

// SetLanguage stores the language for subsequent invocations. A
// monolingual model may ignore it.
func (w *Worker) SetLanguage(language string) {
	w.cfgMu.Lock()
	w.modelCfg.Language = language
	w.cfgMu.Unlock()
}

// Language reports the configured language.
func (w *Worker) Language() string {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.modelCfg.Language
}

// ModelPath reports the configured model path.
func (w *Worker) ModelPath() string {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.modelCfg.ModelPath
}

// ModelConfig returns a snapshot of the model sub-record.
func (w *Worker) ModelConfig() config.ModelConfig {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.modelCfg
}

// Close releases the installed recognizer.
func (w *Worker) Close() error {
	w.inferMu.Lock()
	defer w.inferMu.Unlock()
	if w.recognizer != nil {
		return w.recognizer.Close()
	}
	return nil
}

func collectText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// normalizeText collapses whitespace runs to single spaces and trims.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func hasAlphanumeric(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// confidence is exp of the mean token log-probability, clamped to [0,1].
// Without token data the backend's own score is used; without either it
// is zero.
func confidence(out *Output) float64 {
	if len(out.TokenLogprobs) == 0 {
		return clamp01(out.Confidence)
	}
	var sum float64
	for _, lp := range out.TokenLogprobs {
		sum += lp
	}
	return clamp01(math.Exp(sum / float64(len(out.TokenLogprobs))))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
