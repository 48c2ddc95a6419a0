//go:build cgo

// The native backend uses the whisper.cpp CGO bindings. libwhisper and its
// headers must be available at link time via LIBRARY_PATH / C_INCLUDE_PATH.

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/quietlabs/murmur/internal/config"
)

type whisperRecognizer struct {
	model     whisperlib.Model
	modelPath string
	log       *slog.Logger
}

func newNativeRecognizer(cfg config.ModelConfig, log *slog.Logger) (Recognizer, error) {
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", cfg.ModelPath, err)
	}
	return &whisperRecognizer{
		model:     model,
		modelPath: cfg.ModelPath,
		log:       log.With(slog.String("component", "stt-whisper")),
	}, nil
}

// Transcribe runs one inference. A fresh whisper context is created per
// call; contexts are not thread-safe but the model is shared.
func (r *whisperRecognizer) Transcribe(ctx context.Context, samples []float32, params Params) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}

	if params.Threads > 0 {
		wctx.SetThreads(uint(params.Threads))
	}
	lang := params.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		// Monolingual models reject language selection; the stored value
		// is kept and the model proceeds with its own.
		r.log.Warn("model ignored language selection",
			slog.String("language", lang), slog.String("error", err.Error()))
	}
	wctx.SetTranslate(params.Translate)
	wctx.SetTemperature(float32(params.Temperature))
	if params.BeamSize > 1 {
		wctx.SetBeamSize(params.BeamSize)
	}
	if params.MaxContext > 0 {
		wctx.SetMaxContext(params.MaxContext)
	}

	encoderCb := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, encoderCb, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper inference: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Output{Segments: []Segment{}}
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read whisper segment: %w", err)
		}

		tokens := make([]int, 0, len(seg.Tokens))
		var segLogprob float64
		var segTokens int
		for _, tok := range seg.Tokens {
			tokens = append(tokens, tok.Id)
			if tok.P > 0 {
				lp := math.Log(float64(tok.P))
				segLogprob += lp
				segTokens++
				out.TokenLogprobs = append(out.TokenLogprobs, lp)
			}
		}
		avgLogprob := 0.0
		if segTokens > 0 {
			avgLogprob = segLogprob / float64(segTokens)
		}

		out.Segments = append(out.Segments, Segment{
			ID:          seg.Num,
			StartS:      seg.Start.Seconds(),
			EndS:        seg.End.Seconds(),
			Text:        seg.Text,
			Tokens:      tokens,
			Temperature: params.Temperature,
			AvgLogprob:  avgLogprob,
		})
	}

	out.Language = wctx.DetectedLanguage()
	if out.Language == "" && lang != "auto" {
		out.Language = lang
	}
	return out, nil
}

func (r *whisperRecognizer) ModelID() string { return r.modelPath }

func (r *whisperRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}
