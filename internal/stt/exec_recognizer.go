package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattn/go-shellwords"

	"github.com/quietlabs/murmur/internal/audio"
	"github.com/quietlabs/murmur/internal/config"
)

// execRecognizer shells out to an external transcription command. The
// utterance is written to a temporary WAV, the command is invoked with
// --audio/--model/--language flags, and a JSON object is read from stdout.
type execRecognizer struct {
	cmd       []string
	modelPath string
	log       *slog.Logger
}

type execResponse struct {
	Text                string    `json:"text"`
	Confidence          float64   `json:"confidence"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Segments            []Segment `json:"segments"`
}

func newExecRecognizer(cfg config.ModelConfig, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{
		cmd:       args,
		modelPath: cfg.ModelPath,
		log:       log.With(slog.String("component", "stt-exec")),
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []float32, params Params) (*Output, error) {
	file, err := os.CreateTemp(os.TempDir(), "murmur_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	path := file.Name()
	file.Close()
	defer os.Remove(path)

	if err := audio.WriteWav(path, samples, 16000); err != nil {
		return nil, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if params.Language != "" {
		cmdArgs = append(cmdArgs, "--language", params.Language)
	}
	if params.Translate {
		cmdArgs = append(cmdArgs, "--translate")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}

	segments := resp.Segments
	if segments == nil {
		segments = []Segment{}
	}
	out := &Output{
		Segments:            segments,
		Language:            resp.Language,
		LanguageProbability: resp.LanguageProbability,
		Confidence:          resp.Confidence,
	}
	if out.Language == "" {
		out.Language = params.Language
	}
	if resp.Text != "" && len(segments) == 0 {
		// Commands that report only flat text still yield their words.
		out.Segments = []Segment{{Text: resp.Text, Tokens: []int{}, Temperature: params.Temperature}}
	}
	return out, nil
}

func (r *execRecognizer) ModelID() string {
	if r.modelPath != "" {
		return r.modelPath
	}
	return filepath.Base(r.cmd[0])
}

func (r *execRecognizer) Close() error { return nil }
