package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Dumper writes emitted utterances to WAV files for diagnostics. It runs
// off the audio thread (the pipeline hands it already-copied buffers).
type Dumper struct {
	dir string
	log *slog.Logger
}

func NewDumper(dir string, log *slog.Logger) (*Dumper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump dir: %w", err)
	}
	return &Dumper{dir: dir, log: log}, nil
}

// Dump writes samples as a 16-bit mono WAV named by the current time.
func (d *Dumper) Dump(samples []float32, sampleRate int) {
	name := fmt.Sprintf("utterance-%s.wav", time.Now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(d.dir, name)
	if err := writeWav(path, samples, sampleRate); err != nil {
		d.log.Warn("utterance dump failed", slog.String("error", err.Error()))
		return
	}
	d.log.Debug("utterance dumped", slog.String("path", path))
}

// WriteWav encodes mono f32 samples as a 16-bit PCM WAV file.
func WriteWav(path string, samples []float32, sampleRate int) error {
	return writeWav(path, samples, sampleRate)
}

func writeWav(path string, samples []float32, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}}
	data := make([]int, len(samples))
	for i, s := range samples {
		v := int(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		data[i] = v
	}
	buffer.Data = data

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
