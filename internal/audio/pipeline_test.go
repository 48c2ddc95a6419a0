package audio

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quietlabs/murmur/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineEmitsToQueue(t *testing.T) {
	source := NewScriptedSource()
	queue := NewQueue(8)
	p := NewPipeline(source, testVADConfig(), queue, nil, discardLogger())

	if err := p.Initialize(config.Default().Audio); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 20; i++ {
		source.Push(frame(0.001))
	}
	for i := 0; i < 50; i++ {
		source.Push(frame(0.5))
	}
	for i := 0; i < 30; i++ {
		source.Push(frame(0.001))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	utt, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatal("no utterance reached the queue")
	}
	if len(utt) == 0 {
		t.Fatal("empty utterance")
	}
	if p.ProcessedSamples() != 100*320 {
		t.Fatalf("processed samples = %d, want %d", p.ProcessedSamples(), 100*320)
	}
}

func TestPipelineStopGatesFrames(t *testing.T) {
	source := NewScriptedSource()
	queue := NewQueue(8)
	p := NewPipeline(source, testVADConfig(), queue, nil, discardLogger())

	if err := p.Initialize(config.Default().Audio); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	source.Push(frame(0.5))
	if p.ProcessedSamples() != 0 {
		t.Fatal("frames delivered after stop")
	}
}

func TestPipelineVADUpdateAppliesAtFrameBoundary(t *testing.T) {
	source := NewScriptedSource()
	queue := NewQueue(8)
	p := NewPipeline(source, testVADConfig(), queue, nil, discardLogger())
	if err := p.Initialize(config.Default().Audio); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	cfg := testVADConfig()
	cfg.SpeechStartThreshold = 0.9 // above the 0.5 test amplitude
	if err := p.UpdateVAD(cfg); err != nil {
		t.Fatalf("update vad: %v", err)
	}

	// With the raised threshold nothing should segment.
	for i := 0; i < 100; i++ {
		source.Push(frame(0.5))
	}
	if queue.Len() != 0 {
		t.Fatal("utterance segmented despite raised threshold")
	}
	if got := p.VADConfig().SpeechStartThreshold; got != 0.9 {
		t.Fatalf("config snapshot not updated: %v", got)
	}
}

func TestPipelineRejectsInvalidVAD(t *testing.T) {
	source := NewScriptedSource()
	p := NewPipeline(source, testVADConfig(), NewQueue(1), nil, discardLogger())

	cfg := testVADConfig()
	cfg.SpeechStartThreshold = 0.01 // below end threshold
	if err := p.UpdateVAD(cfg); err == nil {
		t.Fatal("expected hysteresis validation error")
	}
}

func TestPipelineSetStartThreshold(t *testing.T) {
	source := NewScriptedSource()
	p := NewPipeline(source, testVADConfig(), NewQueue(1), nil, discardLogger())

	if err := p.SetStartThreshold(1.5); err != nil {
		t.Fatalf("set start threshold: %v", err)
	}
	if got := p.VADConfig().SpeechStartThreshold; got != 1.5 {
		t.Fatalf("sensitivity not applied: %v", got)
	}
	// Only the start threshold moved.
	if got := p.VADConfig().SpeechEndThreshold; got != testVADConfig().SpeechEndThreshold {
		t.Fatalf("end threshold changed: %v", got)
	}
}
