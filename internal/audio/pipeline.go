package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quietlabs/murmur/internal/config"
)

// Pipeline wires the capture source through the VAD into the utterance
// queue. The frame callback is the only writer of VAD state; control-plane
// reconfiguration is staged through an atomic pointer and applied at the
// next frame boundary so the capture thread never takes a lock.
type Pipeline struct {
	log    *slog.Logger
	source Source
	vad    *VAD
	queue  *Queue
	dumper *Dumper

	sampleRate int

	mu       sync.Mutex
	audioCfg config.AudioConfig
	vadCfg   config.VADConfig
	started  bool

	pendingVAD atomic.Pointer[config.VADConfig]
	processed  atomic.Uint64
}

func NewPipeline(source Source, vadCfg config.VADConfig, queue *Queue, dumper *Dumper, log *slog.Logger) *Pipeline {
	return &Pipeline{
		log:        log.With(slog.String("component", "audio-pipeline")),
		source:     source,
		vad:        NewVAD(vadCfg),
		vadCfg:     vadCfg,
		sampleRate: vadCfg.SampleRate,
		queue:      queue,
		dumper:     dumper,
	}
}

func (p *Pipeline) Initialize(cfg config.AudioConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioCfg = cfg
	if err := p.source.Initialize(cfg, p.onFrame); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.source.Start(); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	if err := p.source.Stop(); err != nil {
		return err
	}
	p.started = false
	return nil
}

func (p *Pipeline) Close() error {
	_ = p.Stop()
	return p.source.Close()
}

// onFrame runs on the capture thread.
func (p *Pipeline) onFrame(samples []float32) {
	if pending := p.pendingVAD.Swap(nil); pending != nil {
		p.vad.SetConfig(*pending)
	}

	p.processed.Add(uint64(len(samples)))

	utterance := p.vad.Process(samples)
	if utterance == nil {
		return
	}
	if !p.queue.TryEnqueue(utterance) {
		p.log.Warn("utterance queue full, dropping utterance",
			slog.Int("samples", len(utterance)),
			slog.Uint64("overflow", p.queue.Overflow()))
		return
	}
	if p.dumper != nil {
		// The queue copied its own buffer; this one is ours to hand off.
		go p.dumper.Dump(utterance, p.sampleRate)
	}
}

// UpdateVAD stages a new detector configuration; the capture thread picks
// it up at the next frame boundary, resetting the adaptive tables.
func (p *Pipeline) UpdateVAD(cfg config.VADConfig) error {
	if err := config.ValidateVAD(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	p.vadCfg = cfg
	p.mu.Unlock()
	staged := cfg
	p.pendingVAD.Store(&staged)
	return nil
}

// SetStartThreshold adjusts only speech_start_threshold (the sensitivity
// knob exposed over IPC).
func (p *Pipeline) SetStartThreshold(sensitivity float64) error {
	p.mu.Lock()
	cfg := p.vadCfg
	p.mu.Unlock()
	cfg.SpeechStartThreshold = sensitivity
	return p.UpdateVAD(cfg)
}

// VADConfig returns the current detector configuration.
func (p *Pipeline) VADConfig() config.VADConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vadCfg
}

// ReconfigureAudio tears the device down and reopens it with the new
// capture settings. The VAD is reset so no utterance straddles devices.
func (p *Pipeline) ReconfigureAudio(cfg config.AudioConfig, newSource func() Source) error {
	if err := config.ValidateAudio(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	wasStarted := p.started
	p.mu.Unlock()

	if err := p.Stop(); err != nil {
		return err
	}
	if err := p.source.Close(); err != nil {
		p.log.Warn("closing capture source failed", slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.source = newSource()
	p.audioCfg = cfg
	p.vad.Reset()
	p.mu.Unlock()

	if err := p.source.Initialize(cfg, p.onFrame); err != nil {
		return fmt.Errorf("reopen capture device: %w", err)
	}
	if wasStarted {
		return p.Start()
	}
	return nil
}

func (p *Pipeline) Devices() ([]DeviceInfo, error) {
	return p.source.Devices()
}

// ProcessedSamples counts samples that have passed through the VAD.
func (p *Pipeline) ProcessedSamples() uint64 { return p.processed.Load() }

// DiscardedShort counts utterances dropped for being under min_speech_ms.
func (p *Pipeline) DiscardedShort() uint64 { return p.vad.DiscardedShort() }

// QueueOverflow counts utterances dropped because the queue was full.
func (p *Pipeline) QueueOverflow() uint64 { return p.queue.Overflow() }
