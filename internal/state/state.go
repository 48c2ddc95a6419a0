package state

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/quietlabs/murmur/internal/config"
)

// MetricsSnapshot is the payload returned by get_metrics. CPU usage is
// system-wide; memory is the daemon's resident set.
type MetricsSnapshot struct {
	TranscriptionsCount uint64  `json:"transcriptions_count"`
	ProcessedSamples    uint64  `json:"processed_samples"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	AvgRTF              float64 `json:"avg_rtf"`
	CPUUsage            float64 `json:"cpu_usage"`
	MemoryUsageMB       float64 `json:"memory_usage_mb"`
	QueueOverflow       uint64  `json:"queue_overflow"`
	ModelErrors         uint64  `json:"model_errors"`
	DiscardedShort      uint64  `json:"discarded_short"`
	PausedDiscards      uint64  `json:"paused_discards"`
	SendFailures        uint64  `json:"send_failures"`
	UptimeS             uint64  `json:"uptime_s"`
}

// ExternalCounters are owned by other components (pipeline, IPC server)
// and folded into the snapshot at read time.
type ExternalCounters struct {
	ProcessedSamples uint64
	QueueOverflow    uint64
	DiscardedShort   uint64
	SendFailures     uint64
}

// Runtime holds the authoritative configuration snapshot and the metrics
// the worker writes. Counters are single-writer; averages sit behind a
// small mutex. Config mutations go through the per-sub-record setters so
// a partial set_config applies atomically per record.
type Runtime struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	startedAt time.Time

	avgMu          sync.Mutex
	transcriptions uint64
	avgLatencyMS   float64
	avgRTF         float64

	countMu        sync.Mutex
	modelErrors    uint64
	pausedDiscards uint64

	proc *process.Process
}

func New(cfg config.Config) *Runtime {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Runtime{
		cfg:       cfg,
		startedAt: time.Now(),
		proc:      proc,
	}
}

// Config returns a consistent snapshot of the full configuration.
func (r *Runtime) Config() config.Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// SetModelConfig replaces the model sub-record.
func (r *Runtime) SetModelConfig(cfg config.ModelConfig) {
	r.cfgMu.Lock()
	r.cfg.Model = cfg
	r.cfgMu.Unlock()
}

// SetVADConfig replaces the vad sub-record.
func (r *Runtime) SetVADConfig(cfg config.VADConfig) {
	r.cfgMu.Lock()
	r.cfg.VAD = cfg
	r.cfgMu.Unlock()
}

// SetAudioConfig replaces the audio sub-record.
func (r *Runtime) SetAudioConfig(cfg config.AudioConfig) {
	r.cfgMu.Lock()
	r.cfg.Audio = cfg
	r.cfgMu.Unlock()
}

// SetLanguage updates only the stored model language.
func (r *Runtime) SetLanguage(language string) {
	r.cfgMu.Lock()
	r.cfg.Model.Language = language
	r.cfgMu.Unlock()
}

// SetModelPath updates only the stored model path.
func (r *Runtime) SetModelPath(path string) {
	r.cfgMu.Lock()
	r.cfg.Model.ModelPath = path
	r.cfgMu.Unlock()
}

// SetVADSensitivity updates only speech_start_threshold.
func (r *Runtime) SetVADSensitivity(sensitivity float64) {
	r.cfgMu.Lock()
	r.cfg.VAD.SpeechStartThreshold = sensitivity
	r.cfgMu.Unlock()
}

// UptimeS reports whole seconds since construction.
func (r *Runtime) UptimeS() uint64 {
	return uint64(time.Since(r.startedAt) / time.Second)
}

// RecordTranscription folds one result into the running averages.
func (r *Runtime) RecordTranscription(processingMS, audioMS uint64) {
	r.avgMu.Lock()
	defer r.avgMu.Unlock()
	r.transcriptions++
	n := float64(r.transcriptions)
	r.avgLatencyMS = (r.avgLatencyMS*(n-1) + float64(processingMS)) / n
	if audioMS > 0 {
		rtf := float64(processingMS) / float64(audioMS)
		r.avgRTF = (r.avgRTF*(n-1) + rtf) / n
	}
}

// RecordModelError counts a failed inference.
func (r *Runtime) RecordModelError() {
	r.countMu.Lock()
	r.modelErrors++
	r.countMu.Unlock()
}

// RecordPausedDiscard counts an utterance dropped while paused.
func (r *Runtime) RecordPausedDiscard() {
	r.countMu.Lock()
	r.pausedDiscards++
	r.countMu.Unlock()
}

// Snapshot assembles the metrics payload, sampling CPU and memory.
func (r *Runtime) Snapshot(ext ExternalCounters) MetricsSnapshot {
	r.avgMu.Lock()
	transcriptions := r.transcriptions
	avgLatency := r.avgLatencyMS
	avgRTF := r.avgRTF
	r.avgMu.Unlock()

	r.countMu.Lock()
	modelErrors := r.modelErrors
	pausedDiscards := r.pausedDiscards
	r.countMu.Unlock()

	snap := MetricsSnapshot{
		TranscriptionsCount: transcriptions,
		ProcessedSamples:    ext.ProcessedSamples,
		AvgLatencyMS:        avgLatency,
		AvgRTF:              avgRTF,
		QueueOverflow:       ext.QueueOverflow,
		ModelErrors:         modelErrors,
		DiscardedShort:      ext.DiscardedShort,
		PausedDiscards:      pausedDiscards,
		SendFailures:        ext.SendFailures,
		UptimeS:             r.UptimeS(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUUsage = percents[0]
	}
	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryUsageMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	return snap
}
