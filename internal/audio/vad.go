package audio

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/quietlabs/murmur/internal/config"
)

// State is the voice activity detector state.
type State int

const (
	StateSilence State = iota
	StateSpeechMaybe
	StateSpeech
	StateSpeechEnding
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeechMaybe:
		return "speech_maybe"
	case StateSpeech:
		return "speech"
	case StateSpeechEnding:
		return "speech_ending"
	}
	return "unknown"
}

const (
	noiseHistorySize = 100

	// maxUtteranceMS bounds a single utterance so that a stuck-open state
	// (for example energy_threshold=0 passthrough) still flushes.
	maxUtteranceMS = 30_000
)

// VAD segments a continuous sample stream into utterances using RMS energy
// with an adaptive noise floor. All per-frame state is single-writer: only
// the audio callback may call Process. The noise history and pre-roll ring
// are preallocated in NewVAD; per frame, Process allocates only when the
// utterance buffer grows, and the pre-roll splice at promotion and the copy
// returned at emission each allocate once per utterance.
type VAD struct {
	cfg config.VADConfig

	state  State
	energy float64

	noiseFloor float64
	history    []float64
	historyIdx int
	scratch    []float64

	preRoll  []float32
	preIdx   int
	preCount int

	utterance []float32

	speechSamples  int
	silenceSamples int

	startSamples int // speech_start_ms in samples
	endSamples   int // speech_end_ms in samples
	minSamples   int // min_speech_ms in samples
	maxSamples   int

	discardedShort atomic.Uint64
}

func NewVAD(cfg config.VADConfig) *VAD {
	v := &VAD{
		history: make([]float64, noiseHistorySize),
		scratch: make([]float64, noiseHistorySize),
	}
	v.applyConfig(cfg)
	return v
}

func (v *VAD) applyConfig(cfg config.VADConfig) {
	v.cfg = cfg
	perMS := cfg.SampleRate / 1000
	v.startSamples = cfg.SpeechStartMS * perMS
	v.endSamples = cfg.SpeechEndMS * perMS
	v.minSamples = cfg.MinSpeechMS * perMS
	v.maxSamples = maxUtteranceMS * perMS

	preLen := cfg.PreSpeechBufferMS * perMS
	if cap(v.preRoll) < preLen {
		v.preRoll = make([]float32, preLen)
	} else {
		v.preRoll = v.preRoll[:preLen]
	}
	v.preIdx = 0
	v.preCount = 0

	v.noiseFloor = cfg.EnergyThreshold
	for i := range v.history {
		v.history[i] = cfg.EnergyThreshold
	}
	v.historyIdx = 0
}

// SetConfig replaces the detector configuration and reinitializes the
// adaptive tables and pre-roll sizing. Must be called from the same
// goroutine as Process (the pipeline defers it to a frame boundary).
func (v *VAD) SetConfig(cfg config.VADConfig) {
	v.applyConfig(cfg)
}

// Reset returns the detector to Silence and clears all accumulated state.
func (v *VAD) Reset() {
	v.state = StateSilence
	v.energy = 0
	v.speechSamples = 0
	v.silenceSamples = 0
	v.utterance = v.utterance[:0]
	v.preIdx = 0
	v.preCount = 0
	v.noiseFloor = v.cfg.EnergyThreshold
	for i := range v.history {
		v.history[i] = v.cfg.EnergyThreshold
	}
	v.historyIdx = 0
}

// Process consumes one frame of mono samples and advances the state
// machine. When a complete utterance ends it is returned; the returned
// slice is owned by the caller and the internal buffer is reset.
func (v *VAD) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return nil
	}

	v.energy = rms(frame)

	// Passthrough: a zero base threshold disables segmentation and the
	// max-utterance guard becomes the only flush point.
	passthrough := v.cfg.EnergyThreshold == 0

	if v.state == StateSilence && v.cfg.UseAdaptiveThreshold && !passthrough {
		v.updateNoiseFloor(v.energy)
	}

	v.pushPreRoll(frame)

	startThr := v.cfg.SpeechStartThreshold
	endThr := v.cfg.SpeechEndThreshold
	if v.cfg.UseAdaptiveThreshold {
		startThr = v.noiseFloor * v.cfg.SpeechStartThreshold
		endThr = v.noiseFloor * v.cfg.SpeechEndThreshold
	}

	above := v.energy > startThr || passthrough
	below := v.energy < endThr && !passthrough

	n := len(frame)
	switch v.state {
	case StateSilence:
		if above {
			v.state = StateSpeechMaybe
			v.speechSamples = n
			v.silenceSamples = 0
			v.utterance = append(v.utterance[:0], frame...)
		}

	case StateSpeechMaybe:
		if above {
			v.speechSamples += n
			v.utterance = append(v.utterance, frame...)
			if v.speechSamples >= v.startSamples {
				v.state = StateSpeech
				v.prependPreRoll()
			}
		} else {
			// False start.
			v.state = StateSilence
			v.speechSamples = 0
			v.utterance = v.utterance[:0]
		}

	case StateSpeech:
		v.utterance = append(v.utterance, frame...)
		if below {
			v.state = StateSpeechEnding
			v.silenceSamples = n
		} else {
			v.speechSamples += n
			if len(v.utterance) >= v.maxSamples {
				return v.emit()
			}
		}

	case StateSpeechEnding:
		v.utterance = append(v.utterance, frame...)
		if below {
			v.silenceSamples += n
			if v.silenceSamples >= v.endSamples {
				if v.speechSamples >= v.minSamples {
					return v.emit()
				}
				v.discardedShort.Add(1)
				v.state = StateSilence
				v.speechSamples = 0
				v.silenceSamples = 0
				v.utterance = v.utterance[:0]
			}
		} else {
			v.state = StateSpeech
			v.silenceSamples = 0
		}
	}

	return nil
}

func (v *VAD) emit() []float32 {
	out := make([]float32, len(v.utterance))
	copy(out, v.utterance)
	v.state = StateSilence
	v.speechSamples = 0
	v.silenceSamples = 0
	v.utterance = v.utterance[:0]
	return out
}

// State reports the current detector state.
func (v *VAD) State() State { return v.state }

// Energy reports the RMS energy of the most recent frame.
func (v *VAD) Energy() float64 { return v.energy }

// NoiseFloor reports the current adaptive noise floor.
func (v *VAD) NoiseFloor() float64 { return v.noiseFloor }

// PreRollLen reports how many samples the pre-roll ring currently holds.
func (v *VAD) PreRollLen() int { return v.preCount }

// DiscardedShort counts utterances dropped for being under min_speech_ms.
func (v *VAD) DiscardedShort() uint64 { return v.discardedShort.Load() }

func (v *VAD) pushPreRoll(frame []float32) {
	if len(v.preRoll) == 0 {
		return
	}
	for _, s := range frame {
		v.preRoll[v.preIdx] = s
		v.preIdx = (v.preIdx + 1) % len(v.preRoll)
		if v.preCount < len(v.preRoll) {
			v.preCount++
		}
	}
}

// prependPreRoll splices the pre-roll snapshot in front of the utterance at
// the SpeechMaybe -> Speech promotion so the first phoneme is not clipped.
func (v *VAD) prependPreRoll() {
	if v.preCount == 0 {
		return
	}
	joined := make([]float32, 0, v.preCount+len(v.utterance))
	if v.preCount < len(v.preRoll) {
		joined = append(joined, v.preRoll[:v.preCount]...)
	} else {
		joined = append(joined, v.preRoll[v.preIdx:]...)
		joined = append(joined, v.preRoll[:v.preIdx]...)
	}
	joined = append(joined, v.utterance...)
	v.utterance = joined
}

func (v *VAD) updateNoiseFloor(energy float64) {
	v.history[v.historyIdx] = energy
	v.historyIdx = (v.historyIdx + 1) % len(v.history)

	copy(v.scratch, v.history)
	sort.Float64s(v.scratch)
	p20 := v.scratch[len(v.scratch)/5]

	rate := v.cfg.NoiseFloorAdaptationRate
	v.noiseFloor = v.noiseFloor*(1-rate) + p20*rate

	if floor := v.cfg.EnergyThreshold * 0.5; v.noiseFloor < floor {
		v.noiseFloor = floor
	}
}

func rms(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
