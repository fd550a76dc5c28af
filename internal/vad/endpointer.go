package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/youkpan/gemini-assistant/internal/audio"
)

// State is the position of the endpointer in the utterance lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpeechDetected
	StateTrailingSilence
	StateFinalized
)

// String returns the state name used in logs and stats.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeechDetected:
		return "speech_detected"
	case StateTrailingSilence:
		return "trailing_silence"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Default endpointing parameters.
const (
	DefaultEnergyThreshold = 1500
	DefaultDebounceFrames  = 3
	DefaultHangover        = 1500 * time.Millisecond
	DefaultMinUtterance    = 3000 * time.Millisecond
)

// Config holds the endpointing thresholds.
type Config struct {
	// EnergyThreshold is compared against the mean absolute amplitude of a
	// frame on the 16-bit scale.
	EnergyThreshold float64
	// DebounceFrames consecutive loud frames are needed to start an utterance.
	DebounceFrames int
	// Hangover is how long the signal must stay quiet after the last loud
	// frame before the utterance can end.
	Hangover time.Duration
	// MinUtterance is the shortest span from speech start to finalization.
	MinUtterance time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: DefaultEnergyThreshold,
		DebounceFrames:  DefaultDebounceFrames,
		Hangover:        DefaultHangover,
		MinUtterance:    DefaultMinUtterance,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.EnergyThreshold <= 0 {
		return fmt.Errorf("energy threshold must be positive, got %f", c.EnergyThreshold)
	}
	if c.DebounceFrames < 1 {
		return fmt.Errorf("debounce frames must be at least 1, got %d", c.DebounceFrames)
	}
	if c.Hangover < 0 {
		return fmt.Errorf("hangover cannot be negative, got %v", c.Hangover)
	}
	if c.MinUtterance < 0 {
		return fmt.Errorf("min utterance cannot be negative, got %v", c.MinUtterance)
	}
	return nil
}

// Utterance describes one finalized span of speech.
type Utterance struct {
	StartedAt  time.Time     `json:"started_at"`
	LastLoudAt time.Time     `json:"last_loud_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
}

// UtteranceSink receives finalized utterances. It is called synchronously
// from Process, after the endpointer has returned to idle.
type UtteranceSink interface {
	UtteranceComplete(u Utterance)
}

// SinkFunc adapts a function to UtteranceSink.
type SinkFunc func(u Utterance)

// UtteranceComplete calls f(u).
func (f SinkFunc) UtteranceComplete(u Utterance) { f(u) }

// Result is the outcome of feeding one frame.
type Result struct {
	State         State   `json:"state"`
	Energy        float64 `json:"energy"`
	Loud          bool    `json:"loud"`
	SpeechStarted bool    `json:"speech_started"`
	Finalized     bool    `json:"finalized"`
}

// Option configures an Endpointer.
type Option func(*Endpointer)

// WithClock replaces time.Now. Tests drive the hangover with it.
func WithClock(now func() time.Time) Option {
	return func(e *Endpointer) { e.now = now }
}

// Endpointer decides where utterances start and end in a continuous stream
// of frames.
type Endpointer struct {
	config Config
	sink   UtteranceSink
	now    func() time.Time

	// Endpoint state
	state       State
	loudFrames  int
	speechStart time.Time
	lastLoud    time.Time

	// Statistics
	totalFrames   uint64
	loudTotal     uint64
	speechStarts  uint64
	finalizations uint64
	lastEnergy    float64

	mu sync.Mutex
}

// Stats represents endpointer statistics
type Stats struct {
	State         string  `json:"state"`
	TotalFrames   uint64  `json:"total_frames"`
	LoudFrames    uint64  `json:"loud_frames"`
	SpeechStarts  uint64  `json:"speech_starts"`
	Finalizations uint64  `json:"finalizations"`
	LastEnergy    float64 `json:"last_energy"`
	Threshold     float64 `json:"threshold"`
}

// NewEndpointer creates an endpointer in the idle state. sink may be nil, in
// which case finalization is only visible through Result.
func NewEndpointer(cfg Config, sink UtteranceSink, opts ...Option) (*Endpointer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Endpointer{
		config: cfg,
		sink:   sink,
		now:    time.Now,
		state:  StateIdle,
	}
	for _, o := range opts {
		o(e)
	}

	return e, nil
}

// Process feeds one raw frame.
func (e *Endpointer) Process(samples []float32) Result {
	return e.ProcessEnergy(audio.Energy(samples))
}

// ProcessEnergy feeds the energy of one frame, as computed by audio.Energy.
func (e *Endpointer) ProcessEnergy(avg float64) Result {
	e.mu.Lock()

	now := e.now()
	threshold := e.config.EnergyThreshold
	res := Result{Energy: avg, Loud: avg > threshold}

	e.totalFrames++
	e.lastEnergy = avg
	if res.Loud {
		e.loudTotal++
	}

	var finished *Utterance

	switch e.state {
	case StateIdle:
		if avg > threshold {
			e.loudFrames++
			if e.loudFrames >= e.config.DebounceFrames {
				e.state = StateSpeechDetected
				e.speechStart = now
				e.lastLoud = now
				e.loudFrames = 0
				e.speechStarts++
				res.SpeechStarted = true
			}
		} else {
			e.loudFrames = 0
		}

	case StateSpeechDetected:
		if avg < threshold {
			e.state = StateTrailingSilence
			e.lastLoud = now
		}

	case StateTrailingSilence:
		if avg >= threshold {
			e.lastLoud = now
			break
		}
		if now.Sub(e.lastLoud) > e.config.Hangover && now.Sub(e.speechStart) > e.config.MinUtterance {
			e.state = StateFinalized
			e.finalizations++
			finished = &Utterance{
				StartedAt:  e.speechStart,
				LastLoudAt: e.lastLoud,
				EndedAt:    now,
				Duration:   now.Sub(e.speechStart),
			}
		}
	}

	if finished != nil {
		res.Finalized = true
		e.resetLocked()
	}
	res.State = e.state
	sink := e.sink

	e.mu.Unlock()

	if finished != nil && sink != nil {
		sink.UtteranceComplete(*finished)
	}

	return res
}

// Reset returns the endpointer to idle and clears all counters.
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Endpointer) resetLocked() {
	e.state = StateIdle
	e.loudFrames = 0
	e.speechStart = time.Time{}
	e.lastLoud = time.Time{}
}

// State returns the current state.
func (e *Endpointer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LoudFrames returns the current debounce counter.
func (e *Endpointer) LoudFrames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loudFrames
}

// GetStats returns current endpointer statistics
func (e *Endpointer) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		State:         e.state.String(),
		TotalFrames:   e.totalFrames,
		LoudFrames:    e.loudTotal,
		SpeechStarts:  e.speechStarts,
		Finalizations: e.finalizations,
		LastEnergy:    e.lastEnergy,
		Threshold:     e.config.EnergyThreshold,
	}
}
