package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/youkpan/gemini-assistant/internal/audio"
	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/observe"
)

// Defaults for Config.
const (
	DefaultMinPayloadChars = 50000
	DefaultTimeout         = 60 * time.Second
	DefaultFallbackMessage = "A small error occurred, please try again~"
	DefaultPendingMessage  = "The AI \u200b\u200bis replying. . ."
	AudioMimeType          = "audio/wav"
)

// Request is the bundle handed to the generative model for one utterance.
type Request struct {
	Text         string
	Frames       []audio.FrameRecord
	Audio        string // base64 WAV
	AudioMime    string
	Continuation bool
}

// Requester performs the generative call and returns the reply text.
type Requester interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Indicator is the UI surface the dispatcher updates around a request.
type Indicator interface {
	SetStatus(text string, loading bool)
	SetResponse(text string)
}

// Synthesizer speaks a reply. Results are not consumed.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// Utterance is what a session hands over at an utterance boundary.
type Utterance struct {
	Samples      []float32
	SampleRate   int
	Text         string
	Frames       []audio.FrameRecord
	Continuation bool
}

// Outcome classifies a dispatch.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSkipped
	OutcomeEmpty
	OutcomeBusy
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeEmpty:
		return "empty"
	case OutcomeBusy:
		return "busy"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Result describes a finished dispatch.
type Result struct {
	Outcome      Outcome       `json:"outcome"`
	Reply        string        `json:"reply,omitempty"`
	PayloadChars int           `json:"payload_chars"`
	Frames       int           `json:"frames"`
	Duration     time.Duration `json:"duration"`
}

// Config holds dispatcher settings.
type Config struct {
	// MinPayloadChars is the shortest base64 audio payload worth sending.
	MinPayloadChars int
	// Timeout bounds one generative call. Zero disables it.
	Timeout         time.Duration
	FallbackMessage string
	PendingMessage  string
	// RequireVisual skips requests with neither frames nor text.
	RequireVisual bool
}

// DefaultConfig returns the stock dispatcher settings.
func DefaultConfig() Config {
	return Config{
		MinPayloadChars: DefaultMinPayloadChars,
		Timeout:         DefaultTimeout,
		FallbackMessage: DefaultFallbackMessage,
		PendingMessage:  DefaultPendingMessage,
		RequireVisual:   true,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIndicator sets the status surface.
func WithIndicator(i Indicator) Option { return func(d *Dispatcher) { d.indicator = i } }

// WithSynthesizer sets the speech output.
func WithSynthesizer(s Synthesizer) Option { return func(d *Dispatcher) { d.synth = s } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// Dispatcher runs at most one request at a time.
type Dispatcher struct {
	config    Config
	requester Requester
	indicator Indicator
	synth     Synthesizer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	busy atomic.Bool

	// Statistics
	sent     uint64
	skipped  uint64
	rejected uint64
	failed   uint64
	last     Result

	mu sync.RWMutex
}

// Stats represents dispatcher statistics
type Stats struct {
	Busy     bool   `json:"busy"`
	Sent     uint64 `json:"sent"`
	Skipped  uint64 `json:"skipped"`
	Rejected uint64 `json:"rejected_busy"`
	Failed   uint64 `json:"failed"`
	Last     Result `json:"last"`
}

// New creates a dispatcher. Zero config fields take their defaults.
func New(cfg Config, requester Requester, opts ...Option) (*Dispatcher, error) {
	if requester == nil {
		return nil, errors.New("requester cannot be nil")
	}
	if cfg.MinPayloadChars < 0 {
		return nil, fmt.Errorf("min payload chars cannot be negative, got %d", cfg.MinPayloadChars)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative, got %v", cfg.Timeout)
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.PendingMessage == "" {
		cfg.PendingMessage = DefaultPendingMessage
	}

	d := &Dispatcher{
		config:    cfg,
		requester: requester,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}

	return d, nil
}

// Busy reports whether a dispatch is reserved or in flight.
func (d *Dispatcher) Busy() bool {
	return d.busy.Load()
}

// Begin reserves the dispatcher. It returns false when a dispatch is already
// pending. A successful Begin must be followed by exactly one Run.
func (d *Dispatcher) Begin() bool {
	if d.busy.CompareAndSwap(false, true) {
		return true
	}
	d.mu.Lock()
	d.rejected++
	d.mu.Unlock()
	d.metrics.RecordDispatch(OutcomeBusy.String())
	return false
}

// Dispatch reserves the dispatcher and runs u. It returns OutcomeBusy
// without doing anything when another dispatch is pending.
func (d *Dispatcher) Dispatch(ctx context.Context, u Utterance) Result {
	if !d.Begin() {
		return Result{Outcome: OutcomeBusy}
	}
	return d.Run(ctx, u)
}

// Run processes an utterance reserved by Begin. The busy flag is cleared on
// return whatever the outcome.
func (d *Dispatcher) Run(ctx context.Context, u Utterance) (res Result) {
	defer d.busy.Store(false)

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "dispatch.utterance",
		trace.WithAttributes(
			attribute.Int("audio.samples", len(u.Samples)),
			attribute.Int("frames", len(u.Frames)),
			attribute.Bool("continuation", u.Continuation),
		))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.String("outcome", res.Outcome.String()),
			attribute.Int("payload.chars", res.PayloadChars),
		)
		span.End()
		d.finish(res)
	}()

	logger := observe.Logger(ctx, d.logger)

	wav, err := audio.EncodeWAV(u.Samples, u.SampleRate, 16)
	if err != nil {
		// Only reachable with a bad sample rate; nothing useful to send.
		logger.Error("Failed to encode utterance", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		return Result{Outcome: OutcomeSkipped}
	}

	payload := base64.StdEncoding.EncodeToString(wav)
	res = Result{PayloadChars: len(payload), Frames: len(u.Frames)}

	if len(payload) < d.config.MinPayloadChars {
		logger.Debug("Utterance too short, not dispatching",
			slog.Int("payload_chars", len(payload)),
			slog.Int("min_payload_chars", d.config.MinPayloadChars),
		)
		res.Outcome = OutcomeSkipped
		return res
	}

	if d.config.RequireVisual && len(u.Frames) == 0 && u.Text == "" {
		logger.Debug("No frames or text captured, not dispatching")
		res.Outcome = OutcomeEmpty
		return res
	}

	d.status(d.config.PendingMessage, true)

	callCtx := ctx
	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	req := Request{
		Text:         u.Text,
		Frames:       u.Frames,
		Audio:        payload,
		AudioMime:    AudioMimeType,
		Continuation: u.Continuation,
	}

	callStart := time.Now()
	reply, err := d.requester.Generate(callCtx, req)
	d.metrics.RecordRequest(time.Since(callStart).Seconds(), len(payload), len(u.Frames))

	if err != nil {
		logger.Warn("Generative request failed, using fallback",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(callStart)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		reply = d.config.FallbackMessage
		res.Outcome = OutcomeFailed
	} else {
		logger.Info("Reply received",
			slog.Int("payload_chars", len(payload)),
			slog.Int("frames", len(u.Frames)),
			slog.Int("reply_chars", len(reply)),
			slog.Duration("elapsed", time.Since(callStart)),
		)
		res.Outcome = OutcomeSent
	}
	res.Reply = reply

	if d.indicator != nil {
		d.indicator.SetResponse(reply)
		d.indicator.SetStatus("", false)
	}
	if d.synth != nil {
		if err := d.synth.Speak(ctx, reply); err != nil {
			logger.Warn("Speech output failed", slog.String("error", err.Error()))
		}
	}

	return res
}

func (d *Dispatcher) status(text string, loading bool) {
	if d.indicator != nil {
		d.indicator.SetStatus(text, loading)
	}
}

func (d *Dispatcher) finish(res Result) {
	d.mu.Lock()
	switch res.Outcome {
	case OutcomeSent:
		d.sent++
	case OutcomeFailed:
		d.failed++
	default:
		d.skipped++
	}
	d.last = res
	d.mu.Unlock()

	d.metrics.RecordDispatch(res.Outcome.String())
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Stats{
		Busy:     d.busy.Load(),
		Sent:     d.sent,
		Skipped:  d.skipped,
		Rejected: d.rejected,
		Failed:   d.failed,
		Last:     d.last,
	}
}
