package speech

import (
	"context"
	"errors"
	"log/slog"

	"github.com/youkpan/gemini-assistant/internal/metrics"
)

// Synthesizer speaks text. Delivery is fire-and-forget from the caller's
// point of view; the error is for logging only.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// Func adapts a function to Synthesizer.
type Func func(ctx context.Context, text string) error

// Speak calls f.
func (f Func) Speak(ctx context.Context, text string) error { return f(ctx, text) }

// Output is a named synthesizer, the name labels metrics and logs.
type Output struct {
	Name  string
	Synth Synthesizer
}

// Multi fans a reply out to several outputs. Every output is attempted; the
// errors are joined.
type Multi struct {
	outputs []Output
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti creates a fan-out over outputs. Nil synthesizers are dropped.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, outputs ...Output) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]Output, 0, len(outputs))
	for _, o := range outputs {
		if o.Synth != nil {
			kept = append(kept, o)
		}
	}
	return &Multi{outputs: kept, metrics: m, logger: logger}
}

// Speak hands text to every output in order.
func (m *Multi) Speak(ctx context.Context, text string) error {
	var errs []error
	for _, o := range m.outputs {
		if err := o.Synth.Speak(ctx, text); err != nil {
			m.logger.Warn("Speech output failed",
				slog.String("output", o.Name),
				slog.String("error", err.Error()),
			)
			m.metrics.RecordSpeechOutput(o.Name, "error")
			errs = append(errs, err)
			continue
		}
		m.metrics.RecordSpeechOutput(o.Name, "ok")
	}
	return errors.Join(errs...)
}

// Len returns the number of outputs.
func (m *Multi) Len() int {
	return len(m.outputs)
}
