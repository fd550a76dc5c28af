package gemini

import (
	"fmt"
	"math"

	"github.com/youkpan/gemini-assistant/internal/audio"
)

// FramePolicy decides which captured frames accompany a request.
type FramePolicy struct {
	// OneShotLimit keeps the most recent frames for single requests.
	OneShotLimit int
	// SampleFrom is the frame count at which continuation requests switch
	// to sampling at SamplePoints.
	SampleFrom int
	// SamplePoints are fractional positions into the window.
	SamplePoints []float64
	// EdgesAbove is the frame count above which continuation requests keep
	// only the first and last frame.
	EdgesAbove int
}

// DefaultFramePolicy returns the stock selection.
func DefaultFramePolicy() FramePolicy {
	return FramePolicy{
		OneShotLimit: 12,
		SampleFrom:   10,
		SamplePoints: []float64{0.2, 0.5, 0.8},
		EdgesAbove:   2,
	}
}

// Validate checks the policy.
func (p FramePolicy) Validate() error {
	if p.OneShotLimit < 0 {
		return fmt.Errorf("one-shot frame limit cannot be negative, got %d", p.OneShotLimit)
	}
	if p.SampleFrom < 1 {
		return fmt.Errorf("sample threshold must be at least 1, got %d", p.SampleFrom)
	}
	for _, pt := range p.SamplePoints {
		if pt < 0 || pt >= 1 {
			return fmt.Errorf("sample point %v outside [0, 1)", pt)
		}
	}
	if p.EdgesAbove < 0 {
		return fmt.Errorf("edge threshold cannot be negative, got %d", p.EdgesAbove)
	}
	return nil
}

// OneShot returns the trailing OneShotLimit frames.
func (p FramePolicy) OneShot(frames []audio.FrameRecord) []audio.FrameRecord {
	if len(frames) > p.OneShotLimit {
		return frames[len(frames)-p.OneShotLimit:]
	}
	return frames
}

// Continuation picks a handful of representative frames for a chat turn.
func (p FramePolicy) Continuation(frames []audio.FrameRecord) []audio.FrameRecord {
	n := len(frames)
	switch {
	case n >= p.SampleFrom && len(p.SamplePoints) > 0:
		out := make([]audio.FrameRecord, 0, len(p.SamplePoints))
		for _, pt := range p.SamplePoints {
			out = append(out, frames[int(math.Floor(float64(n)*pt))])
		}
		return out
	case n > p.EdgesAbove && n > 1:
		return []audio.FrameRecord{frames[0], frames[n-1]}
	default:
		return frames
	}
}
