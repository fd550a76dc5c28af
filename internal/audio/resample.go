package audio

import "math"

// TargetSampleRate is the rate every session buffer accumulates at.
const TargetSampleRate = 16000

// Frame is one block of mono float PCM as delivered by the capture device.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// Resample converts samples captured at rate to targetRate.
//
// Rates at or below the target are passed through unchanged; no upsampling is
// performed. Above the target the input is decimated with a box sum: every
// output sample is the input sample sitting on the output boundary plus the
// sum of the input samples skipped since the previous boundary. This is not
// an anti-aliased resample and the summed values are not normalised.
func Resample(samples []float32, rate, targetRate int) []float32 {
	if rate <= targetRate || targetRate <= 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(rate) / float64(targetRate)
	outLen := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, outLen)

	var (
		next float64
		diff float32
		idx  int
	)
	for i, s := range samples {
		if float64(i) < next {
			diff += s
			continue
		}
		if idx >= outLen {
			break
		}
		out[idx] = s + diff
		idx++
		next = float64(idx) * ratio
		diff = 0
	}

	return out
}

// Energy returns the mean absolute amplitude of samples scaled to the
// signed 16-bit range.
func Energy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum * 32768 / float64(len(samples))
}
