package audio

import (
	"sync"
	"time"
)

// SessionBuffer accumulates resampled samples for the utterance currently
// being captured. Drain hands the accumulation over exactly once.
type SessionBuffer struct {
	sampleRate int
	maxSamples int // 0 disables the cap

	samples []float32

	// Statistics
	totalAppended uint64
	totalDrained  uint64
	dropped       uint64
	drains        uint64
	lastUpdate    time.Time

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SampleRate      int     `json:"sample_rate"`
	BufferedSamples int     `json:"buffered_samples"`
	BufferedSecs    float64 `json:"buffered_seconds"`
	TotalAppended   uint64  `json:"total_appended_samples"`
	TotalDrained    uint64  `json:"total_drained_samples"`
	Dropped         uint64  `json:"dropped_samples"`
	Drains          uint64  `json:"drains"`
}

// NewSessionBuffer creates a buffer for samples at sampleRate. A positive
// maxDuration caps the accumulation; the oldest samples are dropped first.
func NewSessionBuffer(sampleRate int, maxDuration time.Duration) *SessionBuffer {
	maxSamples := 0
	if maxDuration > 0 {
		maxSamples = int(maxDuration.Seconds() * float64(sampleRate))
	}

	return &SessionBuffer{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		samples:    make([]float32, 0, sampleRate*4), // 4 seconds up front
		lastUpdate: time.Now(),
	}
}

// Append concatenates chunk onto the accumulation.
func (b *SessionBuffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, chunk...)
	b.totalAppended += uint64(len(chunk))
	b.lastUpdate = time.Now()

	if b.maxSamples > 0 && len(b.samples) > b.maxSamples {
		excess := len(b.samples) - b.maxSamples
		copy(b.samples, b.samples[excess:])
		b.samples = b.samples[:b.maxSamples]
		b.dropped += uint64(excess)
	}
}

// Drain returns everything accumulated so far and leaves the buffer empty.
// The returned slice is owned by the caller.
func (b *SessionBuffer) Drain() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.samples
	b.samples = make([]float32, 0, cap(out))
	b.totalDrained += uint64(len(out))
	b.drains++

	return out
}

// Reset discards the accumulation without handing it out.
func (b *SessionBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = b.samples[:0]
}

// Retain keeps only the n most recent samples. Dropped samples count as
// neither drained nor overflowed.
func (b *SessionBuffer) Retain(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if len(b.samples) <= n {
		return
	}
	excess := len(b.samples) - n
	copy(b.samples, b.samples[excess:])
	b.samples = b.samples[:n]
}

// Len returns the number of buffered samples.
func (b *SessionBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Duration returns the buffered audio length.
func (b *SessionBuffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.durationLocked()
}

func (b *SessionBuffer) durationLocked() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.samples)) / float64(b.sampleRate) * float64(time.Second))
}

// SampleRate returns the rate of the buffered samples.
func (b *SessionBuffer) SampleRate() int {
	return b.sampleRate
}

// GetLastUpdate returns the time of the last append
func (b *SessionBuffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *SessionBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		SampleRate:      b.sampleRate,
		BufferedSamples: len(b.samples),
		BufferedSecs:    b.durationLocked().Seconds(),
		TotalAppended:   b.totalAppended,
		TotalDrained:    b.totalDrained,
		Dropped:         b.dropped,
		Drains:          b.drains,
	}
}

// FrameRecord is one captured camera or screen frame, base64 encoded.
type FrameRecord struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FrameWindow is a rolling window of captured frames, newest last.
type FrameWindow struct {
	limit  int
	frames []FrameRecord

	pushed  uint64
	evicted uint64

	mu sync.RWMutex
}

// NewFrameWindow creates a window that never holds more than limit frames.
// A limit below 1 is treated as 1.
func NewFrameWindow(limit int) *FrameWindow {
	if limit < 1 {
		limit = 1
	}
	return &FrameWindow{
		limit:  limit,
		frames: make([]FrameRecord, 0, limit),
	}
}

// Push appends rec and evicts the oldest frames beyond the window limit.
func (w *FrameWindow) Push(rec FrameRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.frames = append(w.frames, rec)
	w.pushed++
	w.retainLocked(w.limit)
}

// Retain keeps only the n most recent frames.
func (w *FrameWindow) Retain(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retainLocked(n)
}

func (w *FrameWindow) retainLocked(n int) {
	if n < 0 {
		n = 0
	}
	if len(w.frames) <= n {
		return
	}

	excess := len(w.frames) - n
	copy(w.frames, w.frames[excess:])
	clear(w.frames[n:])
	w.frames = w.frames[:n]
	w.evicted += uint64(excess)
}

// Snapshot returns a copy of the current window.
func (w *FrameWindow) Snapshot() []FrameRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]FrameRecord, len(w.frames))
	copy(out, w.frames)
	return out
}

// Clear empties the window.
func (w *FrameWindow) Clear() {
	w.Retain(0)
}

// Len returns the number of frames held.
func (w *FrameWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.frames)
}

// Limit returns the window bound.
func (w *FrameWindow) Limit() int {
	return w.limit
}

// Evicted returns how many frames have been pruned over the window's lifetime.
func (w *FrameWindow) Evicted() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.evicted
}
