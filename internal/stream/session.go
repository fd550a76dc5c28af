package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/youkpan/gemini-assistant/internal/audio"
	"github.com/youkpan/gemini-assistant/internal/dispatch"
	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/vad"
)

// ListeningMessage is shown while a manual recording is open.
const ListeningMessage = "Listening. . ."

// Peer is the browser end of a session: it shows status and replies and
// speaks replies aloud.
type Peer interface {
	dispatch.Indicator
	dispatch.Synthesizer
}

// resetter is implemented by requesters that keep conversation state.
type resetter interface {
	Reset()
}

// Session is one recording session: the endpointer, the sample accumulation
// and the frame window of a single browser connection, plus the dispatcher
// that forwards its utterances.
//
// Audio and control messages are applied in arrival order under one mutex.
// Dispatches run on their own goroutine.
type Session struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	config     SessionConfig
	endpointer *vad.Endpointer
	buffer     *audio.SessionBuffer
	frames     *audio.FrameWindow
	dispatcher *dispatch.Dispatcher
	requester  dispatch.Requester
	peer       Peer

	// Capture state
	auto         bool
	listening    bool
	continuation bool
	held         bool                 // auto utterance finalized while busy, still accumulating
	heldText     string               // prompt text of the held utterance
	queued       []dispatch.Utterance // closed recordings waiting for the dispatcher
	onset        []int                // lengths of the most recent resampled chunks

	lastActivity time.Time

	// Statistics
	audioFrames   uint64
	videoFrames   uint64
	rejectedFrame uint64
	utterances    uint64
	deferred      uint64

	// Processing control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	metrics *metrics.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

// SessionConfig holds the per-session pipeline settings.
type SessionConfig struct {
	VAD      vad.Config
	Dispatch dispatch.Config
	// MaxBuffer caps the sample accumulation. Zero disables the cap.
	MaxBuffer time.Duration
	// FrameLimit bounds the rolling frame window during accumulation.
	FrameLimit int
	// RetainFrames is how many frames survive an utterance boundary.
	RetainFrames int
	// AutoMode starts the session in hands-free mode.
	AutoMode bool
}

// DefaultSessionConfig returns the stock session settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		VAD:          vad.DefaultConfig(),
		Dispatch:     dispatch.DefaultConfig(),
		MaxBuffer:    2 * time.Minute,
		FrameLimit:   120,
		RetainFrames: 3,
		AutoMode:     true,
	}
}

// Validate checks the session settings.
func (c SessionConfig) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("invalid vad config: %w", err)
	}
	if c.MaxBuffer < 0 {
		return fmt.Errorf("max buffer cannot be negative, got %v", c.MaxBuffer)
	}
	if c.FrameLimit < 1 {
		return fmt.Errorf("frame limit must be at least 1, got %d", c.FrameLimit)
	}
	if c.RetainFrames < 0 || c.RetainFrames > c.FrameLimit {
		return fmt.Errorf("retain frames must be between 0 and %d, got %d", c.FrameLimit, c.RetainFrames)
	}
	return nil
}

func newSession(parent context.Context, id, remoteAddr string, cfg SessionConfig, requester dispatch.Requester, peer Peer, synth dispatch.Synthesizer, m *metrics.Metrics, logger *slog.Logger, opts ...vad.Option) (*Session, error) {
	logger = logger.With(slog.String("session_id", id))

	dopts := []dispatch.Option{dispatch.WithMetrics(m), dispatch.WithLogger(logger)}
	if peer != nil {
		dopts = append(dopts, dispatch.WithIndicator(peer))
	}
	if synth != nil {
		dopts = append(dopts, dispatch.WithSynthesizer(synth))
	}
	dispatcher, err := dispatch.New(cfg.Dispatch, requester, dopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	now := time.Now()
	s := &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		config:       cfg,
		buffer:       audio.NewSessionBuffer(audio.TargetSampleRate, cfg.MaxBuffer),
		frames:       audio.NewFrameWindow(cfg.FrameLimit),
		dispatcher:   dispatcher,
		requester:    requester,
		peer:         peer,
		auto:         cfg.AutoMode,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      m,
		logger:       logger,
	}

	// The sink runs inside PushAudio, which already holds s.mu.
	endpointer, err := vad.NewEndpointer(cfg.VAD, vad.SinkFunc(s.utteranceCompleteLocked), opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create endpointer: %w", err)
	}
	s.endpointer = endpointer

	return s, nil
}

// PushAudio feeds one captured audio frame. The endpointer sees the raw
// frame before the resampled samples are appended, so a finalizing frame
// already belongs to the next utterance.
func (s *Session) PushAudio(frame audio.Frame) error {
	if frame.Channels != 1 {
		return fmt.Errorf("unsupported channel count: %d", frame.Channels)
	}
	if frame.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", frame.SampleRate)
	}

	resampled := audio.Resample(frame.Samples, frame.SampleRate, audio.TargetSampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}

	s.lastActivity = time.Now()
	s.audioFrames++
	s.metrics.RecordAudioFrame()

	if s.auto {
		res := s.endpointer.Process(frame.Samples)
		if res.SpeechStarted {
			s.speechStartedLocked()
		}
	} else if !s.listening {
		return nil
	}

	s.buffer.Append(resampled)
	s.rememberOnsetLocked(len(resampled))
	return nil
}

// rememberOnsetLocked tracks the chunks that may hold the debounce frames of
// the next speech start.
func (s *Session) rememberOnsetLocked(n int) {
	keep := s.config.VAD.DebounceFrames - 1
	if keep <= 0 {
		return
	}
	s.onset = append(s.onset, n)
	if len(s.onset) > keep {
		s.onset = s.onset[len(s.onset)-keep:]
	}
}

// speechStartedLocked starts a new utterance. Audio before the debounce
// frames and all but the most recent frames are discarded, unless an
// utterance is being held for the busy dispatcher.
func (s *Session) speechStartedLocked() {
	s.metrics.RecordSpeechStart()

	if s.held {
		s.logger.Debug("Speech started while an utterance is held, keeping buffer")
		return
	}

	onset := 0
	for _, n := range s.onset {
		onset += n
	}
	s.buffer.Retain(onset)
	s.frames.Retain(s.config.RetainFrames)

	s.logger.Debug("Speech started",
		slog.Int("onset_samples", onset),
		slog.Int("frames", s.frames.Len()),
	)
}

// utteranceCompleteLocked is the endpointer sink.
func (s *Session) utteranceCompleteLocked(u vad.Utterance) {
	s.utterances++
	deferred := !s.dispatchLocked("")
	if deferred {
		s.deferred++
	}
	s.metrics.RecordUtterance(u.Duration.Seconds(), deferred)

	s.logger.Info("Utterance finalized",
		slog.Duration("duration", u.Duration),
		slog.Bool("deferred", deferred),
	)
}

// dispatchLocked hands the accumulation to the dispatcher and reports
// whether it was sent right away.
//
// When a dispatch is already in flight, an auto-mode utterance is held: nothing
// is drained and it goes out as soon as the flag clears, together with
// whatever arrives meanwhile. A push-to-talk recording is closed by the
// toggle alone, so it is drained now and queued as is.
func (s *Session) dispatchLocked(text string) bool {
	if s.closed {
		return false
	}
	if !s.dispatcher.Begin() {
		if s.auto {
			s.held = true
			if text != "" {
				s.heldText = text
			}
		} else {
			s.queued = append(s.queued, s.takeLocked(text))
		}
		return false
	}

	if s.held && text == "" {
		text = s.heldText
	}
	s.held = false
	s.heldText = ""

	// Queued recordings are older than the accumulation and go first.
	s.queued = append(s.queued, s.takeLocked(text))
	s.startLocked()
	return true
}

// takeLocked drains the accumulation into an utterance.
func (s *Session) takeLocked(text string) dispatch.Utterance {
	u := dispatch.Utterance{
		Samples:      s.buffer.Drain(),
		SampleRate:   s.buffer.SampleRate(),
		Text:         text,
		Frames:       s.frames.Snapshot(),
		Continuation: s.continuation,
	}
	s.frames.Retain(s.config.RetainFrames)
	s.onset = s.onset[:0]
	return u
}

// startLocked sends the oldest queued utterance. The caller owns the busy
// flag.
func (s *Session) startLocked() {
	u := s.queued[0]
	s.queued = s.queued[1:]

	s.wg.Add(1)
	go s.run(u)
}

func (s *Session) run(u dispatch.Utterance) {
	defer s.wg.Done()

	res := s.dispatcher.Run(s.ctx, u)
	s.logger.Debug("Dispatch finished",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("payload_chars", res.PayloadChars),
		slog.Int("frames", res.Frames),
		slog.Duration("duration", res.Duration),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return
	}
	switch {
	case len(s.queued) > 0:
		// A failed Begin means another dispatch started first; its run
		// picks the queue up when it finishes.
		if s.dispatcher.Begin() {
			s.logger.Info("Sending queued recording", slog.Int("remaining", len(s.queued)-1))
			s.startLocked()
		}
	case s.held:
		s.logger.Info("Sending held utterance")
		s.dispatchLocked("")
	}
}

// PushFrame adds one captured camera or screen frame. Frames are kept only
// while listening in manual mode or at any time in auto mode.
func (s *Session) PushFrame(rec audio.FrameRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	if s.closed || !(s.auto || s.listening) {
		s.rejectedFrame++
		return false
	}

	s.frames.Push(rec)
	s.videoFrames++
	s.metrics.RecordVideoFrame()
	return true
}

// SetMode switches between hands-free and push-to-talk capture. Both
// directions start from an empty accumulation. A held utterance is closed
// and queued first, so it is still sent.
func (s *Session) SetMode(auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	if s.auto == auto {
		return
	}
	if s.held {
		s.queued = append(s.queued, s.takeLocked(s.heldText))
		s.held = false
		s.heldText = ""
	}
	s.auto = auto
	s.listening = false
	s.endpointer.Reset()
	s.buffer.Reset()
	s.onset = s.onset[:0]

	s.logger.Info("Capture mode changed", slog.Bool("auto", auto))
}

// SetListening opens or closes a push-to-talk recording. Opening clears the
// accumulation and the frame window; closing dispatches what was captured
// with text as the prompt, or queues it behind a dispatch in flight. It is
// rejected in auto mode.
func (s *Session) SetListening(active bool, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	if s.auto {
		return fmt.Errorf("listen toggle is not available in auto mode")
	}
	if s.listening == active {
		return nil
	}
	s.listening = active

	if active {
		s.buffer.Reset()
		s.frames.Clear()
		s.onset = s.onset[:0]
		if s.peer != nil {
			s.peer.SetStatus(ListeningMessage, false)
		}
		s.logger.Debug("Listening started")
		return nil
	}

	s.utterances++
	sent := s.dispatchLocked(text)
	if !sent {
		s.deferred++
	}
	s.logger.Info("Listening stopped", slog.Bool("deferred", !sent))
	return nil
}

// SetContinuation toggles multi-turn conversation mode for later dispatches.
func (s *Session) SetContinuation(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	s.continuation = enabled
}

// Reset discards the accumulation, the frame window, any held utterance and
// the conversation history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	s.endpointer.Reset()
	s.buffer.Reset()
	s.frames.Clear()
	s.onset = s.onset[:0]
	s.held = false
	s.heldText = ""
	s.queued = nil
	s.listening = false
	if r, ok := s.requester.(resetter); ok {
		r.Reset()
	}

	s.logger.Info("Session reset")
}

// Close cancels a pending dispatch and waits for it to return.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.held = false
	s.queued = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every dispatch started so far has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// LastActivity returns the time of the last message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the endpointer state.
func (s *Session) State() vad.State {
	return s.endpointer.State()
}

// Busy reports whether a dispatch is in flight.
func (s *Session) Busy() bool {
	return s.dispatcher.Busy()
}

// Held reports whether a finalized utterance is waiting for the dispatcher.
func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held || len(s.queued) > 0
}

// Buffered returns the accumulated sample count and frame count.
func (s *Session) Buffered() (samples, frames int) {
	return s.buffer.Len(), s.frames.Len()
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	RemoteAddr   string        `json:"remote_addr"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	AutoMode     bool `json:"auto_mode"`
	Listening    bool `json:"listening"`
	Continuation bool `json:"continuation"`
	Held         bool `json:"held"`
	Queued       int  `json:"queued"`

	AudioFrames    uint64 `json:"audio_frames"`
	VideoFrames    uint64 `json:"video_frames"`
	RejectedFrames uint64 `json:"rejected_frames"`
	Utterances     uint64 `json:"utterances"`
	Deferred       uint64 `json:"deferred"`
	FramesHeld     int    `json:"frames_held"`

	Endpointer vad.Stats         `json:"endpointer"`
	Buffer     audio.BufferStats `json:"buffer"`
	Dispatcher dispatch.Stats    `json:"dispatcher"`
}

// GetSessionInfo returns session information including pipeline stats
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		SessionID:      s.ID,
		RemoteAddr:     s.RemoteAddr,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		AutoMode:       s.auto,
		Listening:      s.listening,
		Continuation:   s.continuation,
		Held:           s.held,
		Queued:         len(s.queued),
		AudioFrames:    s.audioFrames,
		VideoFrames:    s.videoFrames,
		RejectedFrames: s.rejectedFrame,
		Utterances:     s.utterances,
		Deferred:       s.deferred,
	}
	s.mu.Unlock()

	info.FramesHeld = s.frames.Len()
	info.Endpointer = s.endpointer.GetStats()
	info.Buffer = s.buffer.GetStats()
	info.Dispatcher = s.dispatcher.GetStats()
	return info
}
