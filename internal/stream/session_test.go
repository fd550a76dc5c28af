package stream

import (
	"context"
	"encoding/base64"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/youkpan/gemini-assistant/internal/audio"
	"github.com/youkpan/gemini-assistant/internal/dispatch"
	"github.com/youkpan/gemini-assistant/internal/speech"
	"github.com/youkpan/gemini-assistant/internal/vad"
)

const frameSamples = 1024

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRequester struct {
	mu       sync.Mutex
	requests []dispatch.Request
	resets   int
	reply    string
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeRequester) Generate(ctx context.Context, req dispatch.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, nil
}

func (f *fakeRequester) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func (f *fakeRequester) snapshot() []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakePeer struct {
	mu        sync.Mutex
	statuses  []string
	responses []string
	spoken    []string
}

func (p *fakePeer) SetStatus(text string, loading bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, text)
}

func (p *fakePeer) SetResponse(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, text)
}

func (p *fakePeer) Speak(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spoken = append(p.spoken, text)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Dispatch.MinPayloadChars = 100
	cfg.Dispatch.RequireVisual = false
	return cfg
}

func newTestSession(t *testing.T, cfg SessionConfig, req dispatch.Requester, peer Peer, clock *fakeClock) *Session {
	t.Helper()
	var synth dispatch.Synthesizer
	if peer != nil {
		synth = peer
	}
	s, err := newSession(context.Background(), "test-session", "127.0.0.1:1234", cfg, req, peer, synth, nil,
		testLogger(), vad.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("newSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func constantFrame(value float32) audio.Frame {
	samples := make([]float32, frameSamples)
	for i := range samples {
		samples[i] = value
	}
	return audio.Frame{Samples: samples, SampleRate: audio.TargetSampleRate, Channels: 1}
}

func push(t *testing.T, s *Session, f audio.Frame) {
	t.Helper()
	if err := s.PushAudio(f); err != nil {
		t.Fatalf("PushAudio failed: %v", err)
	}
}

// utter pushes three loud frames and four quiet frames one second apart,
// which finalizes exactly on the last quiet frame.
func utter(t *testing.T, s *Session, clock *fakeClock) {
	t.Helper()
	for i := 0; i < 3; i++ {
		push(t, s, constantFrame(0.5))
	}
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		push(t, s, constantFrame(0))
	}
}

func wavSamples(t *testing.T, req dispatch.Request) int {
	t.Helper()
	wav, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		t.Fatalf("Audio payload is not base64: %v", err)
	}
	header, samples, err := audio.ReadWAV(wav)
	if err != nil {
		t.Fatalf("Audio payload is not a WAV file: %v", err)
	}
	if header.SampleRate != audio.TargetSampleRate {
		t.Errorf("Expected WAV rate %d, got %d", audio.TargetSampleRate, header.SampleRate)
	}
	return len(samples)
}

func TestAutoModeDispatchesUtterance(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{reply: "a cat"}
	peer := &fakePeer{}
	s := newTestSession(t, testSessionConfig(), req, peer, clock)

	// Background noise before the speech is dropped at speech start.
	for i := 0; i < 5; i++ {
		push(t, s, constantFrame(0.01))
	}
	for i := 0; i < 5; i++ {
		if !s.PushFrame(audio.FrameRecord{MimeType: "image/jpeg", Data: "aGk="}) {
			t.Fatal("Expected frame to be accepted in auto mode")
		}
	}

	for i := 0; i < 3; i++ {
		push(t, s, constantFrame(0.5))
	}
	if s.State() != vad.StateSpeechDetected {
		t.Fatalf("Expected speech_detected, got %s", s.State())
	}
	// Two onset chunks survive plus the third loud frame.
	if samples, frames := s.Buffered(); samples != 3*frameSamples || frames != 3 {
		t.Fatalf("Expected %d samples and 3 frames after speech start, got %d and %d", 3*frameSamples, samples, frames)
	}

	s.PushFrame(audio.FrameRecord{MimeType: "image/jpeg", Data: "aGk="})

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		push(t, s, constantFrame(0))
	}
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}
	if got := wavSamples(t, requests[0]); got != 6*frameSamples {
		t.Errorf("Expected %d samples in utterance, got %d", 6*frameSamples, got)
	}
	if len(requests[0].Frames) != 4 {
		t.Errorf("Expected 4 frames in request, got %d", len(requests[0].Frames))
	}
	if requests[0].AudioMime != dispatch.AudioMimeType {
		t.Errorf("Expected mime %s, got %s", dispatch.AudioMimeType, requests[0].AudioMime)
	}

	// The finalizing frame starts the next accumulation.
	if samples, frames := s.Buffered(); samples != frameSamples || frames != 3 {
		t.Errorf("Expected %d samples and 3 frames after dispatch, got %d and %d", frameSamples, samples, frames)
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.spoken) != 1 || peer.spoken[0] != "a cat" {
		t.Errorf("Expected reply spoken once, got %v", peer.spoken)
	}
	if len(peer.responses) != 1 || peer.responses[0] != "a cat" {
		t.Errorf("Expected reply shown once, got %v", peer.responses)
	}
}

func TestAutoModeHoldsUtteranceWhileBusy(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{
		reply:   "ok",
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)

	utter(t, s, clock)
	<-req.entered
	if !s.Busy() {
		t.Fatal("Expected dispatcher to be busy")
	}

	utter(t, s, clock)
	if !s.Held() {
		t.Fatal("Expected second utterance to be held")
	}
	if s.State() != vad.StateIdle {
		t.Errorf("Expected endpointer idle after deferred finalize, got %s", s.State())
	}

	info := s.GetSessionInfo()
	if info.Utterances != 2 || info.Deferred != 1 {
		t.Errorf("Expected 2 utterances with 1 deferred, got %d and %d", info.Utterances, info.Deferred)
	}
	if info.Dispatcher.Rejected != 1 {
		t.Errorf("Expected 1 busy rejection, got %d", info.Dispatcher.Rejected)
	}

	close(req.release)
	<-req.entered
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(requests))
	}
	if got := wavSamples(t, requests[0]); got != 6*frameSamples {
		t.Errorf("Expected %d samples in first utterance, got %d", 6*frameSamples, got)
	}
	// Second utterance plus the frame that finalized it, none dropped.
	if got := wavSamples(t, requests[1]); got != 7*frameSamples {
		t.Errorf("Expected %d samples in held utterance, got %d", 7*frameSamples, got)
	}
	if s.Held() {
		t.Error("Expected held flag cleared after cascade")
	}
	if samples, _ := s.Buffered(); samples != 0 {
		t.Errorf("Expected empty buffer after cascade, got %d", samples)
	}
}

func TestManualModeListenCycle(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{reply: "it is a mug"}
	peer := &fakePeer{}
	s := newTestSession(t, testSessionConfig(), req, peer, clock)

	s.SetMode(false)

	push(t, s, constantFrame(0.2))
	if s.PushFrame(audio.FrameRecord{Data: "aGk="}) {
		t.Error("Expected frame rejected while not listening")
	}
	if samples, _ := s.Buffered(); samples != 0 {
		t.Errorf("Expected audio ignored while not listening, got %d samples", samples)
	}

	if err := s.SetListening(true, ""); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		push(t, s, constantFrame(0.5))
	}
	s.PushFrame(audio.FrameRecord{MimeType: "image/jpeg", Data: "aGk="})
	s.PushFrame(audio.FrameRecord{MimeType: "image/jpeg", Data: "aGV5"})

	if s.State() != vad.StateIdle {
		t.Errorf("Expected endpointer unused in manual mode, got %s", s.State())
	}

	if err := s.SetListening(false, "what is this"); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(requests))
	}
	if requests[0].Text != "what is this" {
		t.Errorf("Expected prompt text, got %q", requests[0].Text)
	}
	if len(requests[0].Frames) != 2 {
		t.Errorf("Expected 2 frames, got %d", len(requests[0].Frames))
	}
	if got := wavSamples(t, requests[0]); got != 8*frameSamples {
		t.Errorf("Expected %d samples, got %d", 8*frameSamples, got)
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.statuses) == 0 || peer.statuses[0] != ListeningMessage {
		t.Errorf("Expected %q status first, got %v", ListeningMessage, peer.statuses)
	}
}

func TestManualModeListenClearsPreviousCapture(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)
	s.SetMode(false)

	if err := s.SetListening(true, ""); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	push(t, s, constantFrame(0.5))
	s.PushFrame(audio.FrameRecord{Data: "aGk="})

	// Toggling on again is a no-op; a fresh start needs a stop first.
	if err := s.SetListening(true, ""); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	if samples, frames := s.Buffered(); samples != frameSamples || frames != 1 {
		t.Errorf("Expected capture kept, got %d samples and %d frames", samples, frames)
	}

	s.Reset()
	if err := s.SetListening(true, ""); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	if samples, frames := s.Buffered(); samples != 0 || frames != 0 {
		t.Errorf("Expected empty capture, got %d samples and %d frames", samples, frames)
	}
}

// recordingLevel decodes a request's audio and returns its mean level as a
// fraction of full scale.
func recordingLevel(t *testing.T, req dispatch.Request) float64 {
	t.Helper()
	wav, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		t.Fatalf("Audio payload is not base64: %v", err)
	}
	_, pcm, err := audio.ReadWAV(wav)
	if err != nil {
		t.Fatalf("Audio payload is not a WAV file: %v", err)
	}
	if len(pcm) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range pcm {
		sum += float64(v)
	}
	return sum / float64(len(pcm)) / 32768
}

func record(t *testing.T, s *Session, level float32, frames int, text string) {
	t.Helper()
	if err := s.SetListening(true, ""); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	for i := 0; i < frames; i++ {
		push(t, s, constantFrame(level))
	}
	if text != "" {
		if err := s.SetListening(false, text); err != nil {
			t.Fatalf("SetListening failed: %v", err)
		}
	}
}

func TestManualRecordingQueuedWhileBusy(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{
		reply:   "ok",
		entered: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)
	s.SetMode(false)

	record(t, s, 0.1, 4, "one")
	<-req.entered

	// Stopped while the first request is in flight.
	record(t, s, 0.2, 4, "two")
	if !s.Held() {
		t.Fatal("Expected second recording to wait for the dispatcher")
	}
	if info := s.GetSessionInfo(); info.Queued != 1 || info.Deferred != 1 {
		t.Errorf("Expected 1 queued and 1 deferred, got %d and %d", info.Queued, info.Deferred)
	}

	// A third recording opens before the queue drains.
	record(t, s, 0.3, 4, "")
	close(req.release)
	<-req.entered

	for i := 0; i < 4; i++ {
		push(t, s, constantFrame(0.3))
	}
	if err := s.SetListening(false, "three"); err != nil {
		t.Fatalf("SetListening failed: %v", err)
	}
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(requests))
	}

	tests := []struct {
		text    string
		level   float64
		samples int
	}{
		{"one", 0.1, 4 * frameSamples},
		{"two", 0.2, 4 * frameSamples},
		{"three", 0.3, 8 * frameSamples},
	}
	for i, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := requests[i]
			if got.Text != tt.text {
				t.Errorf("Expected prompt %q, got %q", tt.text, got.Text)
			}
			if n := wavSamples(t, got); n != tt.samples {
				t.Errorf("Expected %d samples, got %d", tt.samples, n)
			}
			if level := recordingLevel(t, got); math.Abs(level-tt.level) > 0.001 {
				t.Errorf("Expected level %.1f, got %.4f", tt.level, level)
			}
		})
	}

	if s.Held() {
		t.Error("Expected nothing waiting after the queue drained")
	}
}

func TestModeSwitchQueuesHeldUtterance(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{
		reply:   "ok",
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)

	utter(t, s, clock)
	<-req.entered
	utter(t, s, clock)
	if !s.Held() {
		t.Fatal("Expected second utterance to be held")
	}

	s.SetMode(false)
	if samples, _ := s.Buffered(); samples != 0 {
		t.Errorf("Expected empty accumulation after mode switch, got %d", samples)
	}
	if info := s.GetSessionInfo(); info.Held || info.Queued != 1 {
		t.Errorf("Expected held utterance moved to the queue, got held=%v queued=%d", info.Held, info.Queued)
	}

	close(req.release)
	<-req.entered
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(requests))
	}
	if got := wavSamples(t, requests[1]); got != 7*frameSamples {
		t.Errorf("Expected %d samples in held utterance, got %d", 7*frameSamples, got)
	}
}

func TestResetDropsQueuedRecording(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)
	s.SetMode(false)

	record(t, s, 0.1, 4, "one")
	<-req.entered
	record(t, s, 0.2, 4, "two")

	s.Reset()
	if s.Held() {
		t.Error("Expected reset to drop the queued recording")
	}

	close(req.release)
	s.Wait()

	if n := len(req.snapshot()); n != 1 {
		t.Errorf("Expected 1 request, got %d", n)
	}
}

func TestListenRejectedInAutoMode(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), &fakeRequester{}, nil, newFakeClock())
	if err := s.SetListening(true, ""); err == nil {
		t.Error("Expected error toggling listen in auto mode")
	}
}

func TestShortUtteranceIsSkipped(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{}
	cfg := testSessionConfig()
	cfg.Dispatch.MinPayloadChars = dispatch.DefaultMinPayloadChars
	s := newTestSession(t, cfg, req, nil, clock)

	utter(t, s, clock)
	s.Wait()

	if n := len(req.snapshot()); n != 0 {
		t.Errorf("Expected no request for a short utterance, got %d", n)
	}
	if info := s.GetSessionInfo(); info.Dispatcher.Skipped != 1 {
		t.Errorf("Expected 1 skipped dispatch, got %d", info.Dispatcher.Skipped)
	}
	if s.Busy() {
		t.Error("Expected busy cleared after skip")
	}
}

func TestContinuationFlagIsForwarded(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)

	s.SetContinuation(true)
	utter(t, s, clock)
	s.Wait()

	requests := req.snapshot()
	if len(requests) != 1 || !requests[0].Continuation {
		t.Errorf("Expected one continuation request, got %+v", requests)
	}
}

func TestResetClearsSessionState(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{}
	s := newTestSession(t, testSessionConfig(), req, nil, clock)

	push(t, s, constantFrame(0.5))
	push(t, s, constantFrame(0.5))
	s.PushFrame(audio.FrameRecord{Data: "aGk="})

	s.Reset()

	if samples, frames := s.Buffered(); samples != 0 || frames != 0 {
		t.Errorf("Expected empty capture, got %d samples and %d frames", samples, frames)
	}
	if s.endpointer.LoudFrames() != 0 {
		t.Errorf("Expected debounce counter reset, got %d", s.endpointer.LoudFrames())
	}
	if req.resets != 1 {
		t.Errorf("Expected conversation reset, got %d resets", req.resets)
	}
}

func TestPushAudioValidation(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), &fakeRequester{}, nil, newFakeClock())

	tests := []struct {
		name  string
		frame audio.Frame
	}{
		{"stereo", audio.Frame{Samples: []float32{0}, SampleRate: 16000, Channels: 2}},
		{"no rate", audio.Frame{Samples: []float32{0}, SampleRate: 0, Channels: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.PushAudio(tt.frame); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}

	s.Close()
	if err := s.PushAudio(constantFrame(0)); err == nil {
		t.Error("Expected error after close")
	}
}

func TestPushAudioResamples(t *testing.T) {
	s := newTestSession(t, testSessionConfig(), &fakeRequester{}, nil, newFakeClock())

	push(t, s, audio.Frame{Samples: make([]float32, 4800), SampleRate: 48000, Channels: 1})
	if samples, _ := s.Buffered(); samples != 1600 {
		t.Errorf("Expected 1600 resampled samples, got %d", samples)
	}
}

func TestCloseCancelsPendingDispatch(t *testing.T) {
	clock := newFakeClock()
	req := &fakeRequester{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	peer := &fakePeer{}
	s := newTestSession(t, testSessionConfig(), req, peer, clock)

	utter(t, s, clock)
	<-req.entered

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	if s.Busy() {
		t.Error("Expected busy cleared after close")
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.responses) != 1 || peer.responses[0] != dispatch.DefaultFallbackMessage {
		t.Errorf("Expected fallback reply after cancel, got %v", peer.responses)
	}
}

func TestSessionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SessionConfig)
		wantErr bool
	}{
		{"defaults", func(*SessionConfig) {}, false},
		{"bad vad", func(c *SessionConfig) { c.VAD.DebounceFrames = 0 }, true},
		{"negative buffer", func(c *SessionConfig) { c.MaxBuffer = -time.Second }, true},
		{"no frame limit", func(c *SessionConfig) { c.FrameLimit = 0 }, true},
		{"retain above limit", func(c *SessionConfig) { c.RetainFrames = 200 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

var _ speech.Synthesizer = (*fakePeer)(nil)
