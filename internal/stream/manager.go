package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/youkpan/gemini-assistant/internal/dispatch"
	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/speech"
	"github.com/youkpan/gemini-assistant/internal/vad"
)

// DefaultCleanupInterval is how often idle sessions are looked for.
const DefaultCleanupInterval = 30 * time.Second

// RequesterFactory builds the requester for a new session. Requesters may
// carry per-session conversation state.
type RequesterFactory func() dispatch.Requester

// SpeakerFactory returns an extra speech output for a session, or nil.
type SpeakerFactory func(sessionID string) speech.Synthesizer

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session SessionConfig
	// Timeout removes sessions idle for longer than this. Zero disables it.
	Timeout         time.Duration
	CleanupInterval time.Duration
	NewRequester    RequesterFactory
	// Speaker adds an output next to the browser peer, e.g. an MQTT device.
	Speaker SpeakerFactory
}

// Manager manages all active recording sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig

	vadOptions []vad.Option

	// Lifetime of every session
	ctx    context.Context
	cancel context.CancelFunc

	created   uint64
	destroyed uint64
}

// ManagerStats represents aggregate session statistics
type ManagerStats struct {
	ActiveSessions int    `json:"active_sessions"`
	Created        uint64 `json:"sessions_created"`
	Destroyed      uint64 `json:"sessions_destroyed"`
	BusySessions   int    `json:"busy_sessions"`
	HeldUtterances int    `json:"held_utterances"`
}

// NewManager creates a session manager. The cleanup loop runs in Run.
func NewManager(logger *slog.Logger, m *metrics.Metrics, config ManagerConfig, opts ...vad.Option) (*Manager, error) {
	if config.NewRequester == nil {
		return nil, errors.New("requester factory cannot be nil")
	}
	if err := config.Session.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("session timeout cannot be negative, got %v", config.Timeout)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		sessions:   make(map[string]*Session),
		logger:     logger,
		metrics:    m,
		config:     config,
		vadOptions: opts,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// CreateSession registers a new session for a connected peer.
func (m *Manager) CreateSession(remoteAddr string, peer Peer) (*Session, error) {
	id := uuid.NewString()

	outputs := []speech.Output{}
	if peer != nil {
		outputs = append(outputs, speech.Output{Name: "websocket", Synth: peer})
	}
	if m.config.Speaker != nil {
		if extra := m.config.Speaker(id); extra != nil {
			outputs = append(outputs, speech.Output{Name: "mqtt", Synth: extra})
		}
	}
	var synth dispatch.Synthesizer
	if len(outputs) > 0 {
		synth = speech.NewMulti(m.metrics, m.logger, outputs...)
	}

	session, err := newSession(m.ctx, id, remoteAddr, m.config.Session, m.config.NewRequester(),
		peer, synth, m.metrics, m.logger, m.vadOptions...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.created++
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionCreated()
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Created new session",
		slog.String("session_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Bool("auto_mode", m.config.Session.AutoMode),
		slog.Int("active_sessions", count),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession removes a session and waits for its pending dispatch
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		m.destroyed++
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.Close()

	info := session.GetSessionInfo()
	m.metrics.RecordSessionDestroyed(info.Duration.Seconds())
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("utterances", info.Utterances),
		slog.Uint64("dispatched", info.Dispatcher.Sent),
		slog.Uint64("failed", info.Dispatcher.Failed),
	)

	return true
}

// GetStats returns aggregate session statistics
func (m *Manager) GetStats() ManagerStats {
	sessions := m.GetAllSessions()

	m.mu.RLock()
	stats := ManagerStats{
		ActiveSessions: len(sessions),
		Created:        m.created,
		Destroyed:      m.destroyed,
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.Busy() {
			stats.BusySessions++
		}
		if s.Held() {
			stats.HeldUtterances++
		}
	}
	return stats
}

// Run removes idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return nil
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.cleanupExpiredSessions(time.Now())
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions(now time.Time) int {
	if m.config.Timeout <= 0 {
		return 0
	}

	expired := make([]string, 0)
	for _, session := range m.GetAllSessions() {
		if now.Sub(session.LastActivity()) > m.config.Timeout {
			expired = append(expired, session.ID)
		}
	}

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expired)),
		)
		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
	return len(expired)
}

// Stop closes every session and cancels pending dispatches
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	for _, session := range m.GetAllSessions() {
		m.RemoveSession(session.ID)
	}

	stats := m.GetStats()
	m.logger.Info("Session manager stopped",
		slog.Uint64("sessions_created", stats.Created),
		slog.Uint64("sessions_destroyed", stats.Destroyed),
	)
}
