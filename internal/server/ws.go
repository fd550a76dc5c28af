package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/protocol"
	"github.com/youkpan/gemini-assistant/internal/stream"
)

// WSConfig contains WebSocket endpoint configuration
type WSConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64 // 0 means unlimited
	WriteTimeout    time.Duration
	PingInterval    time.Duration // 0 disables keepalive pings
	MaxSessions     int
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

// WSServer accepts browser connections and feeds their audio and control
// messages into one session per connection.
type WSServer struct {
	config    WSConfig
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	streamMgr *stream.Manager
	metrics   *metrics.Metrics

	conns map[*peer]struct{}
	wg    sync.WaitGroup

	// Counters
	connections     uint64
	rejected        uint64
	audioPackets    uint64
	controlMessages uint64
	parseErrors     uint64
	mu              sync.RWMutex
}

// WSStats represents WebSocket endpoint statistics
type WSStats struct {
	ActiveConnections int    `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	Rejected          uint64 `json:"rejected_connections"`
	AudioPackets      uint64 `json:"audio_packets"`
	ControlMessages   uint64 `json:"control_messages"`
	ParseErrors       uint64 `json:"parse_errors"`
}

// NewWSServer creates the WebSocket endpoint
func NewWSServer(cfg WSConfig, logger *slog.Logger, streamMgr *stream.Manager, m *metrics.Metrics) *WSServer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &WSServer{
		config:    cfg,
		logger:    logger,
		streamMgr: streamMgr,
		metrics:   m,
		conns:     make(map[*peer]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxSessions > 0 && s.streamMgr.GetActiveSessionCount() >= s.config.MaxSessions {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("Failed to upgrade connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	p := &peer{conn: conn, writeTimeout: s.config.WriteTimeout, logger: s.logger}

	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.connections++
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, p)
		s.mu.Unlock()
		p.close()
		s.wg.Done()
	}()

	session, err := s.streamMgr.CreateSession(conn.RemoteAddr().String(), p)
	if err != nil {
		s.logger.Error("Failed to create session",
			slog.String("remote_addr", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		_ = p.send(protocol.Error("failed to create session"))
		return
	}
	defer s.streamMgr.RemoveSession(session.ID)

	p.logger = s.logger.With(slog.String("session_id", session.ID))
	if err := p.send(protocol.Session(session.ID)); err != nil {
		p.logger.Warn("Failed to send session greeting", slog.String("error", err.Error()))
		return
	}

	s.serve(r.Context(), p, session)
}

// serve is the read loop: the only goroutine that touches the session's
// capture state for this connection, so messages apply in arrival order.
func (s *WSServer) serve(ctx context.Context, p *peer, session *stream.Session) {
	conn := p.conn
	if s.config.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.config.MaxMessageBytes)
	}

	if s.config.PingInterval > 0 {
		deadline := 2 * s.config.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})

		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go p.pingLoop(pingCtx, s.config.PingInterval)
	}

	// An idle session removed by the manager takes its connection with it.
	go func() {
		select {
		case <-session.Done():
			p.close()
		case <-ctx.Done():
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn("Connection closed unexpectedly", slog.String("error", err.Error()))
			} else {
				p.logger.Debug("Connection closed", slog.String("reason", err.Error()))
			}
			return
		}

		if s.config.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * s.config.PingInterval))
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(p, session, data)
		case websocket.TextMessage:
			s.handleControl(p, session, data)
		}
	}
}

func (s *WSServer) handleAudio(p *peer, session *stream.Session, data []byte) {
	s.mu.Lock()
	s.audioPackets++
	s.mu.Unlock()

	frame, err := protocol.ParseAudioPacket(data)
	if err == nil {
		err = session.PushAudio(frame)
	}
	if err != nil {
		s.recordParseError()
		p.logger.Warn("Dropping audio packet",
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *WSServer) handleControl(p *peer, session *stream.Session, data []byte) {
	s.mu.Lock()
	s.controlMessages++
	s.mu.Unlock()

	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.recordParseError()
		p.logger.Warn("Invalid control message", slog.String("error", err.Error()))
		_ = p.send(protocol.Error(err.Error()))
		return
	}

	switch msg.Type {
	case protocol.TypeMode:
		session.SetMode(msg.Auto)

	case protocol.TypeListen:
		if err := session.SetListening(msg.Active, msg.Text); err != nil {
			_ = p.send(protocol.Error(err.Error()))
		}

	case protocol.TypeContinuation:
		session.SetContinuation(msg.Enabled)

	case protocol.TypeFrame:
		rec, err := msg.Frame()
		if err != nil {
			s.recordParseError()
			p.logger.Warn("Dropping video frame", slog.String("error", err.Error()))
			_ = p.send(protocol.Error(err.Error()))
			return
		}
		session.PushFrame(rec)

	case protocol.TypeReset:
		session.Reset()
	}
}

func (s *WSServer) recordParseError() {
	s.mu.Lock()
	s.parseErrors++
	s.mu.Unlock()
	s.metrics.RecordParseError()
}

// Close closes every open connection and waits for their sessions to end
func (s *WSServer) Close() {
	s.mu.RLock()
	for p := range s.conns {
		p.close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
}

// GetStatistics returns current endpoint statistics
func (s *WSServer) GetStatistics() WSStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return WSStats{
		ActiveConnections: len(s.conns),
		TotalConnections:  s.connections,
		Rejected:          s.rejected,
		AudioPackets:      s.audioPackets,
		ControlMessages:   s.controlMessages,
		ParseErrors:       s.parseErrors,
	}
}

// peer is the browser end of one connection. gorilla/websocket allows one
// concurrent writer, so every write goes through mu.
type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
}

func (p *peer) send(msg protocol.ServerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

// SetStatus implements dispatch.Indicator.
func (p *peer) SetStatus(text string, loading bool) {
	if err := p.send(protocol.Status(text, loading)); err != nil {
		p.logger.Debug("Failed to send status", slog.String("error", err.Error()))
	}
}

// SetResponse implements dispatch.Indicator.
func (p *peer) SetResponse(text string) {
	if err := p.send(protocol.Response(text)); err != nil {
		p.logger.Debug("Failed to send response", slog.String("error", err.Error()))
	}
}

// Speak asks the browser to read text aloud.
func (p *peer) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.send(protocol.Speak(text)); err != nil {
		return fmt.Errorf("failed to send speak message: %w", err)
	}
	return nil
}

func (p *peer) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
			p.mu.Unlock()
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					p.logger.Debug("Ping failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		p.mu.Unlock()
		_ = p.conn.Close()
	})
}
