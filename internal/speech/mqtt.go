package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT speaker connection.
type MQTTConfig struct {
	Broker   string // host:port or a full URL
	ClientID string
	Username string
	Password string
	// Topic may contain {session}, replaced by the session ID.
	Topic          string
	QoS            byte
	Retained       bool
	PublishTimeout time.Duration
}

// SpeakMessage is the JSON body published for each reply.
type SpeakMessage struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the part of paho.Client the speaker uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTSpeaker publishes replies for an external text-to-speech device.
type MQTTSpeaker struct {
	config MQTTConfig
	client Publisher
	logger *slog.Logger
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
}

// MQTTStats represents speaker statistics
type MQTTStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// NewMQTTSpeaker creates a speaker over an existing publisher.
func NewMQTTSpeaker(client Publisher, cfg MQTTConfig, logger *slog.Logger) (*MQTTSpeaker, error) {
	if client == nil {
		return nil, errors.New("mqtt publisher cannot be nil")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic cannot be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MQTTSpeaker{
		config: cfg,
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// ForSession returns a synthesizer publishing on the session's topic.
func (s *MQTTSpeaker) ForSession(sessionID string) Synthesizer {
	return Func(func(ctx context.Context, text string) error {
		return s.Publish(ctx, sessionID, text)
	})
}

// Topic returns the topic used for sessionID.
func (s *MQTTSpeaker) Topic(sessionID string) string {
	return strings.ReplaceAll(s.config.Topic, "{session}", sessionID)
}

// Publish sends one reply and waits for the broker acknowledgement up to the
// publish timeout.
func (s *MQTTSpeaker) Publish(ctx context.Context, sessionID, text string) error {
	payload, err := json.Marshal(SpeakMessage{
		SessionID: sessionID,
		Text:      text,
		Timestamp: s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal speak message: %w", err)
	}

	topic := s.Topic(sessionID)
	token := s.client.Publish(topic, s.config.QoS, s.config.Retained, payload)

	timer := time.NewTimer(s.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		s.failed.Add(1)
		return fmt.Errorf("mqtt publish to %s timed out after %v", topic, s.config.PublishTimeout)
	case <-ctx.Done():
		s.failed.Add(1)
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}

	s.published.Add(1)
	s.logger.Debug("Published reply to MQTT",
		slog.String("topic", topic),
		slog.Int("text_chars", len(text)),
	)
	return nil
}

// GetStats returns current speaker statistics
func (s *MQTTSpeaker) GetStats() MQTTStats {
	return MQTTStats{
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
	}
}

// DialMQTT creates a paho client with auto-reconnect and starts connecting
// in the background. It never blocks on the broker; MQTTSpeaker bounds each
// publish with its own timeout instead.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) paho.Client {
	if logger == nil {
		logger = slog.Default()
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(true).
		SetMaxReconnectInterval(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT connected", slog.String("broker", broker))
	})

	client := paho.NewClient(opts)

	logger.Info("Connecting to MQTT broker", slog.String("broker", broker))
	// With ConnectRetry the token only completes once connected or the
	// client is disconnected, so it is not waited on here.
	client.Connect()

	return client
}
