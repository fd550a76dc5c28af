package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvGeminiModel  = "GEMINI_MODEL"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Frames   FramesConfig   `yaml:"frames"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP and WebSocket listener configuration
type ServerConfig struct {
	Port            int      `yaml:"port"`
	Address         string   `yaml:"address"`
	MaxSessions     int      `yaml:"max_sessions"`
	SessionTimeout  int      `yaml:"session_timeout"` // seconds
	ReadBufferSize  int      `yaml:"read_buffer_size"`
	WriteBufferSize int      `yaml:"write_buffer_size"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	WriteTimeout    int      `yaml:"write_timeout"` // seconds
	PingInterval    int      `yaml:"ping_interval"` // seconds, 0 disables
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	MaxBufferSeconds float64 `yaml:"max_buffer_seconds"` // 0 disables the cap
	AutoMode         bool    `yaml:"auto_mode"`
}

// VADConfig contains the energy endpointing thresholds
type VADConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	DebounceFrames  int     `yaml:"debounce_frames"`
	HangoverMs      int     `yaml:"hangover_ms"`
	MinUtteranceMs  int     `yaml:"min_utterance_ms"`
}

// FramesConfig contains the video frame window and selection policy
type FramesConfig struct {
	WindowLimit  int       `yaml:"window_limit"`
	RetainFrames int       `yaml:"retain_frames"`
	OneShotLimit int       `yaml:"one_shot_limit"`
	SampleFrom   int       `yaml:"sample_from"`
	SamplePoints []float64 `yaml:"sample_points"`
	EdgesAbove   int       `yaml:"edges_above"`
}

// DispatchConfig contains utterance dispatch parameters
type DispatchConfig struct {
	MinPayloadChars int    `yaml:"min_payload_chars"`
	Timeout         int    `yaml:"timeout"` // seconds
	MaxRetries      int    `yaml:"max_retries"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms"`
	FallbackMessage string `yaml:"fallback_message"`
	PendingMessage  string `yaml:"pending_message"`
	AllowAudioOnly  bool   `yaml:"allow_audio_only"`
}

// GeminiConfig contains generative model configuration
type GeminiConfig struct {
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	Prompt          string `yaml:"prompt"` // empty uses the built-in prompt
	RefreshEvery    int    `yaml:"refresh_every"`
	ResetEvery      int    `yaml:"reset_every"`
}

// MQTTConfig contains the optional speaker device configuration
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Topic          string `yaml:"topic"`
	QoS            int    `yaml:"qos"`
	Retained       bool   `yaml:"retained"`
	PublishTimeout int    `yaml:"publish_timeout"` // seconds
}

// TracingConfig contains tracer provider configuration
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. Environment overrides are
// applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides file values with non-empty environment values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvGeminiAPIKey); v != "" {
		c.Gemini.APIKey = v
	}
	if v := getenv(EnvGeminiModel); v != "" {
		c.Gemini.Model = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Frames.Validate(); err != nil {
		return fmt.Errorf("frames config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if err := c.Gemini.Validate(); err != nil {
		return fmt.Errorf("gemini config: %w", err)
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	if s.ReadBufferSize < 0 || s.WriteBufferSize < 0 {
		return fmt.Errorf("buffer sizes cannot be negative")
	}

	// One 4096-sample audio packet is 16 KiB plus the header.
	if s.MaxMessageBytes != 0 && s.MaxMessageBytes < 16392 {
		return fmt.Errorf("max_message_bytes must be 0 or at least 16392, got %d", s.MaxMessageBytes)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.PingInterval < 0 {
		return fmt.Errorf("ping_interval cannot be negative, got %d", s.PingInterval)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.MaxBufferSeconds < 0 {
		return fmt.Errorf("max_buffer_seconds cannot be negative, got %f", a.MaxBufferSeconds)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EnergyThreshold <= 0 || v.EnergyThreshold > 32768 {
		return fmt.Errorf("energy_threshold must be in (0, 32768], got %f", v.EnergyThreshold)
	}

	if v.DebounceFrames < 1 {
		return fmt.Errorf("debounce_frames must be at least 1, got %d", v.DebounceFrames)
	}

	if v.HangoverMs < 0 {
		return fmt.Errorf("hangover_ms cannot be negative, got %d", v.HangoverMs)
	}

	if v.MinUtteranceMs < 0 {
		return fmt.Errorf("min_utterance_ms cannot be negative, got %d", v.MinUtteranceMs)
	}

	return nil
}

// Validate validates frame window configuration
func (f *FramesConfig) Validate() error {
	if f.WindowLimit < 1 {
		return fmt.Errorf("window_limit must be at least 1, got %d", f.WindowLimit)
	}

	if f.RetainFrames < 0 || f.RetainFrames > f.WindowLimit {
		return fmt.Errorf("retain_frames must be between 0 and window_limit (%d), got %d", f.WindowLimit, f.RetainFrames)
	}

	if f.OneShotLimit < 1 {
		return fmt.Errorf("one_shot_limit must be at least 1, got %d", f.OneShotLimit)
	}

	if f.SampleFrom < 1 {
		return fmt.Errorf("sample_from must be at least 1, got %d", f.SampleFrom)
	}

	for _, p := range f.SamplePoints {
		if p < 0 || p >= 1 {
			return fmt.Errorf("sample_points must be in [0, 1), got %f", p)
		}
	}

	if f.EdgesAbove < 0 {
		return fmt.Errorf("edges_above cannot be negative, got %d", f.EdgesAbove)
	}

	return nil
}

// Validate validates dispatch configuration
func (d *DispatchConfig) Validate() error {
	if d.MinPayloadChars < 0 {
		return fmt.Errorf("min_payload_chars cannot be negative, got %d", d.MinPayloadChars)
	}

	if d.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %d", d.Timeout)
	}

	if d.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", d.MaxRetries)
	}

	if d.RetryBackoffMs < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", d.RetryBackoffMs)
	}

	return nil
}

// Validate validates Gemini configuration
func (g *GeminiConfig) Validate() error {
	if g.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or %s)", EnvGeminiAPIKey)
	}

	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if g.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", g.MaxConcurrent)
	}

	if g.MaxOutputTokens < 1 {
		return fmt.Errorf("max_output_tokens must be at least 1, got %d", g.MaxOutputTokens)
	}

	if g.RefreshEvery < 1 {
		return fmt.Errorf("refresh_every must be at least 1, got %d", g.RefreshEvery)
	}

	if g.ResetEvery < g.RefreshEvery {
		return fmt.Errorf("reset_every (%d) must not be less than refresh_every (%d)", g.ResetEvery, g.RefreshEvery)
	}

	return nil
}

// Validate validates MQTT configuration. A disabled section is not checked.
func (m *MQTTConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty when MQTT is enabled")
	}

	if m.Topic == "" {
		return fmt.Errorf("topic cannot be empty when MQTT is enabled")
	}

	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}

	if m.PublishTimeout < 1 {
		return fmt.Errorf("publish_timeout must be at least 1 second, got %d", m.PublishTimeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path.
	return nil
}

// GetSessionTimeoutDuration returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the WebSocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetPingIntervalDuration returns the keepalive ping interval as a time.Duration
func (s *ServerConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetMaxBufferDuration returns the sample accumulation cap as a time.Duration
func (a *AudioConfig) GetMaxBufferDuration() time.Duration {
	return time.Duration(a.MaxBufferSeconds * float64(time.Second))
}

// GetHangoverDuration returns the trailing silence hangover as a time.Duration
func (v *VADConfig) GetHangoverDuration() time.Duration {
	return time.Duration(v.HangoverMs) * time.Millisecond
}

// GetMinUtteranceDuration returns the minimum utterance length as a time.Duration
func (v *VADConfig) GetMinUtteranceDuration() time.Duration {
	return time.Duration(v.MinUtteranceMs) * time.Millisecond
}

// GetTimeoutDuration returns the dispatch timeout as a time.Duration
func (d *DispatchConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the retry backoff as a time.Duration
func (d *DispatchConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(d.RetryBackoffMs) * time.Millisecond
}

// GetPublishTimeoutDuration returns the MQTT publish timeout as a time.Duration
func (m *MQTTConfig) GetPublishTimeoutDuration() time.Duration {
	return time.Duration(m.PublishTimeout) * time.Second
}
