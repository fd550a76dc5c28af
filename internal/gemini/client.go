package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/youkpan/gemini-assistant/internal/audio"
	"github.com/youkpan/gemini-assistant/internal/dispatch"
	"github.com/youkpan/gemini-assistant/internal/metrics"
)

// Backend is the subset of the genai models service the client calls.
// *genai.Models satisfies it.
type Backend interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Config contains Gemini client configuration
type Config struct {
	APIKey          string
	Model           string
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxConcurrent   int
	MaxOutputTokens int32
	Prompt          string
	Frames          FramePolicy
	RefreshEvery    int
	ResetEvery      int
}

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Client sends utterances to Gemini. It is shared by all sessions; each
// session talks through its own Assistant.
type Client struct {
	config    Config
	backend   Backend
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	semaphore chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	Model           string        `json:"model"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a client backed by the Gemini API.
func NewClient(ctx context.Context, config Config, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return NewClientWithBackend(config, gc.Models, m, logger)
}

// NewClientWithBackend creates a client over an arbitrary backend.
func NewClientWithBackend(config Config, backend Backend, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}

	if config.Model == "" {
		config.Model = DefaultModel
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = 200
	}

	if config.Prompt == "" {
		config.Prompt = SystemPrompt
	}

	if config.Frames.SampleFrom == 0 && config.Frames.OneShotLimit == 0 {
		config.Frames = DefaultFramePolicy()
	}
	if err := config.Frames.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame policy: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:    config,
		backend:   backend,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// NewAssistant returns a requester bound to a fresh conversation.
func (c *Client) NewAssistant() *Assistant {
	return &Assistant{
		client: c,
		conv:   NewConversation(c.config.RefreshEvery, c.config.ResetEvery),
	}
}

// Assistant is the per-session requester. Single requests go straight to
// the model; continuation requests run inside the session's conversation.
type Assistant struct {
	client *Client
	conv   *Conversation
}

// Generate implements dispatch.Requester.
func (a *Assistant) Generate(ctx context.Context, req dispatch.Request) (string, error) {
	if req.Continuation {
		return a.client.continueConversation(ctx, a.conv, req)
	}
	return a.client.single(ctx, req)
}

// Conversation exposes the session's multi-turn state.
func (a *Assistant) Conversation() *Conversation {
	return a.conv
}

// Reset drops the conversation so the next continuation turn starts fresh.
func (a *Assistant) Reset() {
	a.conv.Reset()
}

// single sends one self-contained request: prompt text, recent frames, audio.
func (c *Client) single(ctx context.Context, req dispatch.Request) (string, error) {
	audioPart, err := blobPart(req.AudioMime, req.Audio)
	if err != nil {
		return "", fmt.Errorf("invalid audio payload: %w", err)
	}

	frames, err := frameParts(c.config.Frames.OneShot(req.Frames))
	if err != nil {
		return "", err
	}

	parts := make([]*genai.Part, 0, len(frames)+2)
	parts = append(parts, genai.NewPartFromText(BuildPrompt(c.config.Prompt, c.now(), req.Text)))
	parts = append(parts, frames...)
	parts = append(parts, audioPart)

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.stream(ctx, contents, nil)
	})
}

// continueConversation sends the next turn of conv and records it on success.
func (c *Client) continueConversation(ctx context.Context, conv *Conversation, req dispatch.Request) (string, error) {
	audioPart, err := blobPart(req.AudioMime, req.Audio)
	if err != nil {
		return "", fmt.Errorf("invalid audio payload: %w", err)
	}

	selected := c.config.Frames.Continuation(req.Frames)
	frames, err := frameParts(selected)
	if err != nil {
		return "", err
	}

	msg := genai.NewContentFromParts(append(frames, audioPart), genai.RoleUser)

	condensedParts := []*genai.Part{audioPart}
	if len(frames) > 0 {
		condensedParts = []*genai.Part{frames[len(frames)-1], audioPart}
	}
	condensed := genai.NewContentFromParts(condensedParts, genai.RoleUser)

	contents := conv.Prepare(c.now(), c.config.Prompt, msg)
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: c.config.MaxOutputTokens}

	reply, err := c.call(ctx, func(ctx context.Context) (string, error) {
		resp, err := c.backend.GenerateContent(ctx, c.config.Model, contents, cfg)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	})
	if err != nil {
		return "", err
	}

	conv.Commit(msg, condensed, reply)
	return reply, nil
}

// stream collects a streamed response into one string.
func (c *Client) stream(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	var sb strings.Builder
	for resp, err := range c.backend.GenerateContentStream(ctx, c.config.Model, contents, cfg) {
		if err != nil {
			return "", err
		}
		sb.WriteString(resp.Text())
	}
	return sb.String(), nil
}

// call runs fn under the concurrency limit with retries.
func (c *Client) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordRetry()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			c.logger.Debug("Retrying Gemini request",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoffTime),
				slog.String("last_error", lastErr.Error()),
			)

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return "", ctx.Err()
			}
		}

		reply, err := fn(ctx)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return reply, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return "", fmt.Errorf("gemini request failed: %w", lastErr)
}

// isRetryableError reports whether a failed call is worth repeating: rate
// limiting, server errors and transport failures.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func blobPart(mimeType, data string) (*genai.Part, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	return genai.NewPartFromBytes(raw, mimeType), nil
}

func frameParts(frames []audio.FrameRecord) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(frames))
	for i, f := range frames {
		p, err := blobPart(f.MimeType, f.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid frame %d: %w", i, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Model:           c.config.Model,
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
