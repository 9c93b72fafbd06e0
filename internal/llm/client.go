// Package llm talks to an OpenAI-compatible inference API (Together AI by
// default) for chat completions, streamed reports and cover images.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ayush/open-deep-research/internal/observability"
)

var (
	// ErrCircuitBreakerOpen indicates the circuit breaker is open.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrEmptyResponse indicates the model returned no choices or no content.
	ErrEmptyResponse = errors.New("empty model response")

	// ErrNoJSON indicates no JSON object could be found in a model response.
	ErrNoJSON = errors.New("no JSON object in model response")
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute
	rateLimiterBurst        = 5
	imageSize               = "1024x768"
	maxImageBytes           = 10 * 1024 * 1024

	kindChat   = "chat"
	kindStream = "stream"
	kindImage  = "image"
)

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string
	RPS     float64
}

// Request is a single system+user exchange with a model.
type Request struct {
	Model     string
	System    string
	User      string
	MaxTokens int
}

// Client is safe for concurrent use.
type Client struct {
	api     *openai.Client
	opts    Options
	limiter *rate.Limiter
	breaker *breaker
	http    *http.Client
	logger  *zerolog.Logger
}

func New(opts Options, logger *zerolog.Logger) *Client {
	rps := opts.RPS
	if rps <= 0 {
		rps = 1
	}

	return &Client{
		api:     openai.NewClientWithConfig(apiConfig(opts)),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(rps), rateLimiterBurst),
		breaker: &breaker{logger: logger},
		http:    &http.Client{Timeout: time.Minute},
		logger:  logger,
	}
}

func apiConfig(opts Options) openai.ClientConfig {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	return cfg
}

// WithAPIKey returns a client that bills a user's personal key. It shares the
// rate limiter but keeps its own circuit breaker so one bad key cannot open
// the breaker for everyone.
func (c *Client) WithAPIKey(key string) *Client {
	key = strings.TrimSpace(key)
	if key == "" || key == c.opts.APIKey {
		return c
	}

	opts := c.opts
	opts.APIKey = key

	return &Client{
		api:     openai.NewClientWithConfig(apiConfig(opts)),
		opts:    opts,
		limiter: c.limiter,
		breaker: &breaker{logger: c.logger},
		http:    c.http,
		logger:  c.logger,
	}
}

// Complete returns the model's reply to req.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.chat(ctx, req, nil)
	if err != nil {
		return "", err
	}

	return resp, nil
}

// CompleteJSON asks for a JSON object and decodes it into out. The request is
// attempted retries+1 times; decoding failures count as failed attempts.
func (c *Client) CompleteJSON(ctx context.Context, req Request, out any, retries int) error {
	format := &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}

	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		content, err := c.chat(ctx, req, format)
		if err == nil {
			if err = DecodeJSON(content, out); err == nil {
				return nil
			}
		}

		if errors.Is(err, ErrCircuitBreakerOpen) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		c.logger.Warn().Err(err).Str("model", req.Model).Int("attempt", attempt+1).Msg("JSON completion failed")
	}

	return lastErr
}

func (c *Client) chat(ctx context.Context, req Request, format *openai.ChatCompletionResponseFormat) (string, error) {
	if err := c.before(ctx); err != nil {
		return "", err
	}

	start := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          req.Model,
		Messages:       messages(req),
		MaxTokens:      req.MaxTokens,
		ResponseFormat: format,
	})

	c.observe(req.Model, kindChat, start, err)

	if err != nil {
		return "", fmt.Errorf("chat completion %s: %w", req.Model, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat completion %s: %w", req.Model, ErrEmptyResponse)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Stream streams the reply to req and returns the accumulated text.
func (c *Client) Stream(ctx context.Context, req Request) (string, error) {
	if err := c.before(ctx); err != nil {
		return "", err
	}

	start := time.Now()

	text, err := c.stream(ctx, req)

	c.observe(req.Model, kindStream, start, err)

	if err != nil {
		return "", fmt.Errorf("stream completion %s: %w", req.Model, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("stream completion %s: %w", req.Model, ErrEmptyResponse)
	}

	return text, nil
}

func (c *Client) stream(ctx context.Context, req Request) (string, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages(req),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}

		if err != nil {
			return "", err
		}

		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
}

// GenerateImage renders prompt and returns the image bytes.
func (c *Client) GenerateImage(ctx context.Context, model, prompt string) ([]byte, error) {
	if err := c.before(ctx); err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		Size:           imageSize,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})

	c.observe(model, kindImage, start, err)

	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", model, err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create image %s: %w", model, ErrEmptyResponse)
	}

	img := resp.Data[0]
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}

		return data, nil
	}

	if img.URL == "" {
		return nil, fmt.Errorf("create image %s: %w", model, ErrEmptyResponse)
	}

	return c.download(ctx, img.URL)
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func (c *Client) before(ctx context.Context) error {
	if err := c.breaker.check(); err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	return nil
}

func (c *Client) observe(model, kind string, start time.Time, err error) {
	observability.LLMRequestDuration.WithLabelValues(model, kind).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.LLMRequestErrors.WithLabelValues(model, kind).Inc()
		c.breaker.failure()

		return
	}

	c.breaker.success()
}

func messages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)

	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}

	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})
}

// DecodeJSON decodes the first JSON object in content into out. Models often
// wrap JSON in markdown fences or prose, so the outermost braces are used
// when a direct decode fails.
func DecodeJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start < 0 || end <= start {
		return ErrNoJSON
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return fmt.Errorf("%w: %w", ErrNoJSON, err)
	}

	return nil
}

type breaker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time
	logger              *zerolog.Logger
}

func (b *breaker) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Now().Before(b.openUntil) {
		return fmt.Errorf("%w until %v", ErrCircuitBreakerOpen, b.openUntil)
	}

	return nil
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures >= circuitBreakerThreshold {
		b.openUntil = time.Now().Add(circuitBreakerTimeout)
		b.logger.Warn().
			Int("consecutive_failures", b.consecutiveFailures).
			Time("open_until", b.openUntil).
			Msg("Circuit breaker opened")
	}
}
