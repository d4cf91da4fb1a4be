// Package llm invokes prompts against an OpenAI-compatible chat API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/longregen/promptloop/internal/adapters/circuitbreaker"
	"github.com/longregen/promptloop/internal/adapters/retry"
	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

var tracer = otel.GetTracerProvider().Tracer("promptloop/llm")

const (
	// DefaultTimeout bounds a single chat completion attempt
	DefaultTimeout = 2 * time.Minute
)

// Config holds the configuration for the client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration

	// RateLimit is requests per second across all callers, 0 means unlimited
	RateLimit float64
	Burst     int

	Retry           retry.BackoffConfig
	BreakerFailures int
	BreakerTimeout  time.Duration
	OnBreakerChange func(name string, from, to circuitbreaker.State)

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Option configures a Config.
type Option func(*Config)

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithMaxTokens(maxTokens int) Option {
	return func(c *Config) { c.MaxTokens = maxTokens }
}

func WithTemperature(t float32) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRateLimit caps requests per second; burst below 1 is treated as 1.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.RateLimit = perSecond
		c.Burst = burst
	}
}

func WithRetry(cfg retry.BackoffConfig) Option {
	return func(c *Config) { c.Retry = cfg }
}

func WithBreaker(failures int, timeout time.Duration) Option {
	return func(c *Config) {
		c.BreakerFailures = failures
		c.BreakerTimeout = timeout
	}
}

// WithBreakerListener is told about every circuit state change.
func WithBreakerListener(fn func(name string, from, to circuitbreaker.State)) Option {
	return func(c *Config) { c.OnBreakerChange = fn }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Client is a rate limited, retrying chat client. It implements
// ports.ModelInvoker for evaluation and prompt.Completer for refinement, and
// is safe for concurrent use.
type Client struct {
	api     *openai.Client
	config  Config
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var (
	_ ports.ModelInvoker = (*Client)(nil)
	_ prompt.Completer   = (*Client)(nil)
)

// NewClient creates a client. baseURL is the full API base, for example
// "https://api.openai.com/v1".
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	cfg := Config{
		BaseURL:         strings.TrimSuffix(baseURL, "/"),
		APIKey:          apiKey,
		Model:           "gpt-4o-mini",
		MaxTokens:       1024,
		Timeout:         DefaultTimeout,
		Retry:           retry.InvokerConfig(),
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		openaiCfg.HTTPClient = cfg.HTTPClient
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.Burst, 1)

	breakerOpts := []circuitbreaker.Option{circuitbreaker.WithName("llm")}
	if cfg.OnBreakerChange != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithStateChange(cfg.OnBreakerChange))
	}

	return &Client{
		api:     openai.NewClientWithConfig(openaiCfg),
		config:  cfg,
		limiter: rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerTimeout, breakerOpts...),
		logger:  cfg.Logger,
	}
}

// Model returns the chat model name.
func (c *Client) Model() string {
	return c.config.Model
}

// Check reports the model service as unavailable while the circuit breaker
// is open. It sends no request.
func (c *Client) Check(context.Context) error {
	if c.breaker.State() == circuitbreaker.StateOpen {
		return domain.NewDomainError(domain.ErrModelUnavailable, "circuit breaker open")
	}
	return nil
}

// Invoke runs promptText as the system message against input.
func (c *Client) Invoke(ctx context.Context, promptText string, input map[string]string) (models.ModelOutput, error) {
	content, err := c.Complete(ctx, promptText, FormatInput(input))
	if err != nil {
		return models.ModelOutput{}, err
	}
	return models.ModelOutput{Text: content}, nil
}

// Complete sends one system and one user message and returns the reply text.
// An empty system message is omitted.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.complete", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.config.Model),
		attribute.Int("llm.request.max_tokens", c.config.MaxTokens),
	)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	req := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	var resp openai.ChatCompletionResponse
	err := c.breaker.Execute(func() error {
		return retry.Do(ctx, c.config.Retry, func(attempt int) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			var err error
			resp, err = c.create(ctx, req)
			if err != nil && attempt > 1 {
				c.logger.Debug("chat completion retry failed", zap.Int("attempt", attempt), zap.Error(err))
			}
			return err
		})
	})
	if err != nil {
		err = c.mapError(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
	)

	if len(resp.Choices) == 0 {
		return "", domain.NewDomainError(domain.ErrMalformedOutput, "no choices in response")
	}
	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if choice.FinishReason == openai.FinishReasonLength {
		return "", domain.NewDomainError(domain.ErrMalformedOutput, "response truncated at max tokens")
	}
	if content == "" {
		return "", domain.NewDomainError(domain.ErrMalformedOutput, "empty response")
	}
	return content, nil
}

func (c *Client) create(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(attemptCtx, req)
	if err != nil {
		return resp, withStatus(err)
	}
	return resp, nil
}

func (c *Client) mapError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrInvokerTimeout, err)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return fmt.Errorf("%w: %w", domain.ErrModelUnavailable, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrInvokerFailed, err)
}

// statusError exposes the HTTP status of a go-openai error to the retry
// classifier.
type statusError struct {
	err    error
	status int
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) HTTPStatus() int { return e.status }

func withStatus(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &statusError{err: err, status: apiErr.HTTPStatusCode}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return &statusError{err: err, status: reqErr.HTTPStatusCode}
	}
	return err
}

// FormatInput renders an input payload as "key: value" lines in key order.
func FormatInput(input map[string]string) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(input[k])
	}
	return sb.String()
}
