// Package llm generates assistant replies. A [Client] fronts a primary
// [Provider] with one transient retry and a single-shot fallback provider,
// recording which model actually served each completion.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds one Chat call including retry and fallback.
const DefaultTimeout = 20 * time.Second

// Status values recorded on a [Completion].
const (
	StatusOK         = "ok"
	StatusFallbackOK = "fallback_ok"
)

// ErrUnavailable is returned when neither the primary nor the fallback
// provider produced a completion.
var ErrUnavailable = errors.New("llm: no provider available")

// Message is one entry in the conversation history. Role is one of
// "system", "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// JSON-encoded argument object as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything a provider needs to produce a reply.
type Request struct {
	// Messages is the ordered history; the last entry drives the reply.
	Messages []Message

	// Tools the model may call. Empty means plain text completion.
	Tools []ToolDefinition

	// SystemPrompt is injected before Messages when non-empty.
	SystemPrompt string

	// Temperature in [0, 2]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps generated tokens. Zero uses the provider default.
	MaxTokens int
}

// Completion is the model's reply. Content is empty when the model
// responds exclusively with tool calls.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage

	// Model is the model that actually served this completion, which
	// differs from the configured primary after a failover.
	Model string

	// Status is [StatusOK] or [StatusFallbackOK].
	Status string
}

// Provider is a single LLM backend. Implementations must be safe for
// concurrent use and must honor ctx cancellation.
type Provider interface {
	// Chat sends req and waits for the full reply.
	Chat(ctx context.Context, req Request) (*Completion, error)

	// Model names the backing model for result attribution.
	Model() string
}

// Option configures a [Client].
type Option func(*Client)

// WithFallback sets the provider consulted once when the primary fails.
func WithFallback(p Provider) Option {
	return func(c *Client) { c.fallback = p }
}

// WithTimeout overrides the overall per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client wraps a primary provider with retry and failover policy:
// one retry against the primary on a transient failure, then at most
// one attempt against the fallback provider.
type Client struct {
	primary  Provider
	fallback Provider
	timeout  time.Duration
	log      *slog.Logger
}

var _ Provider = (*Client)(nil)

// NewClient creates a failover client around primary.
func NewClient(primary Provider, opts ...Option) (*Client, error) {
	if primary == nil {
		return nil, errors.New("llm: primary provider must not be nil")
	}
	c := &Client{
		primary: primary,
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Model returns the primary provider's model name.
func (c *Client) Model() string { return c.primary.Model() }

// Chat runs req through the primary provider, retrying once on a
// transient failure, then consults the fallback provider exactly once.
// Completions served by the fallback carry [StatusFallbackOK].
func (c *Client) Chat(ctx context.Context, req Request) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, primaryErr := c.primary.Chat(ctx, req)
	if primaryErr != nil && retryable(ctx, primaryErr) {
		c.log.Debug("llm primary failed, retrying",
			slog.String("model", c.primary.Model()),
			slog.String("error", primaryErr.Error()))
		resp, primaryErr = c.primary.Chat(ctx, req)
	}
	if primaryErr == nil {
		resp.Model = c.primary.Model()
		resp.Status = StatusOK
		return resp, nil
	}

	if c.fallback == nil || ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, primaryErr)
	}

	c.log.Warn("llm primary exhausted, using fallback",
		slog.String("primary", c.primary.Model()),
		slog.String("fallback", c.fallback.Model()),
		slog.String("error", primaryErr.Error()))

	resp, fallbackErr := c.fallback.Chat(ctx, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: primary: %w; fallback: %w", ErrUnavailable, primaryErr, fallbackErr)
	}
	resp.Model = c.fallback.Model()
	resp.Status = StatusFallbackOK
	return resp, nil
}

// retryable reports whether a second attempt against the same provider
// can help. Caller-initiated cancellation never retries.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
