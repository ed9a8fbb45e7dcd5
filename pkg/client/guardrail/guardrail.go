// Package guardrail validates text entering and leaving the agents. A
// remote guard service is consulted when configured; a local policy
// engine covers the same checks when the service is absent or down.
// Blocked text is a policy outcome, not an error: callers read the
// [Verdict] and respond with a canned phrase.
package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Block reasons, used verbatim as metric labels.
const (
	ReasonPromptInjection = "prompt_injection"
	ReasonTooLong         = "too_long"
	ReasonToxicContent    = "toxic_content"
	ReasonPIILeak         = "pii_leak"
	ReasonPolicyViolation = "policy_violation"
)

// DefaultTimeout bounds one remote validation call.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable wraps remote guard service failures. It is only
// surfaced when no local policy fallback is in place.
var ErrUnavailable = errors.New("guardrail: service unavailable")

// Verdict is the outcome of a validation pass.
type Verdict struct {
	// Safe is false when the text must not proceed.
	Safe bool

	// Text is the text to use downstream: the original when clean,
	// or the sanitized/redacted form. Empty when Safe is false.
	Text string

	// Reason is set when the text was blocked or altered. One of the
	// Reason constants.
	Reason string
}

// Validator screens text on both sides of the agents.
type Validator interface {
	// ValidateInput screens a user transcript before it reaches any
	// agent or model.
	ValidateInput(ctx context.Context, text string) (Verdict, error)

	// ValidateOutput screens a generated reply before synthesis.
	// PII is redacted in-place rather than blocking.
	ValidateOutput(ctx context.Context, text string) (Verdict, error)
}

// Option configures a [Client].
type Option func(*Client)

// WithRemote points the client at a guard service. The service is
// preferred; the local policy takes over when it fails.
func WithRemote(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient overrides the HTTP client for remote calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout overrides the remote call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPolicy overrides the local policy engine.
func WithPolicy(p *Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client is a [Validator] that consults the remote guard service when
// configured and falls back to the local [Policy] otherwise. Remote
// failures degrade to the local policy so a guard outage never takes
// conversations down with it.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	policy  *Policy
	log     *slog.Logger
}

var _ Validator = (*Client)(nil)

// New creates a guardrail client. Without [WithRemote] it runs on the
// local policy alone.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: DefaultTimeout,
		policy:  NewPolicy(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ValidateInput implements [Validator].
func (c *Client) ValidateInput(ctx context.Context, text string) (Verdict, error) {
	if c.baseURL != "" {
		v, err := c.remote(ctx, "/validate/input", text)
		if err == nil {
			return v, nil
		}
		c.log.Warn("guard service failed, using local policy", slog.String("error", err.Error()))
	}
	return c.policy.CheckInput(text), nil
}

// ValidateOutput implements [Validator].
func (c *Client) ValidateOutput(ctx context.Context, text string) (Verdict, error) {
	if c.baseURL != "" {
		v, err := c.remote(ctx, "/validate/output", text)
		if err == nil {
			return v, nil
		}
		c.log.Warn("guard service failed, using local policy", slog.String("error", err.Error()))
	}
	return c.policy.CheckOutput(text), nil
}

// remoteResult is the guard service's response shape. Input validation
// returns sanitized text, output validation returns filtered text.
type remoteResult struct {
	Safe      bool   `json:"safe"`
	Sanitized string `json:"sanitized,omitempty"`
	Filtered  string `json:"filtered,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (c *Client) remote(ctx context.Context, path, text string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Verdict{}, fmt.Errorf("guardrail: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return Verdict{}, fmt.Errorf("guardrail: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("guardrail: read response: %w", err)
	}
	var result remoteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Verdict{}, fmt.Errorf("guardrail: decode response: %w", err)
	}

	v := Verdict{Safe: result.Safe, Reason: result.Reason}
	if v.Safe {
		switch {
		case result.Sanitized != "":
			v.Text = result.Sanitized
		case result.Filtered != "":
			v.Text = result.Filtered
		default:
			v.Text = text
		}
	}
	return v, nil
}
