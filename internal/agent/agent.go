// Package agent selects and runs response generators. Each [Agent]
// inspects a transcript and bids with a priority; the [Router] picks
// the highest bidder and runs it under a time budget. Agents never call
// tools themselves: they return [Response.Actions] for the orchestrator
// to dispatch through the tool registry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nordlys-ai/skald/internal/tools"
	"github.com/nordlys-ai/skald/pkg/audio"
	"github.com/nordlys-ai/skald/pkg/client/llm"
)

// DefaultBudget bounds one agent invocation.
const DefaultBudget = 15 * time.Second

// Agent errors.
var (
	// ErrDuplicateAgent rejects a second registration under one name.
	ErrDuplicateAgent = errors.New("agent: duplicate name")

	// ErrNoAgent is returned when no agent accepts a transcript and no
	// default is configured.
	ErrNoAgent = errors.New("agent: no agent accepts transcript")

	// ErrTimeout marks an agent that overran its budget.
	ErrTimeout = errors.New("agent: budget exceeded")
)

// Request is everything an agent sees for one turn.
type Request struct {
	// SessionID identifies the conversation.
	SessionID string

	// CorrelationID ties the turn to logs and traces.
	CorrelationID string

	// Transcript is the guard-approved user text.
	Transcript string

	// History is the prior conversation, oldest first.
	History []llm.Message

	// Role is the caller's role for tool authorization.
	Role string
}

// Response is an agent's answer for one turn.
type Response struct {
	// Text is spoken to the user. Empty when the agent only requests
	// actions.
	Text string

	// Audio, when non-nil, is pre-rendered speech that bypasses TTS.
	Audio <-chan audio.Frame

	// Actions are tool requests for the orchestrator to dispatch, in
	// order.
	Actions []tools.Action

	// Metadata carries free-form attribution (model, status).
	Metadata map[string]string
}

// Agent is one response generator.
type Agent interface {
	// Name uniquely identifies the agent in the registry and metrics.
	Name() string

	// CanHandle reports whether the agent accepts the transcript and
	// at what priority. Higher priority wins; ties go to registration
	// order.
	CanHandle(req Request) (bool, int)

	// Handle produces the response. It must honor ctx.
	Handle(ctx context.Context, req Request) (Response, error)
}

// Registry holds agents in registration order.
type Registry struct {
	agents []Agent
	byName map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Agent)}
}

// Register appends a. Names must be unique.
func (r *Registry) Register(a Agent) error {
	if a.Name() == "" {
		return fmt.Errorf("agent: empty name")
	}
	if _, dup := r.byName[a.Name()]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, a.Name())
	}
	r.agents = append(r.agents, a)
	r.byName[a.Name()] = a
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Names returns agent names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.agents))
	for i, a := range r.agents {
		names[i] = a.Name()
	}
	return names
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithDefaultAgent sets the agent used when nobody accepts.
func WithDefaultAgent(name string) RouterOption {
	return func(rt *Router) { rt.defaultName = name }
}

// WithBudget overrides the per-invocation time budget.
func WithBudget(d time.Duration) RouterOption {
	return func(rt *Router) {
		if d > 0 {
			rt.budget = d
		}
	}
}

// WithRouterLogger overrides the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(rt *Router) { rt.log = l }
}

// Router picks an agent per transcript and runs it under the budget.
type Router struct {
	registry    *Registry
	defaultName string
	budget      time.Duration
	log         *slog.Logger
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	rt := &Router{
		registry: registry,
		budget:   DefaultBudget,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Select returns the accepting agent with the highest priority,
// breaking ties by registration order. When nobody accepts, the
// configured default agent is returned, or [ErrNoAgent].
func (rt *Router) Select(req Request) (Agent, error) {
	var best Agent
	bestPriority := 0
	for _, a := range rt.registry.agents {
		ok, priority := a.CanHandle(req)
		if !ok {
			continue
		}
		if best == nil || priority > bestPriority {
			best = a
			bestPriority = priority
		}
	}
	if best != nil {
		return best, nil
	}
	if rt.defaultName != "" {
		if a, ok := rt.registry.Get(rt.defaultName); ok {
			return a, nil
		}
	}
	return nil, ErrNoAgent
}

// Dispatch selects an agent and runs it, returning the agent's name
// for metrics attribution. Overrunning the budget yields [ErrTimeout];
// the caller turns that into an apology utterance.
func (rt *Router) Dispatch(ctx context.Context, req Request) (string, Response, error) {
	a, err := rt.Select(req)
	if err != nil {
		return "", Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, rt.budget)
	defer cancel()

	start := time.Now()
	resp, err := a.Handle(ctx, req)
	elapsed := time.Since(start)

	rt.log.Debug("agent handled turn",
		slog.String("agent", a.Name()),
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", req.CorrelationID),
		slog.Duration("elapsed", elapsed))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return a.Name(), Response{}, fmt.Errorf("%w: %q after %s", ErrTimeout, a.Name(), elapsed.Round(time.Millisecond))
		}
		return a.Name(), Response{}, fmt.Errorf("agent: %q: %w", a.Name(), err)
	}
	return a.Name(), resp, nil
}
