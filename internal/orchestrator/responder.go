// Package orchestrator runs the live conversation loop: frames in from
// an adapter, segments out of the VAD, transcription, guarded agent
// dispatch, synthesis, and playback with barge-in. The [Responder]
// carries the text half of that loop so the HTTP transcript path and
// the voice path share one implementation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nordlys-ai/skald/internal/agent"
	"github.com/nordlys-ai/skald/internal/observe"
	"github.com/nordlys-ai/skald/internal/session"
	"github.com/nordlys-ai/skald/internal/tools"
	"github.com/nordlys-ai/skald/internal/transcript"
	"github.com/nordlys-ai/skald/pkg/client/guardrail"
)

// refusals maps guardrail reasons to spoken responses. The generic
// entry covers reasons without a tailored phrase.
var refusals = map[string]string{
	guardrail.ReasonPromptInjection: "I can't follow that instruction, but I'm happy to help with something else.",
	guardrail.ReasonTooLong:         "That was a bit too much at once. Could you break it into smaller pieces?",
	guardrail.ReasonToxicContent:    "I'd rather keep this conversation friendly. Let's try that differently.",
	guardrail.ReasonPolicyViolation: "I can't help with that, but feel free to ask me something else.",
}

const genericRefusal = "I can't help with that one."

// Reply is the outcome of one conversational turn.
type Reply struct {
	// Text is what should be spoken or returned to the caller.
	Text string

	// Agent is the name of the agent that handled the turn. Empty when
	// the turn was blocked before dispatch.
	Agent string

	// Actions names the tools invoked while handling the turn, in
	// execution order.
	Actions []string

	// Blocked is true when a guardrail stopped the turn; Reason holds
	// the guardrail reason.
	Blocked bool
	Reason  string
}

// Turn identifies one inbound transcript.
type Turn struct {
	SessionID  string
	Owner      string
	Channel    string
	Transcript string
}

// ResponderOption configures a [Responder].
type ResponderOption func(*Responder)

// WithCorrector enables phonetic keyword correction on inbound
// transcripts.
func WithCorrector(c *transcript.Corrector) ResponderOption {
	return func(r *Responder) { r.corrector = c }
}

// WithTools enables execution of agent-requested actions.
func WithTools(reg *tools.Registry) ResponderOption {
	return func(r *Responder) { r.tools = reg }
}

// WithRole sets the caller role used for tool authorization and agent
// requests. Default "user".
func WithRole(role string) ResponderOption {
	return func(r *Responder) { r.role = role }
}

// WithResponderLogger overrides the logger.
func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.log = l }
}

// Responder turns one transcript into one guarded reply: correction,
// input validation, agent dispatch, action execution, output
// validation, and persistence. Safe for concurrent use.
type Responder struct {
	router  *agent.Router
	guard   guardrail.Validator
	store   session.Store
	metrics *observe.Metrics

	correctorMu sync.RWMutex
	corrector   *transcript.Corrector

	tools *tools.Registry
	role  string
	log   *slog.Logger
}

// NewResponder wires the text pipeline. Router, guard, store, and
// metrics are required.
func NewResponder(router *agent.Router, guard guardrail.Validator, store session.Store, metrics *observe.Metrics, opts ...ResponderOption) (*Responder, error) {
	if router == nil || guard == nil || store == nil || metrics == nil {
		return nil, errors.New("orchestrator: router, guard, store, and metrics are required")
	}
	r := &Responder{
		router:  router,
		guard:   guard,
		store:   store,
		metrics: metrics,
		role:    "user",
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// SetCorrector replaces the transcript corrector at runtime, for config
// hot reload. Nil disables correction.
func (r *Responder) SetCorrector(c *transcript.Corrector) {
	r.correctorMu.Lock()
	r.corrector = c
	r.correctorMu.Unlock()
}

func (r *Responder) CurrentCorrector() *transcript.Corrector {
	r.correctorMu.RLock()
	defer r.correctorMu.RUnlock()
	return r.corrector
}

// Respond processes one turn end to end. A blocked turn is a normal
// outcome carrying a refusal phrase; errors mean the turn could not be
// completed and the caller should apologize.
func (r *Responder) Respond(ctx context.Context, turn Turn) (Reply, error) {
	ctx, cid := observe.EnsureCorrelationID(ctx)
	log := observe.Logger(ctx).With(slog.String("session_id", turn.SessionID))
	start := time.Now()

	text := strings.TrimSpace(turn.Transcript)
	if corrector := r.CurrentCorrector(); corrector != nil {
		corrected := corrector.Correct(text)
		for _, c := range corrected.Corrections {
			log.Debug("transcript corrected",
				slog.String("original", c.Original),
				slog.String("corrected", c.Corrected))
		}
		text = corrected.Text
	}
	if text == "" {
		return Reply{}, nil
	}

	verdict, err := r.guard.ValidateInput(ctx, text)
	if err != nil {
		return Reply{}, fmt.Errorf("orchestrator: input validation: %w", err)
	}
	if !verdict.Safe {
		r.metrics.RecordGuardrailBlock(ctx, verdict.Reason)
		log.Info("input blocked", slog.String("reason", verdict.Reason))
		return Reply{Text: refusal(verdict.Reason), Blocked: true, Reason: verdict.Reason}, nil
	}
	text = verdict.Text

	if _, err := r.store.Touch(ctx, turn.SessionID, turn.Owner, turn.Channel); err != nil {
		return Reply{}, fmt.Errorf("orchestrator: touch session: %w", err)
	}
	history, err := r.store.GetContext(ctx, turn.SessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("orchestrator: load context: %w", err)
	}

	name, resp, err := r.router.Dispatch(ctx, agent.Request{
		SessionID:     turn.SessionID,
		CorrelationID: cid,
		Transcript:    text,
		History:       history.Messages(),
		Role:          r.role,
	})
	if name != "" {
		r.metrics.RecordAgentInvocation(ctx, name)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("orchestrator: dispatch: %w", err)
	}

	reply := resp.Text
	var invoked []string
	if len(resp.Actions) > 0 {
		for _, act := range resp.Actions {
			invoked = append(invoked, act.Tool)
		}
		results := r.execute(ctx, resp.Actions)
		if reply == "" {
			reply = strings.Join(results, " ")
		}
	}
	if reply == "" {
		return Reply{Agent: name, Actions: invoked}, nil
	}

	out, err := r.guard.ValidateOutput(ctx, reply)
	if err != nil {
		return Reply{}, fmt.Errorf("orchestrator: output validation: %w", err)
	}
	if !out.Safe {
		r.metrics.RecordGuardrailBlock(ctx, out.Reason)
		log.Info("output blocked", slog.String("reason", out.Reason))
		reply = refusal(out.Reason)
	} else {
		if out.Reason != "" {
			log.Info("output sanitized", slog.String("reason", out.Reason))
		}
		reply = out.Text
	}

	if _, err := r.store.AppendTurn(ctx, turn.SessionID, session.Turn{
		User:      text,
		Assistant: reply,
	}); err != nil {
		log.Warn("persist turn failed", slog.String("error", err.Error()))
	}
	if err := r.store.LogExecution(ctx, session.ExecutionLog{
		SessionID:  turn.SessionID,
		Agent:      name,
		Transcript: text,
		Response:   reply,
		LatencyMs:  time.Since(start).Milliseconds(),
	}); err != nil {
		log.Warn("log execution failed", slog.String("error", err.Error()))
	}

	return Reply{
		Text:    reply,
		Agent:   name,
		Actions: invoked,
		Blocked: !out.Safe,
		Reason:  out.Reason,
	}, nil
}

// execute runs the agent's requested actions in order and returns one
// spoken summary line per action. Failures become summaries too; a
// failed tool never fails the turn.
func (r *Responder) execute(ctx context.Context, actions []tools.Action) []string {
	var results []string
	for _, act := range actions {
		if r.tools == nil {
			r.metrics.RecordToolInvocation(ctx, act.Tool, "unavailable")
			continue
		}
		start := time.Now()
		res, err := r.tools.Invoke(ctx, r.role, act)
		r.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds())

		switch {
		case errors.Is(err, tools.ErrRateLimited):
			r.metrics.RecordToolInvocation(ctx, act.Tool, "rate_limited")
			results = append(results, "I'm doing that a little too often; give me a moment and ask again.")
		case err != nil:
			r.metrics.RecordToolInvocation(ctx, act.Tool, "error")
			observe.Logger(ctx).Warn("tool invocation failed",
				slog.String("tool", act.Tool),
				slog.String("error", err.Error()))
			results = append(results, "I couldn't complete that action.")
		case !res.OK:
			r.metrics.RecordToolInvocation(ctx, act.Tool, "failed")
			results = append(results, "That didn't work: "+flatten(res.Data))
		default:
			r.metrics.RecordToolInvocation(ctx, act.Tool, "ok")
			results = append(results, flatten(res.Data))
		}
	}
	return results
}

// flatten renders a tool's JSON result as a single spoken line.
func flatten(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(m))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
		}
		return strings.Join(parts, ", ")
	}
	return string(raw)
}

func refusal(reason string) string {
	if phrase, ok := refusals[reason]; ok {
		return phrase
	}
	return genericRefusal
}
