// Package tools holds the named external capabilities agents may
// request. Agents never call a tool directly: they return actions, and
// the orchestrator dispatches them here so schema validation, rate
// budgets, and timeouts apply on every path.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/time/rate"
)

// Descriptor defaults.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultRatePerMin = 60
)

// Tool errors.
var (
	// ErrToolContract covers unknown tool names and arguments that fail
	// schema validation.
	ErrToolContract = errors.New("tools: contract violation")

	// ErrUnauthorized is returned when the caller's role is not in the
	// descriptor's allowed set.
	ErrUnauthorized = errors.New("tools: caller role not allowed")

	// ErrRateLimited is returned when a tool's rate budget is exhausted.
	// Errors wrapping it carry a retry-after hint via [RetryAfter].
	ErrRateLimited = errors.New("tools: rate budget exhausted")

	// ErrExecution covers handler failures and timeouts.
	ErrExecution = errors.New("tools: execution failed")
)

// rateLimitError carries the retry-after hint.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("tools: rate budget exhausted, retry after %s", e.retryAfter)
}

func (e *rateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter extracts the retry-after hint from a rate-limit error.
// Returns zero when err is not a rate-limit error.
func RetryAfter(err error) time.Duration {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return rl.retryAfter
	}
	return 0
}

// Descriptor declares a tool's contract. Descriptors are validated when
// the registry is built and immutable afterward.
type Descriptor struct {
	// Name uniquely identifies the tool.
	Name string

	// Description is surfaced to agents and models.
	Description string

	// Schema is the JSON Schema for the argument object.
	Schema *jsonschema.Schema

	// Roles lists caller roles allowed to invoke the tool. Empty
	// means any caller.
	Roles []string

	// RatePerMin is the tool's rate budget. Zero means
	// [DefaultRatePerMin].
	RatePerMin int

	// Timeout bounds one execution. Zero means [DefaultTimeout].
	Timeout time.Duration
}

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor Descriptor
	Handler    Handler
}

// Action is an external capability request produced by an agent.
type Action struct {
	// Tool names the registered tool.
	Tool string

	// Args is the argument object, validated against the descriptor
	// schema before execution.
	Args map[string]any

	// Deadline, when non-zero, further bounds execution beyond the
	// descriptor timeout.
	Deadline time.Time

	// IdempotencyKey lets downstream systems dedupe retried actions.
	IdempotencyKey string
}

// Result is the structured outcome of one invocation.
type Result struct {
	// OK is false when the handler returned an application error.
	OK bool

	// Data is the handler's JSON-encoded output, or the error message
	// when OK is false.
	Data json.RawMessage

	// ElapsedMs is the wall-clock execution time.
	ElapsedMs int64
}

// entry is a registered tool with its compiled schema and rate limiter.
type entry struct {
	desc     Descriptor
	handler  Handler
	resolved *jsonschema.Resolved
	limiter  *rate.Limiter
	roles    map[string]bool
}

// Registry maps tool names to validated descriptors. The tool set is
// fixed at construction; only limiter state mutates afterward.
type Registry struct {
	mu      sync.Mutex // serializes limiter reservations
	entries map[string]*entry
}

// NewRegistry validates every descriptor and compiles its schema.
// Duplicate names, empty names, missing handlers, and malformed
// schemas all fail construction.
func NewRegistry(toolset ...Tool) (*Registry, error) {
	entries := make(map[string]*entry, len(toolset))
	for _, t := range toolset {
		d := t.Descriptor
		if d.Name == "" {
			return nil, fmt.Errorf("tools: descriptor with empty name")
		}
		if _, dup := entries[d.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", d.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tools: tool %q has no handler", d.Name)
		}
		if d.Schema == nil {
			d.Schema = &jsonschema.Schema{Type: "object"}
		}
		resolved, err := d.Schema.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("tools: tool %q schema: %w", d.Name, err)
		}
		if d.RatePerMin <= 0 {
			d.RatePerMin = DefaultRatePerMin
		}
		if d.Timeout <= 0 {
			d.Timeout = DefaultTimeout
		}
		roles := make(map[string]bool, len(d.Roles))
		for _, r := range d.Roles {
			roles[r] = true
		}
		entries[d.Name] = &entry{
			desc:     d,
			handler:  t.Handler,
			resolved: resolved,
			limiter:  rate.NewLimiter(rate.Limit(float64(d.RatePerMin)/60.0), d.RatePerMin),
			roles:    roles,
		}
	}
	return &Registry{entries: entries}, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the descriptor for name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Invoke runs act for a caller with the given role: validate arguments
// against the schema, charge the rate budget, execute under the
// descriptor timeout. Handler errors come back as a Result with
// OK=false rather than a Go error; the error return is reserved for
// contract, authorization, rate, and timeout failures.
func (r *Registry) Invoke(ctx context.Context, role string, act Action) (Result, error) {
	e, ok := r.entries[act.Tool]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown tool %q", ErrToolContract, act.Tool)
	}
	if len(e.roles) > 0 && !e.roles[role] {
		return Result{}, fmt.Errorf("%w: role %q cannot call %q", ErrUnauthorized, role, act.Tool)
	}

	args := act.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := e.resolved.Validate(args); err != nil {
		return Result{}, fmt.Errorf("%w: tool %q arguments: %w", ErrToolContract, act.Tool, err)
	}

	if err := r.reserve(e); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.desc.Timeout)
	defer cancel()
	if !act.Deadline.IsZero() {
		var deadlineCancel context.CancelFunc
		ctx, deadlineCancel = context.WithDeadline(ctx, act.Deadline)
		defer deadlineCancel()
	}

	start := time.Now()
	out, err := e.handler(ctx, args)
	elapsed := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: tool %q: %w", ErrExecution, act.Tool, ctx.Err())
	}
	if err != nil {
		msg, _ := json.Marshal(err.Error())
		return Result{OK: false, Data: msg, ElapsedMs: elapsed}, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("%w: tool %q result not serializable: %w", ErrExecution, act.Tool, err)
	}
	return Result{OK: true, Data: data, ElapsedMs: elapsed}, nil
}

// reserve charges one call against the tool's budget without waiting.
func (r *Registry) reserve(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := e.limiter.Reserve()
	if !res.OK() {
		return &rateLimitError{retryAfter: time.Minute}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return &rateLimitError{retryAfter: delay}
	}
	return nil
}
