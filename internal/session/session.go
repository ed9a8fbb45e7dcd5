// Package session tracks conversations and their rolling context. A
// [Store] hands out sessions keyed by ID, keeps the last turns of each
// conversation under a hard cap, and records agent executions. The
// in-memory store is the default; the Postgres store persists the same
// shapes across restarts.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/nordlys-ai/skald/pkg/client/llm"
)

// Store limits.
const (
	// DefaultTTL expires sessions with no activity.
	DefaultTTL = 60 * time.Minute

	// DefaultMaxSessions caps live sessions; the least recently active
	// is evicted first.
	DefaultMaxSessions = 1000

	// DefaultMaxTurns caps context history per session.
	DefaultMaxTurns = 20

	// idleAfter moves an active session to Idle.
	idleAfter = 5 * time.Minute
)

// ErrExpired is returned when a session's TTL has lapsed.
var ErrExpired = errors.New("session: expired")

// State is a session's lifecycle stage.
type State int

const (
	// StateNew marks a session created but with no completed turn.
	StateNew State = iota

	// StateActive marks a session with recent turns.
	StateActive

	// StateIdle marks a session quiet past the idle window but inside
	// the TTL.
	StateIdle

	// StateExpired marks a session past the TTL. Expired sessions are
	// unusable and reaped.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is one conversation's identity and lifecycle.
type Session struct {
	ID           string
	Owner        string
	Channel      string
	State        State
	CreatedAt    time.Time
	LastActiveAt time.Time
	Metadata     map[string]string
}

// Turn is one user/assistant exchange.
type Turn struct {
	User      string
	Assistant string
	At        time.Time
}

// Context is the rolling conversation history for one session.
type Context struct {
	SessionID string

	// Summary compacts turns that fell off the cap, when a summarizer
	// is configured. Injected as leading system context.
	Summary string

	// Turns holds the newest exchanges, oldest first.
	Turns []Turn

	UpdatedAt time.Time
}

// Messages flattens the context into model messages, oldest first.
func (c *Context) Messages() []llm.Message {
	var msgs []llm.Message
	if c.Summary != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Conversation so far: " + c.Summary,
		})
	}
	for _, t := range c.Turns {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.User})
		if t.Assistant != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Assistant})
		}
	}
	return msgs
}

// ExecutionLog records one agent invocation for auditing.
type ExecutionLog struct {
	SessionID  string
	Agent      string
	Transcript string
	Response   string
	LatencyMs  int64
	At         time.Time
}

// Summarizer compacts overflowing turns. The summarizer agent
// satisfies this.
type Summarizer interface {
	Summarize(ctx context.Context, messages []llm.Message) (string, error)
}

// Store is the session and context persistence boundary.
type Store interface {
	// Touch returns the session for id, creating it when absent and
	// refreshing its activity timestamp. Expired sessions are replaced
	// with fresh ones.
	Touch(ctx context.Context, id, owner, channel string) (*Session, error)

	// GetSession returns the session for id without refreshing it.
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetContext returns the context for id, empty when none is saved.
	GetContext(ctx context.Context, id string) (*Context, error)

	// AppendTurn adds one exchange, enforcing the turn cap by
	// summarizing or dropping the oldest, and returns the updated
	// context.
	AppendTurn(ctx context.Context, id string, turn Turn) (*Context, error)

	// SaveContext overwrites the context for its session.
	SaveContext(ctx context.Context, c *Context) error

	// LogExecution records one agent invocation.
	LogExecution(ctx context.Context, entry ExecutionLog) error

	// Close releases the store's resources.
	Close()
}

// compact enforces maxTurns on c after an append. With a summarizer the
// overflow is folded into c.Summary; without, the oldest turns drop.
func compact(ctx context.Context, c *Context, summarizer Summarizer, maxTurns int) error {
	if len(c.Turns) <= maxTurns {
		return nil
	}
	overflow := c.Turns[:len(c.Turns)-maxTurns]
	c.Turns = append([]Turn(nil), c.Turns[len(c.Turns)-maxTurns:]...)

	if summarizer == nil {
		return nil
	}

	var msgs []llm.Message
	if c.Summary != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: c.Summary})
	}
	for _, t := range overflow {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.User})
		msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Assistant})
	}
	summary, err := summarizer.Summarize(ctx, msgs)
	if err != nil {
		// The trimmed context stays usable; the overflow is lost.
		return err
	}
	c.Summary = summary
	return nil
}
