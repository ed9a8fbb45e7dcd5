package session

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryEntry is one session with its context, tracked on the LRU list.
type memoryEntry struct {
	session *Session
	context *Context

	// writeMu serializes context writes for this session. Summarization
	// runs outside the store lock; without per-session serialization a
	// turn appended during that window would be lost on write-back.
	writeMu sync.Mutex
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithTTL overrides the session TTL.
func WithTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxSessions overrides the live-session cap.
func WithMaxSessions(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithMaxTurns overrides the per-session turn cap.
func WithMaxTurns(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithSummarizer compacts overflowing turns instead of dropping them.
func WithSummarizer(sum Summarizer) MemoryOption {
	return func(s *MemoryStore) { s.summarizer = sum }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.log = l }
}

// MemoryStore is the in-process [Store]: an LRU of sessions with TTL
// expiry, suitable for single-instance deployments and tests.
type MemoryStore struct {
	ttl         time.Duration
	maxSessions int
	maxTurns    int
	summarizer  Summarizer
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently active

	now func() time.Time // injectable clock for tests
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store with default limits.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:         DefaultTTL,
		maxSessions: DefaultMaxSessions,
		maxTurns:    DefaultMaxTurns,
		log:         slog.Default(),
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Touch implements [Store].
func (s *MemoryStore) Touch(_ context.Context, id, owner, channel string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	if el, ok := s.entries[id]; ok {
		entry := el.Value.(*memoryEntry)
		if !s.expired(entry.session, now) {
			entry.session.LastActiveAt = now
			if entry.session.State != StateNew {
				entry.session.State = StateActive
			}
			s.order.MoveToFront(el)
			return cloneSession(entry.session), nil
		}
		s.remove(el)
	}

	for len(s.entries) >= s.maxSessions {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*memoryEntry).session
		s.log.Debug("evicting least recently active session",
			slog.String("session_id", evicted.ID))
		s.remove(oldest)
	}

	sess := &Session{
		ID:           id,
		Owner:        owner,
		Channel:      channel,
		State:        StateNew,
		CreatedAt:    now,
		LastActiveAt: now,
		Metadata:     map[string]string{},
	}
	el := s.order.PushFront(&memoryEntry{
		session: sess,
		context: &Context{SessionID: id, UpdatedAt: now},
	})
	s.entries[id] = el
	return cloneSession(sess), nil
}

// GetSession implements [Store].
func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneSession(entry.session), nil
}

// GetContext implements [Store].
func (s *MemoryStore) GetContext(_ context.Context, id string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneContext(entry.context), nil
}

// AppendTurn implements [Store]. The first completed turn moves the
// session from New to Active.
func (s *MemoryStore) AppendTurn(ctx context.Context, id string, turn Turn) (*Context, error) {
	s.mu.Lock()
	entry, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()

	s.mu.Lock()
	if el, ok := s.entries[id]; !ok || el.Value.(*memoryEntry) != entry {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: %q not found", id)
	}
	if turn.At.IsZero() {
		turn.At = s.now()
	}
	entry.context.Turns = append(entry.context.Turns, turn)
	entry.context.UpdatedAt = s.now()
	entry.session.State = StateActive
	entry.session.LastActiveAt = s.now()
	working := cloneContext(entry.context)
	summarizer := s.summarizer
	maxTurns := s.maxTurns
	s.mu.Unlock()

	// Summarization may call an LLM; never hold the store lock across
	// it. writeMu keeps concurrent appends to this session ordered.
	if err := compact(ctx, working, summarizer, maxTurns); err != nil {
		s.log.Warn("context summarization failed, oldest turns dropped",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	if el, ok := s.entries[id]; ok && el.Value.(*memoryEntry) == entry {
		entry.context = cloneContext(working)
	}
	s.mu.Unlock()
	return working, nil
}

// SaveContext implements [Store].
func (s *MemoryStore) SaveContext(_ context.Context, c *Context) error {
	s.mu.Lock()
	entry, err := s.lookup(c.SessionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	entry.writeMu.Lock()
	defer entry.writeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[c.SessionID]; !ok || el.Value.(*memoryEntry) != entry {
		return fmt.Errorf("session: %q not found", c.SessionID)
	}
	entry.context = cloneContext(c)
	entry.context.UpdatedAt = s.now()
	return nil
}

// LogExecution implements [Store]. The in-memory store only logs; the
// Postgres store persists the same record.
func (s *MemoryStore) LogExecution(_ context.Context, entry ExecutionLog) error {
	s.log.Info("agent execution",
		slog.String("session_id", entry.SessionID),
		slog.String("agent", entry.Agent),
		slog.Int64("latency_ms", entry.LatencyMs))
	return nil
}

// Close implements [Store].
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*list.Element)
	s.order.Init()
}

// Sweep removes expired sessions and returns how many were reaped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reaped := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if s.expired(el.Value.(*memoryEntry).session, now) {
			s.remove(el)
			reaped++
		}
		el = prev
	}
	return reaped
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// lookup finds a live entry, applying lazy expiry and the idle
// transition. Must be called with s.mu held.
func (s *MemoryStore) lookup(id string) (*memoryEntry, error) {
	el, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("session: %q not found", id)
	}
	entry := el.Value.(*memoryEntry)
	now := s.now()
	if s.expired(entry.session, now) {
		s.remove(el)
		return nil, fmt.Errorf("session %q: %w", id, ErrExpired)
	}
	if entry.session.State == StateActive && now.Sub(entry.session.LastActiveAt) > idleAfter {
		entry.session.State = StateIdle
	}
	return entry, nil
}

func (s *MemoryStore) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActiveAt) > s.ttl
}

// remove must be called with s.mu held.
func (s *MemoryStore) remove(el *list.Element) {
	entry := el.Value.(*memoryEntry)
	entry.session.State = StateExpired
	s.order.Remove(el)
	delete(s.entries, entry.session.ID)
}

func cloneSession(in *Session) *Session {
	out := *in
	out.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func cloneContext(in *Context) *Context {
	out := *in
	out.Turns = append([]Turn(nil), in.Turns...)
	return &out
}
