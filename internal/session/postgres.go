package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT         PRIMARY KEY,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_active_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    owner          TEXT         NOT NULL DEFAULT '',
    channel        TEXT         NOT NULL DEFAULT '',
    metadata_json  JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_active
    ON sessions (last_active_at);

CREATE TABLE IF NOT EXISTS contexts (
    session_id   TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    history_json JSONB        NOT NULL DEFAULT '{}',
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_log (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    agent      TEXT         NOT NULL,
    transcript TEXT         NOT NULL DEFAULT '',
    response   TEXT         NOT NULL DEFAULT '',
    latency_ms BIGINT       NOT NULL DEFAULT 0,
    ts         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agent_log_session
    ON agent_log (session_id, ts);
`

// historyDoc is the JSON shape stored in contexts.history_json.
type historyDoc struct {
	Summary string `json:"summary,omitempty"`
	Turns   []Turn `json:"turns"`
}

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithPostgresTTL overrides the session TTL.
func WithPostgresTTL(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithPostgresMaxTurns overrides the per-session turn cap.
func WithPostgresMaxTurns(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithPostgresSummarizer compacts overflowing turns instead of
// dropping them.
func WithPostgresSummarizer(sum Summarizer) PostgresOption {
	return func(s *PostgresStore) { s.summarizer = sum }
}

// PostgresStore is the persistent [Store] over a pgx pool. Sessions,
// contexts, and the agent log survive restarts; TTL expiry is applied
// on read against last_active_at.
type PostgresStore struct {
	pool       *pgxpool.Pool
	ttl        time.Duration
	maxTurns   int
	summarizer Summarizer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection, and
// creates the schema when missing.
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session: parse dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: migrate: %w", err)
	}

	s := &PostgresStore{
		pool:     pool,
		ttl:      DefaultTTL,
		maxTurns: DefaultMaxTurns,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Touch implements [Store].
func (s *PostgresStore) Touch(ctx context.Context, id, owner, channel string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	// Replace expired rows instead of resurrecting them.
	const q = `
		INSERT INTO sessions (id, owner, channel)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET last_active_at = now(),
		    owner          = CASE WHEN sessions.last_active_at < now() - make_interval(secs => $4)
		                          THEN EXCLUDED.owner ELSE sessions.owner END,
		    channel        = CASE WHEN sessions.last_active_at < now() - make_interval(secs => $4)
		                          THEN EXCLUDED.channel ELSE sessions.channel END,
		    created_at     = CASE WHEN sessions.last_active_at < now() - make_interval(secs => $4)
		                          THEN now() ELSE sessions.created_at END
		RETURNING id, created_at, last_active_at, owner, channel, metadata_json`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id, owner, channel, s.ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	s.assignState(sess)
	return sess, nil
}

// GetSession implements [Store].
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `
		SELECT id, created_at, last_active_at, owner, channel, metadata_json
		FROM   sessions
		WHERE  id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session: %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	s.assignState(sess)
	if sess.State == StateExpired {
		return nil, fmt.Errorf("session %q: %w", id, ErrExpired)
	}
	return sess, nil
}

// GetContext implements [Store].
func (s *PostgresStore) GetContext(ctx context.Context, id string) (*Context, error) {
	const q = `
		SELECT history_json, updated_at
		FROM   contexts
		WHERE  session_id = $1`

	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Context{SessionID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get context: %w", err)
	}

	var doc historyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("session: decode history: %w", err)
	}
	return &Context{
		SessionID: id,
		Summary:   doc.Summary,
		Turns:     doc.Turns,
		UpdatedAt: updatedAt,
	}, nil
}

// AppendTurn implements [Store].
func (s *PostgresStore) AppendTurn(ctx context.Context, id string, turn Turn) (*Context, error) {
	c, err := s.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	c.Turns = append(c.Turns, turn)

	if err := compact(ctx, c, s.summarizer, s.maxTurns); err != nil {
		return nil, fmt.Errorf("session: compact context: %w", err)
	}
	if err := s.SaveContext(ctx, c); err != nil {
		return nil, err
	}

	const activate = `
		UPDATE sessions SET last_active_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, activate, id); err != nil {
		return nil, fmt.Errorf("session: refresh activity: %w", err)
	}
	return c, nil
}

// SaveContext implements [Store].
func (s *PostgresStore) SaveContext(ctx context.Context, c *Context) error {
	raw, err := json.Marshal(historyDoc{Summary: c.Summary, Turns: c.Turns})
	if err != nil {
		return fmt.Errorf("session: encode history: %w", err)
	}

	const q = `
		INSERT INTO contexts (session_id, history_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE
		SET history_json = EXCLUDED.history_json,
		    updated_at   = now()`

	if _, err := s.pool.Exec(ctx, q, c.SessionID, raw); err != nil {
		return fmt.Errorf("session: save context: %w", err)
	}
	return nil
}

// LogExecution implements [Store].
func (s *PostgresStore) LogExecution(ctx context.Context, entry ExecutionLog) error {
	const q = `
		INSERT INTO agent_log (session_id, agent, transcript, response, latency_ms, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		entry.SessionID, entry.Agent, entry.Transcript, entry.Response, entry.LatencyMs, at)
	if err != nil {
		return fmt.Errorf("session: log execution: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the database connection, for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reap deletes sessions expired past the TTL and returns the count.
func (s *PostgresStore) Reap(ctx context.Context) (int64, error) {
	const q = `DELETE FROM sessions WHERE last_active_at < now() - make_interval(secs => $1)`
	tag, err := s.pool.Exec(ctx, q, s.ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("session: reap: %w", err)
	}
	return tag.RowsAffected(), nil
}

// assignState derives the lifecycle state from timestamps.
func (s *PostgresStore) assignState(sess *Session) {
	idle := time.Since(sess.LastActiveAt)
	switch {
	case idle > s.ttl:
		sess.State = StateExpired
	case idle > idleAfter:
		sess.State = StateIdle
	case sess.CreatedAt.Equal(sess.LastActiveAt):
		sess.State = StateNew
	default:
		sess.State = StateActive
	}
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess Session
		meta []byte
	)
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActiveAt, &sess.Owner, &sess.Channel, &meta); err != nil {
		return nil, err
	}
	sess.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &sess, nil
}
