package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrSessionExists is returned when starting a session whose ID is
// already live.
var ErrSessionExists = errors.New("orchestrator: session already running")

// ErrSessionNotFound is returned when stopping an unknown session.
var ErrSessionNotFound = errors.New("orchestrator: session not found")

// SessionFactory builds a fully wired session for one config. The
// composition root supplies it so the manager never touches adapters
// or clients directly.
type SessionFactory func(cfg SessionConfig) (*Session, error)

// Manager owns the set of live sessions. One session failing or
// panicking never affects the others.
type Manager struct {
	factory SessionFactory
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*running
	wg       sync.WaitGroup
}

type running struct {
	session *Session
	done    chan struct{}
}

// NewManager creates an empty session manager.
func NewManager(factory SessionFactory, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory:  factory,
		log:      log,
		sessions: make(map[string]*running),
	}
}

// Start builds and launches a session. It returns once the session is
// running; the session's lifetime is governed by ctx and [Manager.Stop].
func (m *Manager) Start(ctx context.Context, cfg SessionConfig) error {
	m.mu.Lock()
	if _, ok := m.sessions[cfg.SessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSessionExists, cfg.SessionID)
	}
	// Reserve the slot before the factory runs so concurrent starts of
	// the same ID cannot race.
	r := &running{done: make(chan struct{})}
	m.sessions[cfg.SessionID] = r
	m.mu.Unlock()

	s, err := m.factory(cfg)
	if err != nil {
		m.remove(cfg.SessionID)
		close(r.done)
		return fmt.Errorf("orchestrator: build session %q: %w", cfg.SessionID, err)
	}
	r.session = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer m.remove(cfg.SessionID)
		if err := s.Run(ctx); err != nil {
			m.log.Error("session exited with error",
				slog.String("session_id", cfg.SessionID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop ends one session and waits for it to drain.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || r.session == nil {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	r.session.Stop()
	<-r.done
	return nil
}

// StopAll ends every session and waits up to timeout for them to
// drain.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	for _, r := range m.sessions {
		if r.session != nil {
			r.session.Stop()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn("sessions still draining at shutdown deadline")
	}
}

// Active returns the IDs of live sessions, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
