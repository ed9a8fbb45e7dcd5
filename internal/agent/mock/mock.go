// Package mock provides a scriptable [agent.Agent] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/nordlys-ai/skald/internal/agent"
)

var _ agent.Agent = (*Agent)(nil)

// Agent accepts everything by default and replies with Text.
type Agent struct {
	// AgentName is reported by Name. Empty means "mock".
	AgentName string

	// Accept and Priority script CanHandle. Accept defaults to true.
	Accept   func(req agent.Request) (bool, int)
	Priority int

	// HandleFunc, when set, handles the call entirely.
	HandleFunc func(ctx context.Context, req agent.Request) (agent.Response, error)

	// Text is the reply returned by the default behavior.
	Text string

	// Err, when set, is returned from Handle.
	Err error

	mu    sync.Mutex
	calls []agent.Request
}

func (m *Agent) Name() string {
	if m.AgentName == "" {
		return "mock"
	}
	return m.AgentName
}

func (m *Agent) CanHandle(req agent.Request) (bool, int) {
	if m.Accept != nil {
		return m.Accept(req)
	}
	return true, m.Priority
}

func (m *Agent) Handle(ctx context.Context, req agent.Request) (agent.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.HandleFunc != nil {
		return m.HandleFunc(ctx, req)
	}
	if m.Err != nil {
		return agent.Response{}, m.Err
	}
	return agent.Response{Text: m.Text}, nil
}

// Calls returns a snapshot of the handled requests.
func (m *Agent) Calls() []agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Request(nil), m.calls...)
}
