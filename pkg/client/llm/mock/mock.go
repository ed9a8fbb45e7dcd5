// Package mock provides a scriptable [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/nordlys-ai/skald/pkg/client/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider returns scripted completions and records every request.
type Provider struct {
	// ChatFunc, when set, handles the call entirely.
	ChatFunc func(ctx context.Context, req llm.Request) (*llm.Completion, error)

	// Content is the reply text returned by the default behavior.
	Content string

	// Err, when set, is returned instead of a completion.
	Err error

	// Name is reported by Model. Empty means "mock-model".
	Name string

	mu    sync.Mutex
	calls []llm.Request
}

func (m *Provider) Chat(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &llm.Completion{Content: m.Content}, nil
}

func (m *Provider) Model() string {
	if m.Name == "" {
		return "mock-model"
	}
	return m.Name
}

// Calls returns a snapshot of the requests received so far.
func (m *Provider) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.calls...)
}
