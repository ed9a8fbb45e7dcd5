// Package mock provides a scriptable [guardrail.Validator] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/nordlys-ai/skald/pkg/client/guardrail"
)

var _ guardrail.Validator = (*Validator)(nil)

// Validator passes everything through by default; script blocks with
// InputFunc/OutputFunc.
type Validator struct {
	// InputFunc, when set, handles ValidateInput entirely.
	InputFunc func(ctx context.Context, text string) (guardrail.Verdict, error)

	// OutputFunc, when set, handles ValidateOutput entirely.
	OutputFunc func(ctx context.Context, text string) (guardrail.Verdict, error)

	mu      sync.Mutex
	inputs  []string
	outputs []string
}

func (m *Validator) ValidateInput(ctx context.Context, text string) (guardrail.Verdict, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, text)
	m.mu.Unlock()

	if m.InputFunc != nil {
		return m.InputFunc(ctx, text)
	}
	return guardrail.Verdict{Safe: true, Text: text}, nil
}

func (m *Validator) ValidateOutput(ctx context.Context, text string) (guardrail.Verdict, error) {
	m.mu.Lock()
	m.outputs = append(m.outputs, text)
	m.mu.Unlock()

	if m.OutputFunc != nil {
		return m.OutputFunc(ctx, text)
	}
	return guardrail.Verdict{Safe: true, Text: text}, nil
}

// Inputs returns a snapshot of texts passed to ValidateInput.
func (m *Validator) Inputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inputs...)
}

// Outputs returns a snapshot of texts passed to ValidateOutput.
func (m *Validator) Outputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outputs...)
}
