package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nordlys-ai/skald/internal/tools"
	"github.com/nordlys-ai/skald/pkg/client/llm"
)

// defaultSystemPrompt keeps replies short enough to speak aloud.
const defaultSystemPrompt = "You are a helpful voice assistant. " +
	"Answer in one or two short spoken sentences. " +
	"Use the available tools when the user asks for something they provide."

// Conversational answers every transcript through the LLM. It accepts
// everything at priority zero, so it acts as the router's catch-all
// while specialized agents outbid it.
type Conversational struct {
	provider llm.Provider
	registry *tools.Registry
	prompt   string
}

var _ Agent = (*Conversational)(nil)

// ConversationalOption configures a [Conversational].
type ConversationalOption func(*Conversational)

// WithSystemPrompt replaces the built-in persona prompt.
func WithSystemPrompt(p string) ConversationalOption {
	return func(a *Conversational) {
		if p != "" {
			a.prompt = p
		}
	}
}

// WithToolRegistry offers the registry's tools to the model.
func WithToolRegistry(r *tools.Registry) ConversationalOption {
	return func(a *Conversational) { a.registry = r }
}

// NewConversational creates the LLM-backed agent.
func NewConversational(provider llm.Provider, opts ...ConversationalOption) *Conversational {
	a := &Conversational{
		provider: provider,
		prompt:   defaultSystemPrompt,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (*Conversational) Name() string { return "conversational" }

func (*Conversational) CanHandle(req Request) (bool, int) {
	return req.Transcript != "", 0
}

func (a *Conversational) Handle(ctx context.Context, req Request) (Response, error) {
	messages := append(append([]llm.Message(nil), req.History...), llm.Message{
		Role:    "user",
		Content: req.Transcript,
	})

	completion, err := a.provider.Chat(ctx, llm.Request{
		Messages:     messages,
		Tools:        a.toolDefinitions(),
		SystemPrompt: a.prompt,
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat: %w", err)
	}

	resp := Response{
		Text: completion.Content,
		Metadata: map[string]string{
			"model":  completion.Model,
			"status": completion.Status,
		},
	}
	for _, tc := range completion.ToolCalls {
		args := map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return Response{}, fmt.Errorf("tool call %q arguments: %w", tc.Name, err)
			}
		}
		resp.Actions = append(resp.Actions, tools.Action{
			Tool:           tc.Name,
			Args:           args,
			IdempotencyKey: tc.ID,
		})
	}
	return resp, nil
}

// toolDefinitions exports the registry contract in the model's shape.
func (a *Conversational) toolDefinitions() []llm.ToolDefinition {
	if a.registry == nil {
		return nil
	}
	var defs []llm.ToolDefinition
	for _, name := range a.registry.Names() {
		desc, ok := a.registry.Describe(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  schemaToMap(desc.Schema),
		})
	}
	return defs
}

// schemaToMap flattens a compiled schema into the generic map shape the
// LLM SDKs expect.
func schemaToMap(s any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if s == nil {
		return fallback
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fallback
	}
	return m
}
