package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nordlys-ai/skald/pkg/client/llm"
)

// summarizerPriority outbids the conversational default when the user
// asks for a recap.
const summarizerPriority = 50

// summaryPrompt is also used by the session store to compact history.
const summaryPrompt = "Summarize the following conversation in at most " +
	"three short sentences, keeping names, decisions, and open questions."

// recapTriggers are phrases that route a transcript to the summarizer.
var recapTriggers = []string{
	"summarize",
	"recap",
	"what did we talk about",
	"what have we discussed",
}

// Summarizer condenses the conversation so far. It doubles as the
// session store's compactor via [Summarizer.Summarize].
type Summarizer struct {
	provider llm.Provider
}

var _ Agent = (*Summarizer)(nil)

// NewSummarizer creates the summarizer agent.
func NewSummarizer(provider llm.Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

func (*Summarizer) Name() string { return "summarizer" }

func (*Summarizer) CanHandle(req Request) (bool, int) {
	lower := strings.ToLower(req.Transcript)
	for _, trigger := range recapTriggers {
		if strings.Contains(lower, trigger) {
			return true, summarizerPriority
		}
	}
	return false, 0
}

func (s *Summarizer) Handle(ctx context.Context, req Request) (Response, error) {
	if len(req.History) == 0 {
		return Response{Text: "We haven't talked about anything yet."}, nil
	}
	summary, err := s.Summarize(ctx, req.History)
	if err != nil {
		return Response{}, err
	}
	return Response{Text: summary}, nil
}

// Summarize condenses messages into a short paragraph.
func (s *Summarizer) Summarize(ctx context.Context, messages []llm.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	completion, err := s.provider.Chat(ctx, llm.Request{
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		SystemPrompt: summaryPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return completion.Content, nil
}
