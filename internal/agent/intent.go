package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/nordlys-ai/skald/internal/tools"
)

// intentPriority sits between echo and the summarizer: direct tool
// intents beat recaps but never the pipeline check.
const intentPriority = 75

// Intent maps a handful of unambiguous spoken requests straight to tool
// actions without an LLM round trip. Time questions and plain
// arithmetic resolve in milliseconds this way.
type Intent struct{}

var _ Agent = (*Intent)(nil)

// NewIntent creates the intent agent.
func NewIntent() *Intent { return &Intent{} }

func (*Intent) Name() string { return "intent" }

var (
	timePattern = regexp.MustCompile(`\b(what time is it|what'?s the time|current time)\b`)
	calcPattern = regexp.MustCompile(`\bwhat is (\d+(?:\.\d+)?) (plus|minus|times|divided by) (\d+(?:\.\d+)?)\b`)
)

func (*Intent) CanHandle(req Request) (bool, int) {
	lower := strings.ToLower(req.Transcript)
	if timePattern.MatchString(lower) || calcPattern.MatchString(lower) {
		return true, intentPriority
	}
	return false, 0
}

func (*Intent) Handle(_ context.Context, req Request) (Response, error) {
	lower := strings.ToLower(req.Transcript)

	if m := calcPattern.FindStringSubmatch(lower); m != nil {
		ops := map[string]string{
			"plus":       "add",
			"minus":      "subtract",
			"times":      "multiply",
			"divided by": "divide",
		}
		return Response{
			Actions: []tools.Action{{
				Tool: "calculate",
				Args: map[string]any{
					"operation": ops[m[2]],
					"a":         parseNumber(m[1]),
					"b":         parseNumber(m[3]),
				},
			}},
		}, nil
	}

	return Response{
		Actions: []tools.Action{{Tool: "current_time", Args: map[string]any{}}},
	}, nil
}

// parseNumber never fails: the pattern already guarantees digits.
func parseNumber(s string) float64 {
	n, _ := strconv.ParseFloat(s, 64)
	return n
}
