package agent

import (
	"context"
	"strings"
)

// echoPriority outbids the conversational default for echo commands.
const echoPriority = 100

// Echo repeats the transcript back. It accepts only transcripts that
// start with "echo", which makes it the cheapest possible end-to-end
// pipeline check on a live deployment.
type Echo struct{}

var _ Agent = (*Echo)(nil)

// NewEcho creates the echo agent.
func NewEcho() *Echo { return &Echo{} }

func (*Echo) Name() string { return "echo" }

func (*Echo) CanHandle(req Request) (bool, int) {
	lower := strings.ToLower(strings.TrimSpace(req.Transcript))
	if lower == "echo" || strings.HasPrefix(lower, "echo ") {
		return true, echoPriority
	}
	return false, 0
}

func (*Echo) Handle(_ context.Context, req Request) (Response, error) {
	return Response{Text: strings.TrimSpace(req.Transcript)}, nil
}
