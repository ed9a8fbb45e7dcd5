// Package mock provides a scriptable [stt.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/nordlys-ai/skald/pkg/audio"
	"github.com/nordlys-ai/skald/pkg/client/stt"
)

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber returns scripted results and records every segment it saw.
type Transcriber struct {
	// TranscribeFunc, when set, handles the call entirely.
	TranscribeFunc func(ctx context.Context, seg audio.Segment) (stt.ProcessedSegment, error)

	// Text is the transcript returned by the default behavior.
	Text string

	mu    sync.Mutex
	calls []audio.Segment
}

func (m *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (stt.ProcessedSegment, error) {
	m.mu.Lock()
	m.calls = append(m.calls, seg)
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, seg)
	}
	status := stt.StatusOK
	if m.Text == "" {
		status = stt.StatusEmpty
	}
	return stt.ProcessedSegment{
		CorrelationID: seg.CorrelationID,
		Transcript:    m.Text,
		Status:        status,
	}, nil
}

// Calls returns a snapshot of the segments transcribed so far.
func (m *Transcriber) Calls() []audio.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Segment(nil), m.calls...)
}
