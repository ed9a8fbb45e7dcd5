// Package mock provides a scriptable [tts.Synthesizer] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/nordlys-ai/skald/pkg/audio"
	"github.com/nordlys-ai/skald/pkg/client/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer emits a fixed number of silence frames per call and records
// the texts it was asked to speak.
type Synthesizer struct {
	// SynthesizeFunc, when set, handles the call entirely.
	SynthesizeFunc func(ctx context.Context, text, voice string) (<-chan audio.Frame, error)

	// FramesPerCall is the number of frames emitted by the default
	// behavior. Zero means 5.
	FramesPerCall int

	// Delay, when set, spaces the emitted frames apart. Lets barge-in
	// tests catch playback mid-flight.
	Delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (m *Synthesizer) Synthesize(ctx context.Context, text, voice string) (<-chan audio.Frame, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()

	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text, voice)
	}

	n := m.FramesPerCall
	if n == 0 {
		n = 5
	}
	out := make(chan audio.Frame)
	go func() {
		defer close(out)
		for i := range n {
			if m.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.Delay):
				}
			}
			select {
			case out <- audio.Silence(uint64(i)):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Calls returns a snapshot of the synthesized texts.
func (m *Synthesizer) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
