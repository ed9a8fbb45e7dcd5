// Package mock provides scriptable adapter implementations for tests.
package mock

import (
	"context"
	"sync"

	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ adapter.Input  = (*Input)(nil)
	_ adapter.Output = (*Output)(nil)
)

// Input is a test double for [adapter.Input]. Tests push frames through
// [Input.Emit] and close the stream with [Input.End].
type Input struct {
	// StartErr, when set, is returned by Start.
	StartErr error

	mu      sync.Mutex
	frames  chan audio.Frame
	active  bool
	stopped bool
}

// NewInput creates a mock input with the given frame channel capacity.
func NewInput(buffer int) *Input {
	return &Input{frames: make(chan audio.Frame, buffer)}
}

func (m *Input) Start(_ context.Context) error {
	if m.StartErr != nil {
		return m.StartErr
	}
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	return nil
}

func (m *Input) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		m.active = false
		close(m.frames)
	}
	return nil
}

func (m *Input) Frames() <-chan audio.Frame { return m.frames }

func (m *Input) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Emit delivers one frame to the consumer. Returns false once the input
// was stopped.
func (m *Input) Emit(f audio.Frame) bool {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return false
	}
	m.frames <- f
	return true
}

// End closes the frame stream as a natural end of source.
func (m *Input) End() { _ = m.Stop() }

// Output is a test double for [adapter.Output] that records every frame
// played to it.
type Output struct {
	// PlayErr, when set, is returned by Play immediately.
	PlayErr error

	mu      sync.Mutex
	played  []audio.Frame
	playing bool
	stop    chan struct{}
}

// NewOutput creates a mock output.
func NewOutput() *Output {
	return &Output{stop: make(chan struct{})}
}

func (m *Output) Play(ctx context.Context, frames <-chan audio.Frame) error {
	if m.PlayErr != nil {
		return m.PlayErr
	}
	m.mu.Lock()
	m.playing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.playing = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			m.mu.Lock()
			m.played = append(m.played, f)
			m.mu.Unlock()
		}
	}
}

func (m *Output) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	return nil
}

func (m *Output) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

// Stopped reports whether Stop has been called.
func (m *Output) Stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// Played returns a snapshot of all frames received so far.
func (m *Output) Played() []audio.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audio.Frame(nil), m.played...)
}
