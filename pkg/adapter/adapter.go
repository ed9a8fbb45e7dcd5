// Package adapter defines the pluggable audio I/O contract: input adapters
// produce canonical frames from a source (voice chat, file, WebRTC-class
// transport) and output adapters play canonical frames back to it. A
// registry maps configured adapter names to constructors so the composition
// root can wire sources and sinks without compile-time coupling.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// Adapter error sentinels.
var (
	// ErrUnknownAdapter is returned by registry lookups for names that were
	// never registered.
	ErrUnknownAdapter = errors.New("adapter: unknown adapter")

	// ErrFatal marks an adapter failure that exhausted its reconnect
	// budget. The owning session stops; other sessions are unaffected.
	ErrFatal = errors.New("adapter: fatal")
)

// Input produces canonical frames from an external source. The frame
// channel is infinite until the source ends or Stop is called, and is not
// restartable: a stopped input is discarded, not reused.
type Input interface {
	// Start connects to the source and begins producing frames. The ctx
	// governs the lifetime of the stream, not only the setup phase.
	Start(ctx context.Context) error

	// Stop signals the source to disconnect. The frame channel closes once
	// in-flight frames are drained.
	Stop() error

	// Frames returns the channel delivering canonical frames. Valid after
	// Start.
	Frames() <-chan audio.Frame

	// Active reports whether the input is currently producing.
	Active() bool
}

// Output plays canonical frames to an external sink.
type Output interface {
	// Play consumes frames until the channel closes, ctx is cancelled, or
	// Stop is called. It blocks for the duration of playback.
	Play(ctx context.Context, frames <-chan audio.Frame) error

	// Stop aborts any in-progress playback.
	Stop() error

	// Playing reports whether playback is in progress.
	Playing() bool
}

// Settings carries adapter-specific configuration as flat key/value pairs,
// e.g. the file path for the file adapter or the gateway token for voice
// chat.
type Settings map[string]string

// InputFactory constructs an input adapter from settings.
type InputFactory func(s Settings) (Input, error)

// OutputFactory constructs an output adapter from settings.
type OutputFactory func(s Settings) (Output, error)

// Registry maps adapter names to factories. Register all adapters at
// startup; lookups are safe for concurrent use afterwards.
type Registry struct {
	mu      sync.RWMutex
	inputs  map[string]InputFactory
	outputs map[string]OutputFactory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		inputs:  make(map[string]InputFactory),
		outputs: make(map[string]OutputFactory),
	}
}

// RegisterInput registers an input factory under name, replacing any
// previous registration.
func (r *Registry) RegisterInput(name string, f InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = f
}

// RegisterOutput registers an output factory under name, replacing any
// previous registration.
func (r *Registry) RegisterOutput(name string, f OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = f
}

// NewInput constructs an input adapter by registered name.
func (r *Registry) NewInput(name string, s Settings) (Input, error) {
	r.mu.RLock()
	f, ok := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input %q (registered: %v)", ErrUnknownAdapter, name, r.InputNames())
	}
	return f(s)
}

// NewOutput constructs an output adapter by registered name.
func (r *Registry) NewOutput(name string, s Settings) (Output, error) {
	r.mu.RLock()
	f, ok := r.outputs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output %q (registered: %v)", ErrUnknownAdapter, name, r.OutputNames())
	}
	return f(s)
}

// InputNames returns the registered input adapter names, sorted.
func (r *Registry) InputNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.inputs))
	for n := range r.inputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OutputNames returns the registered output adapter names, sorted.
func (r *Registry) OutputNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.outputs))
	for n := range r.outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
