// Package resilience shields the pipeline from flapping upstream
// services. [Breaker] is a three-state circuit breaker; the Guarded*
// decorators wrap the STT, TTS, and LLM clients so a dead dependency
// fails fast instead of eating a per-call timeout on every segment.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the upstream while the breaker
// holds calls back.
var ErrOpen = errors.New("resilience: circuit open")

// Breaker tuning defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultProbeBudget  = 3
)

// state is the breaker's operating mode.
type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithMaxFailures sets consecutive failures before the breaker opens.
func WithMaxFailures(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before probing.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithProbeBudget sets the number of half-open probe calls.
func WithProbeBudget(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.probeBudget = n
		}
	}
}

// WithBreakerLogger overrides the logger.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.log = l }
}

// Breaker trips after consecutive failures, rejects calls while open,
// and closes again after enough successful half-open probes. Safe for
// concurrent use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int
	log          *slog.Logger
	now          func() time.Time // injectable clock for tests

	mu          sync.Mutex
	state       state
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a closed breaker. name labels log lines.
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:         name,
		maxFailures:  DefaultMaxFailures,
		resetTimeout: DefaultResetTimeout,
		probeBudget:  DefaultProbeBudget,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn unless the breaker rejects the call with [ErrOpen].
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = stateHalfOpen
		b.probes = 0
		b.probeFails = 0
		b.log.Info("circuit half-open, probing", slog.String("breaker", b.name))
	case stateHalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == stateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = b.now()
	if probing {
		b.probeFails++
		b.state = stateOpen
		b.failures = b.maxFailures
		b.log.Warn("circuit re-opened by failed probe", slog.String("breaker", b.name))
		return
	}
	b.failures++
	if b.failures >= b.maxFailures && b.state == stateClosed {
		b.state = stateOpen
		b.log.Warn("circuit opened",
			slog.String("breaker", b.name),
			slog.Int("consecutive_failures", b.failures))
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeBudget {
			b.state = stateClosed
			b.failures = 0
			b.log.Info("circuit closed", slog.String("breaker", b.name))
		}
		return
	}
	b.failures = 0
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.lastFailure) < b.resetTimeout
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
