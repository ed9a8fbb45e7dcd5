package audio

import (
	"context"
	"errors"
	"sync"
)

// Jitter buffer defaults.
const (
	DefaultJitterTarget = 3 // 60 ms
	DefaultJitterMax    = 8 // 160 ms
)

// ErrBufferClosed is returned by [JitterBuffer.Push] and [JitterBuffer.Pop]
// after [JitterBuffer.Close].
var ErrBufferClosed = errors.New("audio: jitter buffer closed")

// JitterBuffer smooths the cadence of ingress frames before downstream
// stages see them. It is a bounded FIFO: when a push would exceed the hard
// cap the oldest frame is dropped, and on playback underrun [PopOrSilence]
// emits one silence frame rather than stalling.
//
// Single producer, single consumer. All access is serialized by one lock.
type JitterBuffer struct {
	mu      sync.Mutex
	frames  []Frame
	target  int
	max     int
	closed  bool
	lastSeq uint64

	// wake signals a blocked consumer that a frame arrived or the buffer
	// closed. Capacity 1 so producers never block on it.
	wake chan struct{}

	onDrop  func()    // overflow counter hook
	onDepth func(int) // depth gauge hook
}

// JitterOption configures a [JitterBuffer].
type JitterOption func(*JitterBuffer)

// WithJitterDepths overrides the target and maximum frame depths.
func WithJitterDepths(target, max int) JitterOption {
	return func(b *JitterBuffer) {
		if target > 0 {
			b.target = target
		}
		if max > 0 {
			b.max = max
		}
	}
}

// WithDropHook registers a callback invoked once per overflow drop.
func WithDropHook(fn func()) JitterOption {
	return func(b *JitterBuffer) { b.onDrop = fn }
}

// WithDepthHook registers a callback invoked with the depth after every
// push and pop.
func WithDepthHook(fn func(int)) JitterOption {
	return func(b *JitterBuffer) { b.onDepth = fn }
}

// NewJitterBuffer creates a jitter buffer with the default depths
// (target 3 frames, cap 8 frames) unless overridden.
func NewJitterBuffer(opts ...JitterOption) *JitterBuffer {
	b := &JitterBuffer{
		target: DefaultJitterTarget,
		max:    DefaultJitterMax,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	if b.max < b.target {
		b.max = b.target
	}
	return b
}

// Push appends a frame. When the buffer is at capacity the oldest frame is
// dropped first and the drop hook fires.
func (b *JitterBuffer) Push(f Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	if len(b.frames) >= b.max {
		b.frames = b.frames[1:]
		if b.onDrop != nil {
			b.onDrop()
		}
	}
	b.frames = append(b.frames, f)
	b.lastSeq = f.Seq
	b.reportDepth()
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest frame, blocking until a frame is
// available, the buffer closes, or ctx is cancelled.
func (b *JitterBuffer) Pop(ctx context.Context) (Frame, error) {
	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			f := b.frames[0]
			b.frames = b.frames[1:]
			b.reportDepth()
			b.mu.Unlock()
			return f, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Frame{}, ErrBufferClosed
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-b.wake:
		}
	}
}

// PopOrSilence removes and returns the oldest frame, or one frame of
// silence when the buffer is empty. Used on the playback side where the
// sink must never stall.
func (b *JitterBuffer) PopOrSilence() Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 {
		f := b.frames[0]
		b.frames = b.frames[1:]
		b.reportDepth()
		return f
	}
	b.lastSeq++
	return Silence(b.lastSeq)
}

// Depth returns the current number of buffered frames.
func (b *JitterBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Target returns the configured target depth.
func (b *JitterBuffer) Target() int { return b.target }

// Close marks the buffer closed and wakes any blocked consumer. Buffered
// frames remain poppable until drained.
func (b *JitterBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// reportDepth fires the depth gauge hook. Must be called with mu held.
func (b *JitterBuffer) reportDepth() {
	if b.onDepth != nil {
		b.onDepth(len(b.frames))
	}
}
