package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	var drops int
	maxDepth := 0
	b := NewJitterBuffer(
		WithDropHook(func() { drops++ }),
		WithDepthHook(func(d int) {
			if d > maxDepth {
				maxDepth = d
			}
		}),
	)

	for _, f := range testFrames(t, 12, 0) {
		if err := b.Push(f); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	if maxDepth > DefaultJitterMax {
		t.Errorf("max depth = %d, want <= %d", maxDepth, DefaultJitterMax)
	}
	if drops != 4 {
		t.Errorf("drops = %d, want 4", drops)
	}

	// The 4 oldest frames were dropped, so the head is seq 4.
	f, err := b.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if f.Seq != 4 {
		t.Errorf("head Seq = %d, want 4", f.Seq)
	}
}

func TestJitterBufferPopBlocksUntilPush(t *testing.T) {
	b := NewJitterBuffer()
	got := make(chan Frame, 1)
	go func() {
		f, err := b.Pop(context.Background())
		if err != nil {
			return
		}
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	want := testFrames(t, 1, 7)[0]
	if err := b.Push(want); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case f := <-got:
		if f.Seq != want.Seq {
			t.Errorf("popped Seq = %d, want %d", f.Seq, want.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop() did not return after Push()")
	}
}

func TestJitterBufferPopHonorsContext(t *testing.T) {
	b := NewJitterBuffer()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestJitterBufferUnderrunEmitsSilence(t *testing.T) {
	b := NewJitterBuffer()
	f := b.PopOrSilence()
	if len(f.Samples) != FrameSamples {
		t.Fatalf("silence frame has %d samples, want %d", len(f.Samples), FrameSamples)
	}
	for i, v := range f.Samples {
		if v != 0 {
			t.Fatalf("Samples[%d] = %v, want 0", i, v)
		}
	}
}

func TestJitterBufferClose(t *testing.T) {
	b := NewJitterBuffer()
	if err := b.Push(testFrames(t, 1, 0)[0]); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	b.Close()

	if err := b.Push(testFrames(t, 1, 1)[0]); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("Push() after Close error = %v, want ErrBufferClosed", err)
	}

	// Buffered frames drain before the closed error surfaces.
	if _, err := b.Pop(context.Background()); err != nil {
		t.Fatalf("Pop() of buffered frame error = %v", err)
	}
	if _, err := b.Pop(context.Background()); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("Pop() after drain error = %v, want ErrBufferClosed", err)
	}
}
