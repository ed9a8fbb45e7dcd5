package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// fakeProvider scripts a sequence of outcomes for successive Chat calls.
type fakeProvider struct {
	name  string
	errs  []error // errs[i] is the error for call i; out of range means success
	reply string
	calls atomic.Int32
}

func (f *fakeProvider) Chat(ctx context.Context, _ Request) (*Completion, error) {
	n := int(f.calls.Add(1)) - 1
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	return &Completion{Content: f.reply}, nil
}

func (f *fakeProvider) Model() string { return f.name }

func TestChatPrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "gpt-4o-mini", reply: "hello"}
	fallback := &fakeProvider{name: "llama3"}

	c, err := NewClient(primary, WithFallback(fallback))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	resp, err := c.Chat(t.Context(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello")
	}
	if resp.Model != "gpt-4o-mini" || resp.Status != StatusOK {
		t.Errorf("Model/Status = %q/%q, want gpt-4o-mini/%s", resp.Model, resp.Status, StatusOK)
	}
	if n := fallback.calls.Load(); n != 0 {
		t.Errorf("fallback calls = %d, want 0", n)
	}
}

func TestChatRetriesTransientOnce(t *testing.T) {
	primary := &fakeProvider{
		name:  "gpt-4o-mini",
		errs:  []error{errors.New("upstream 503")},
		reply: "second try",
	}
	c, err := NewClient(primary)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	resp, err := c.Chat(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "second try" {
		t.Errorf("Content = %q, want %q", resp.Content, "second try")
	}
	if resp.Status != StatusOK {
		t.Errorf("Status = %q, want %q", resp.Status, StatusOK)
	}
	if n := primary.calls.Load(); n != 2 {
		t.Errorf("primary calls = %d, want 2", n)
	}
}

func TestChatFallsBackAfterRetryExhausted(t *testing.T) {
	boom := errors.New("upstream down")
	primary := &fakeProvider{name: "gpt-4o-mini", errs: []error{boom, boom}}
	fallback := &fakeProvider{name: "llama3", reply: "from fallback"}

	c, err := NewClient(primary, WithFallback(fallback))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	resp, err := c.Chat(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("Content = %q, want %q", resp.Content, "from fallback")
	}
	if resp.Model != "llama3" {
		t.Errorf("Model = %q, want llama3", resp.Model)
	}
	if resp.Status != StatusFallbackOK {
		t.Errorf("Status = %q, want %q", resp.Status, StatusFallbackOK)
	}
	if n := primary.calls.Load(); n != 2 {
		t.Errorf("primary calls = %d, want 2", n)
	}
	if n := fallback.calls.Load(); n != 1 {
		t.Errorf("fallback calls = %d, want exactly 1", n)
	}
}

func TestChatBothProvidersFail(t *testing.T) {
	boom := errors.New("down")
	primary := &fakeProvider{name: "p", errs: []error{boom, boom}}
	fallback := &fakeProvider{name: "f", errs: []error{boom}}

	c, err := NewClient(primary, WithFallback(fallback))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Chat(t.Context(), Request{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Chat() error = %v, want ErrUnavailable", err)
	}
	if n := fallback.calls.Load(); n != 1 {
		t.Errorf("fallback calls = %d, want 1 (never retried)", n)
	}
}

func TestChatNoFallbackConfigured(t *testing.T) {
	boom := errors.New("down")
	primary := &fakeProvider{name: "p", errs: []error{boom, boom}}

	c, err := NewClient(primary)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Chat(t.Context(), Request{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Chat() error = %v, want ErrUnavailable", err)
	}
}

func TestChatCancelledContextSkipsRetryAndFallback(t *testing.T) {
	primary := &fakeProvider{name: "p", errs: []error{context.Canceled, context.Canceled}}
	fallback := &fakeProvider{name: "f", reply: "should not run"}

	c, err := NewClient(primary, WithFallback(fallback))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := c.Chat(ctx, Request{}); err == nil {
		t.Fatal("Chat() error = nil, want error")
	}
	if n := primary.calls.Load(); n != 1 {
		t.Errorf("primary calls = %d, want 1 (no retry after cancel)", n)
	}
	if n := fallback.calls.Load(); n != 0 {
		t.Errorf("fallback calls = %d, want 0", n)
	}
}

func TestNewClientRequiresPrimary(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("NewClient(nil) error = nil, want error")
	}
}
