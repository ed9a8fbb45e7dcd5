package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/nordlys-ai/skald/internal/config"
	"github.com/nordlys-ai/skald/internal/observe"
	"github.com/nordlys-ai/skald/internal/orchestrator"
	"github.com/nordlys-ai/skald/pkg/adapter"
	adaptermock "github.com/nordlys-ai/skald/pkg/adapter/mock"
	guardrailmock "github.com/nordlys-ai/skald/pkg/client/guardrail/mock"
	llmmock "github.com/nordlys-ai/skald/pkg/client/llm/mock"
	sttmock "github.com/nordlys-ai/skald/pkg/client/stt/mock"
	ttsmock "github.com/nordlys-ai/skald/pkg/client/tts/mock"
)

// testConfig returns a fully defaulted config, optionally patched by
// yaml fragments.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

// mockAdapters registers mock factories under the adapter names the
// default config uses.
func mockAdapters() *adapter.Registry {
	reg := adapter.NewRegistry()
	for _, name := range []config.AdapterName{config.AdapterVoiceChat, config.AdapterFile, config.AdapterWebRTC} {
		reg.RegisterInput(string(name), func(adapter.Settings) (adapter.Input, error) {
			return adaptermock.NewInput(8), nil
		})
		reg.RegisterOutput(string(name), func(adapter.Settings) (adapter.Output, error) {
			return adaptermock.NewOutput(), nil
		})
	}
	return reg
}

func TestNewTextOnly(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""),
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.stt != nil || a.tts != nil || a.chat != nil {
		t.Error("clients should stay nil without base URLs or credentials")
	}
	if a.summarizer != nil {
		t.Error("summarizer requires a chat provider")
	}
	if got := a.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() = %v, want none", got)
	}
}

func TestNewRegistersChatAgents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""),
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
		WithChatProvider(&llmmock.Provider{Content: "hello"}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.summarizer == nil {
		t.Error("summarizer should be built from the chat provider")
	}
}

func TestNewRejectsMissingDefaultAgent(t *testing.T) {
	// "conversational" only exists when a chat provider is configured.
	cfg := testConfig(t, "agents:\n  default: conversational\n")

	_, err := New(context.Background(), cfg,
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
	)
	if err == nil {
		t.Fatal("New() should fail when the default agent is unavailable")
	}
	if !strings.Contains(err.Error(), "conversational") {
		t.Errorf("error %q should name the missing agent", err)
	}
}

func TestNewRoutingDisabledRegistersOnlyDefault(t *testing.T) {
	cfg := testConfig(t, "agents:\n  routing_enabled: false\n  default: echo\n")

	a, err := New(context.Background(), cfg,
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
		WithChatProvider(&llmmock.Provider{Content: "hi"}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())
}

func TestStartSessionRequiresVoiceClients(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""),
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
		WithAdapterRegistry(mockAdapters()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	err = a.StartSession(context.Background(), orchestrator.SessionConfig{SessionID: "s1"})
	if err == nil {
		t.Fatal("StartSession() should fail without stt and tts clients")
	}
}

func TestVoiceSessionLifecycle(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""),
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
		WithTranscriber(&sttmock.Transcriber{Text: "hello"}),
		WithSynthesizer(&ttsmock.Synthesizer{}),
		WithAdapterRegistry(mockAdapters()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx := context.Background()
	if err := a.StartSession(ctx, orchestrator.SessionConfig{SessionID: "s1"}); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if got := a.Sessions(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("Sessions() = %v, want [s1]", got)
	}

	if err := a.StartSession(ctx, orchestrator.SessionConfig{SessionID: "s1"}); err == nil {
		t.Error("duplicate session id should be rejected")
	}

	if err := a.StopSession("s1"); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if got := a.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() after stop = %v, want none", got)
	}
}

func TestReloadSwapsCorrectorAndAuth(t *testing.T) {
	oldCfg := testConfig(t, "agents:\n  keywords: [kubernetes]\n")
	a, err := New(context.Background(), oldCfg,
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.responder == nil {
		t.Fatal("responder not built")
	}

	newCfg := testConfig(t, `
agents:
  keywords: []
auth:
  bearer_tokens: [secret-token]
  rate_limit_per_client: 3
`)
	a.Reload(oldCfg, newCfg)

	// An empty keyword list must disable correction entirely.
	if got := a.responder.CurrentCorrector(); got != nil {
		t.Error("corrector should be nil after reloading empty keywords")
	}

	// Reloading identical configs must be a no-op.
	a.Reload(newCfg, newCfg)
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, ""),
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestRunServesAndStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "server:\n  listen_addr: \"127.0.0.1:0\"\n")
	a, err := New(context.Background(), cfg,
		WithMetrics(testMetrics(t)),
		WithValidator(&guardrailmock.Validator{}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
