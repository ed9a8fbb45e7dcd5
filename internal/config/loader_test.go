package config_test

import (
	"strings"
	"testing"

	"github.com/nordlys-ai/skald/internal/config"
)

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.JitterTargetFrames != 3 || cfg.Audio.JitterMaxFrames != 8 {
		t.Errorf("jitter = %d/%d, want 3/8", cfg.Audio.JitterTargetFrames, cfg.Audio.JitterMaxFrames)
	}
	if cfg.Audio.VADPaddingMS != 200 || cfg.Audio.VADMinSegmentMS != 300 || cfg.Audio.VADMaxSegmentMS != 30000 {
		t.Errorf("vad = %d/%d/%d, want 200/300/30000",
			cfg.Audio.VADPaddingMS, cfg.Audio.VADMinSegmentMS, cfg.Audio.VADMaxSegmentMS)
	}
	if cfg.Audio.LoudnormEnabled == nil || !*cfg.Audio.LoudnormEnabled {
		t.Error("loudnorm_enabled should default to true")
	}
	if cfg.Audio.LoudnormI != -16 || cfg.Audio.LoudnormTP != -1.5 || cfg.Audio.LoudnormLRA != 11 {
		t.Errorf("loudnorm targets = %v/%v/%v, want -16/-1.5/11",
			cfg.Audio.LoudnormI, cfg.Audio.LoudnormTP, cfg.Audio.LoudnormLRA)
	}
	if cfg.Agents.Default != "echo" || cfg.Agents.TimeoutMS != 15000 {
		t.Errorf("agents = %q/%d, want echo/15000", cfg.Agents.Default, cfg.Agents.TimeoutMS)
	}
	if cfg.Agents.RoutingEnabled == nil || !*cfg.Agents.RoutingEnabled {
		t.Error("routing_enabled should default to true")
	}
	if cfg.Sessions.TTLMinutes != 60 || cfg.Sessions.Max != 1000 || cfg.Sessions.ContextMaxTurns != 20 {
		t.Errorf("sessions = %d/%d/%d, want 60/1000/20",
			cfg.Sessions.TTLMinutes, cfg.Sessions.Max, cfg.Sessions.ContextMaxTurns)
	}
	if cfg.Clients.STT.TimeoutMS != 8000 || cfg.Clients.LLM.TimeoutMS != 20000 || cfg.Clients.TTS.TimeoutMS != 30000 {
		t.Errorf("client timeouts = %d/%d/%d, want 8000/20000/30000",
			cfg.Clients.STT.TimeoutMS, cfg.Clients.LLM.TimeoutMS, cfg.Clients.TTS.TimeoutMS)
	}
	if cfg.Clients.TTS.CacheSize != 256 || cfg.Clients.TTS.CacheTTLS != 3600 {
		t.Errorf("tts cache = %d/%d, want 256/3600", cfg.Clients.TTS.CacheSize, cfg.Clients.TTS.CacheTTLS)
	}
	if cfg.Auth.RateLimitPerClient != 10 || cfg.Auth.RateWindowS != 60 {
		t.Errorf("rate limit = %d/%d, want 10/60", cfg.Auth.RateLimitPerClient, cfg.Auth.RateWindowS)
	}
	if cfg.Observability.SamplerRatio == nil || *cfg.Observability.SamplerRatio != 1 {
		t.Error("sampler_ratio should default to 1")
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	const yaml = `
server:
  listen_addr: ":9999"
  not_a_field: true
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_JoinsValidationErrors(t *testing.T) {
	const yaml = `
server:
  log_level: bananas
audio:
  vad_aggressiveness: 7
sessions:
  ttl_minutes: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "vad_aggressiveness", "ttl_minutes"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestLoadFromReader_RejectsNonCanonicalAudio(t *testing.T) {
	const yaml = `
audio:
  canonical_sample_rate: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "canonical_sample_rate") {
		t.Fatalf("error = %v, want canonical sample rate rejection", err)
	}
}

func TestLoadFromReader_ValidatesAdapters(t *testing.T) {
	const yaml = `
adapters:
  input:
    name: tape-deck
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "adapters.input.name") {
		t.Fatalf("error = %v, want adapter name rejection", err)
	}
}

func TestLoadFromReader_ValidatesMCPServers(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "tools:\n  mcp_servers:\n    - transport: stdio\n      command: srv\n",
			want: "name is required",
		},
		{
			name: "stdio without command",
			yaml: "tools:\n  mcp_servers:\n    - name: a\n      transport: stdio\n",
			want: "command is required",
		},
		{
			name: "http without url",
			yaml: "tools:\n  mcp_servers:\n    - name: a\n      transport: http\n",
			want: "url is required",
		},
		{
			name: "unknown transport",
			yaml: "tools:\n  mcp_servers:\n    - name: a\n      transport: carrier-pigeon\n",
			want: "transport",
		},
		{
			name: "duplicate name",
			yaml: "tools:\n  mcp_servers:\n    - name: a\n      transport: http\n      url: http://x\n    - name: a\n      transport: http\n      url: http://y\n",
			want: "duplicate",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv("SKALD_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("SKALD_SERVER_LOG_LEVEL", "debug")
	t.Setenv("SKALD_SESSIONS_TTL_MINUTES", "15")
	t.Setenv("SKALD_AUTH_BEARER_TOKENS", "alpha, beta,gamma")
	t.Setenv("SKALD_AGENTS_ROUTING_ENABLED", "false")

	const yaml = `
server:
  listen_addr: ":8080"
sessions:
  ttl_minutes: 60
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen_addr = %q, want env override :7070", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Sessions.TTLMinutes != 15 {
		t.Errorf("ttl_minutes = %d, want env override 15", cfg.Sessions.TTLMinutes)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(cfg.Auth.BearerTokens) != 3 {
		t.Fatalf("bearer_tokens = %v, want %v", cfg.Auth.BearerTokens, want)
	}
	for i, tok := range want {
		if cfg.Auth.BearerTokens[i] != tok {
			t.Errorf("bearer_tokens[%d] = %q, want %q", i, cfg.Auth.BearerTokens[i], tok)
		}
	}
	if cfg.Agents.RoutingEnabled == nil || *cfg.Agents.RoutingEnabled {
		t.Error("routing_enabled should be overridden to false")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/skald.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
