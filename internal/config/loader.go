package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// Load reads the YAML configuration file at path, applies SKALD_*
// environment overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config leaves from SKALD_* environment variables.
// Every recognized option has one; list-valued options are
// comma-separated.
func applyEnv(cfg *Config) {
	envString("SKALD_SERVER_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("SKALD_SERVER_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	envInt("SKALD_AUDIO_JITTER_TARGET_FRAMES", &cfg.Audio.JitterTargetFrames)
	envInt("SKALD_AUDIO_JITTER_MAX_FRAMES", &cfg.Audio.JitterMaxFrames)
	envInt("SKALD_AUDIO_VAD_AGGRESSIVENESS", &cfg.Audio.VADAggressiveness)
	envInt("SKALD_AUDIO_VAD_PADDING_MS", &cfg.Audio.VADPaddingMS)
	envInt("SKALD_AUDIO_VAD_MIN_SEGMENT_MS", &cfg.Audio.VADMinSegmentMS)
	envInt("SKALD_AUDIO_VAD_MAX_SEGMENT_MS", &cfg.Audio.VADMaxSegmentMS)
	envBool("SKALD_AUDIO_VAD_DEGRADED_PASSTHROUGH", &cfg.Audio.VADDegradedPassthrough)
	envBoolPtr("SKALD_AUDIO_LOUDNORM_ENABLED", &cfg.Audio.LoudnormEnabled)
	envFloat("SKALD_AUDIO_LOUDNORM_I", &cfg.Audio.LoudnormI)
	envFloat("SKALD_AUDIO_LOUDNORM_TP", &cfg.Audio.LoudnormTP)
	envFloat("SKALD_AUDIO_LOUDNORM_LRA", &cfg.Audio.LoudnormLRA)

	if v, ok := os.LookupEnv("SKALD_ADAPTERS_INPUT"); ok {
		cfg.Adapters.Input.Name = AdapterName(v)
	}
	if v, ok := os.LookupEnv("SKALD_ADAPTERS_OUTPUT"); ok {
		cfg.Adapters.Output.Name = AdapterName(v)
	}

	envString("SKALD_AGENTS_DEFAULT", &cfg.Agents.Default)
	envBoolPtr("SKALD_AGENTS_ROUTING_ENABLED", &cfg.Agents.RoutingEnabled)
	envInt("SKALD_AGENTS_TIMEOUT_MS", &cfg.Agents.TimeoutMS)
	envString("SKALD_AGENTS_SYSTEM_PROMPT", &cfg.Agents.SystemPrompt)
	envStrings("SKALD_AGENTS_KEYWORDS", &cfg.Agents.Keywords)

	envInt("SKALD_SESSIONS_TTL_MINUTES", &cfg.Sessions.TTLMinutes)
	envInt("SKALD_SESSIONS_MAX", &cfg.Sessions.Max)
	envInt("SKALD_SESSIONS_CONTEXT_MAX_TURNS", &cfg.Sessions.ContextMaxTurns)
	envString("SKALD_SESSIONS_POSTGRES_DSN", &cfg.Sessions.PostgresDSN)

	envString("SKALD_CLIENTS_STT_BASE_URL", &cfg.Clients.STT.BaseURL)
	envInt("SKALD_CLIENTS_STT_TIMEOUT_MS", &cfg.Clients.STT.TimeoutMS)
	envString("SKALD_CLIENTS_LLM_BASE_URL", &cfg.Clients.LLM.BaseURL)
	envString("SKALD_CLIENTS_LLM_API_KEY", &cfg.Clients.LLM.APIKey)
	envString("SKALD_CLIENTS_LLM_MODEL", &cfg.Clients.LLM.Model)
	envInt("SKALD_CLIENTS_LLM_TIMEOUT_MS", &cfg.Clients.LLM.TimeoutMS)
	envString("SKALD_CLIENTS_TTS_BASE_URL", &cfg.Clients.TTS.BaseURL)
	envInt("SKALD_CLIENTS_TTS_TIMEOUT_MS", &cfg.Clients.TTS.TimeoutMS)
	envInt("SKALD_CLIENTS_TTS_CACHE_SIZE", &cfg.Clients.TTS.CacheSize)
	envInt("SKALD_CLIENTS_TTS_CACHE_TTL_S", &cfg.Clients.TTS.CacheTTLS)
	envString("SKALD_CLIENTS_TTS_VOICE", &cfg.Clients.TTS.Voice)
	envString("SKALD_CLIENTS_GUARDRAIL_BASE_URL", &cfg.Clients.Guardrail.BaseURL)

	envStrings("SKALD_AUTH_BEARER_TOKENS", &cfg.Auth.BearerTokens)
	envInt("SKALD_AUTH_RATE_LIMIT_PER_CLIENT", &cfg.Auth.RateLimitPerClient)
	envInt("SKALD_AUTH_RATE_WINDOW_S", &cfg.Auth.RateWindowS)

	envBoolPtr("SKALD_OBSERVABILITY_ENABLED", &cfg.Observability.Enabled)
	envString("SKALD_OBSERVABILITY_OTLP_ENDPOINT", &cfg.Observability.OTLPEndpoint)
	envString("SKALD_OBSERVABILITY_SERVICE_NAME", &cfg.Observability.ServiceName)
	if v, ok := os.LookupEnv("SKALD_OBSERVABILITY_SAMPLER_RATIO"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.SamplerRatio = &f
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	a := cfg.Audio
	if a.CanonicalSampleRate != audio.SampleRate {
		errs = append(errs, fmt.Errorf("audio.canonical_sample_rate %d is not the wire invariant %d", a.CanonicalSampleRate, audio.SampleRate))
	}
	if a.CanonicalFrameMS != int(audio.FrameDuration.Milliseconds()) {
		errs = append(errs, fmt.Errorf("audio.canonical_frame_ms %d is not the wire invariant %d", a.CanonicalFrameMS, int(audio.FrameDuration.Milliseconds())))
	}
	if a.CanonicalSamplesPerFrame != audio.FrameSamples {
		errs = append(errs, fmt.Errorf("audio.canonical_samples_per_frame %d is not the wire invariant %d", a.CanonicalSamplesPerFrame, audio.FrameSamples))
	}
	if a.JitterTargetFrames <= 0 || a.JitterMaxFrames <= 0 || a.JitterTargetFrames > a.JitterMaxFrames {
		errs = append(errs, fmt.Errorf("audio jitter bounds target=%d max=%d are invalid", a.JitterTargetFrames, a.JitterMaxFrames))
	}
	if a.VADAggressiveness < 0 || a.VADAggressiveness > 3 {
		errs = append(errs, fmt.Errorf("audio.vad_aggressiveness %d is out of range 0..3", a.VADAggressiveness))
	}
	if a.VADMinSegmentMS > a.VADMaxSegmentMS {
		errs = append(errs, fmt.Errorf("audio.vad_min_segment_ms %d exceeds vad_max_segment_ms %d", a.VADMinSegmentMS, a.VADMaxSegmentMS))
	}

	if !cfg.Adapters.Input.Name.IsValid() {
		errs = append(errs, fmt.Errorf("adapters.input.name %q is invalid; valid values: voice-chat, file, webrtc", cfg.Adapters.Input.Name))
	}
	if !cfg.Adapters.Output.Name.IsValid() {
		errs = append(errs, fmt.Errorf("adapters.output.name %q is invalid; valid values: voice-chat, file, webrtc", cfg.Adapters.Output.Name))
	}

	if cfg.Agents.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("agents.timeout_ms %d must be positive", cfg.Agents.TimeoutMS))
	}

	if cfg.Sessions.TTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("sessions.ttl_minutes %d must be positive", cfg.Sessions.TTLMinutes))
	}
	if cfg.Sessions.Max <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max %d must be positive", cfg.Sessions.Max))
	}
	if cfg.Sessions.ContextMaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("sessions.context_max_turns %d must be positive", cfg.Sessions.ContextMaxTurns))
	}

	for _, c := range []struct {
		name string
		ms   int
	}{
		{"clients.stt.timeout_ms", cfg.Clients.STT.TimeoutMS},
		{"clients.llm.timeout_ms", cfg.Clients.LLM.TimeoutMS},
		{"clients.tts.timeout_ms", cfg.Clients.TTS.TimeoutMS},
	} {
		if c.ms <= 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", c.name, c.ms))
		}
	}
	if cfg.Clients.LLM.Fallback != nil && cfg.Clients.LLM.Fallback.Provider == "" {
		errs = append(errs, errors.New("clients.llm.fallback.provider is required when a fallback is configured"))
	}

	seen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			seen[srv.Name] = i
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
	}

	if cfg.Auth.RateLimitPerClient <= 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit_per_client %d must be positive", cfg.Auth.RateLimitPerClient))
	}
	if cfg.Auth.RateWindowS <= 0 {
		errs = append(errs, fmt.Errorf("auth.rate_window_s %d must be positive", cfg.Auth.RateWindowS))
	}

	if r := cfg.Observability.SamplerRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("observability.sampler_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

// env override helpers. Unparseable values are ignored so a bad
// environment cannot silently zero a field; validation still catches
// out-of-range results.

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envBoolPtr(key string, dst **bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = &b
		}
	}
}

func envStrings(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
