// Package config provides the configuration schema, loader, and file
// watcher for the skald service.
//
// Configuration is YAML with strict field checking; every leaf can be
// overridden through a SKALD_* environment variable, and defaults are
// applied after decoding so a minimal file is enough to start.
package config

import (
	"time"

	"github.com/nordlys-ai/skald/pkg/audio"
)

// LogLevel controls log verbosity for the skald server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AdapterName selects an audio I/O adapter.
type AdapterName string

const (
	AdapterVoiceChat AdapterName = "voice-chat"
	AdapterFile      AdapterName = "file"
	AdapterWebRTC    AdapterName = "webrtc"
)

// IsValid reports whether a is a recognised adapter name.
func (a AdapterName) IsValid() bool {
	switch a {
	case AdapterVoiceChat, AdapterFile, AdapterWebRTC:
		return true
	}
	return false
}

// Config is the root configuration structure for skald.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	Adapters      AdaptersConfig      `yaml:"adapters"`
	Agents        AgentsConfig        `yaml:"agents"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Clients       ClientsConfig       `yaml:"clients"`
	Tools         ToolsConfig         `yaml:"tools"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings for the skald server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig tunes the canonical audio path. The canonical shape
// itself (48 kHz mono, 960-sample frames) is a wire invariant; setting
// it to anything else is a validation error, the fields exist only so a
// config file can state it explicitly.
type AudioConfig struct {
	CanonicalSampleRate      int `yaml:"canonical_sample_rate"`
	CanonicalFrameMS         int `yaml:"canonical_frame_ms"`
	CanonicalSamplesPerFrame int `yaml:"canonical_samples_per_frame"`

	// JitterTargetFrames and JitterMaxFrames bound the per-session
	// jitter buffer.
	JitterTargetFrames int `yaml:"jitter_target_frames"`
	JitterMaxFrames    int `yaml:"jitter_max_frames"`

	// VADAggressiveness selects detector thresholds, 0 (permissive)
	// through 3 (strict).
	VADAggressiveness   int `yaml:"vad_aggressiveness"`
	VADPaddingMS        int `yaml:"vad_padding_ms"`
	VADMinSegmentMS     int `yaml:"vad_min_segment_ms"`
	VADMaxSegmentMS     int `yaml:"vad_max_segment_ms"`

	// VADDegradedPassthrough forwards raw frames when the detector
	// fails instead of dropping the segment.
	VADDegradedPassthrough bool `yaml:"vad_degraded_passthrough"`

	// Loudness normalization targets for synthesized speech.
	LoudnormEnabled *bool   `yaml:"loudnorm_enabled"`
	LoudnormI       float64 `yaml:"loudnorm_i"`
	LoudnormTP      float64 `yaml:"loudnorm_tp"`
	LoudnormLRA     float64 `yaml:"loudnorm_lra"`
}

// AdaptersConfig selects the audio input and output adapters.
type AdaptersConfig struct {
	Input  AdapterConfig `yaml:"input"`
	Output AdapterConfig `yaml:"output"`
}

// AdapterConfig names one adapter and carries its settings (file path,
// gateway token, signaling URL; adapter-specific, passed through as-is).
type AdapterConfig struct {
	Name     AdapterName       `yaml:"name"`
	Settings map[string]string `yaml:"settings"`
}

// AgentsConfig tunes agent routing.
type AgentsConfig struct {
	// Default is the agent that handles a turn when no registered agent
	// accepts it.
	Default string `yaml:"default"`

	// RoutingEnabled toggles CanHandle-based routing; disabled means
	// every turn goes to the default agent. Default true.
	RoutingEnabled *bool `yaml:"routing_enabled"`

	// TimeoutMS is the per-turn agent budget.
	TimeoutMS int `yaml:"timeout_ms"`

	// SystemPrompt is injected into the conversational agent.
	SystemPrompt string `yaml:"system_prompt"`

	// Keywords is the vocabulary (agent names, domain terms) used for
	// phonetic transcript correction.
	Keywords []string `yaml:"keywords"`
}

// SessionsConfig tunes the session store.
type SessionsConfig struct {
	TTLMinutes      int `yaml:"ttl_minutes"`
	Max             int `yaml:"max"`
	ContextMaxTurns int `yaml:"context_max_turns"`

	// PostgresDSN selects the Postgres store. Empty means in-memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ClientsConfig configures the remote model services.
type ClientsConfig struct {
	STT       STTConfig       `yaml:"stt"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
}

// STTConfig configures the speech-to-text client.
type STTConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// LLMConfig configures the language-model client and its optional
// fallback provider.
type LLMConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`

	Fallback *LLMFallbackConfig `yaml:"fallback"`
}

// LLMFallbackConfig names the provider tried once when the primary
// fails.
type LLMFallbackConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// TTSConfig configures the text-to-speech client and its reply cache.
type TTSConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	CacheSize  int    `yaml:"cache_size"`
	CacheTTLS  int    `yaml:"cache_ttl_s"`
	Voice      string `yaml:"voice"`
}

// GuardrailConfig configures the validation service. Empty base URL
// means the built-in local policy.
type GuardrailConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ToolsConfig lists external MCP tool servers.
type ToolsConfig struct {
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "http".
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// RatePerMin and TimeoutMS apply to every tool from this server.
	RatePerMin int `yaml:"rate_per_min"`
	TimeoutMS  int `yaml:"timeout_ms"`

	// Roles restricts callers of every tool from this server.
	Roles []string `yaml:"roles"`
}

// AuthConfig configures API authentication and throttling.
type AuthConfig struct {
	// BearerTokens is the accepted token set. Empty disables auth.
	BearerTokens []string `yaml:"bearer_tokens"`

	// RateLimitPerClient is requests per window per client.
	RateLimitPerClient int `yaml:"rate_limit_per_client"`

	// RateWindowS is the limit window in seconds.
	RateWindowS int `yaml:"rate_window_s"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Enabled toggles the OTel providers. Default true.
	Enabled *bool `yaml:"enabled"`

	// OTLPEndpoint receives trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SamplerRatio is the trace sampling ratio in [0, 1]. Default 1.
	SamplerRatio *float64 `yaml:"sampler_ratio"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`
}

// Duration helpers for millisecond fields.

// STTTimeout returns the STT request budget.
func (c *ClientsConfig) STTTimeout() time.Duration {
	return time.Duration(c.STT.TimeoutMS) * time.Millisecond
}

// LLMTimeout returns the LLM request budget.
func (c *ClientsConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutMS) * time.Millisecond
}

// TTSTimeout returns the TTS request budget.
func (c *ClientsConfig) TTSTimeout() time.Duration {
	return time.Duration(c.TTS.TimeoutMS) * time.Millisecond
}

// AgentTimeout returns the per-turn agent budget.
func (a *AgentsConfig) AgentTimeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// SessionTTL returns the session expiry.
func (s *SessionsConfig) SessionTTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// applyDefaults fills every unset field with the documented default.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.CanonicalSampleRate == 0 {
		a.CanonicalSampleRate = audio.SampleRate
	}
	if a.CanonicalFrameMS == 0 {
		a.CanonicalFrameMS = int(audio.FrameDuration.Milliseconds())
	}
	if a.CanonicalSamplesPerFrame == 0 {
		a.CanonicalSamplesPerFrame = audio.FrameSamples
	}
	if a.JitterTargetFrames == 0 {
		a.JitterTargetFrames = 3
	}
	if a.JitterMaxFrames == 0 {
		a.JitterMaxFrames = 8
	}
	if a.VADPaddingMS == 0 {
		a.VADPaddingMS = 200
	}
	if a.VADMinSegmentMS == 0 {
		a.VADMinSegmentMS = 300
	}
	if a.VADMaxSegmentMS == 0 {
		a.VADMaxSegmentMS = 30000
	}
	if a.LoudnormEnabled == nil {
		a.LoudnormEnabled = boolPtr(true)
	}
	if a.LoudnormI == 0 {
		a.LoudnormI = -16
	}
	if a.LoudnormTP == 0 {
		a.LoudnormTP = -1.5
	}
	if a.LoudnormLRA == 0 {
		a.LoudnormLRA = 11
	}

	if cfg.Adapters.Input.Name == "" {
		cfg.Adapters.Input.Name = AdapterFile
	}
	if cfg.Adapters.Output.Name == "" {
		cfg.Adapters.Output.Name = AdapterFile
	}

	if cfg.Agents.Default == "" {
		cfg.Agents.Default = "echo"
	}
	if cfg.Agents.RoutingEnabled == nil {
		cfg.Agents.RoutingEnabled = boolPtr(true)
	}
	if cfg.Agents.TimeoutMS == 0 {
		cfg.Agents.TimeoutMS = 15000
	}

	if cfg.Sessions.TTLMinutes == 0 {
		cfg.Sessions.TTLMinutes = 60
	}
	if cfg.Sessions.Max == 0 {
		cfg.Sessions.Max = 1000
	}
	if cfg.Sessions.ContextMaxTurns == 0 {
		cfg.Sessions.ContextMaxTurns = 20
	}

	if cfg.Clients.STT.TimeoutMS == 0 {
		cfg.Clients.STT.TimeoutMS = 8000
	}
	if cfg.Clients.LLM.TimeoutMS == 0 {
		cfg.Clients.LLM.TimeoutMS = 20000
	}
	if cfg.Clients.TTS.TimeoutMS == 0 {
		cfg.Clients.TTS.TimeoutMS = 30000
	}
	if cfg.Clients.TTS.CacheSize == 0 {
		cfg.Clients.TTS.CacheSize = 256
	}
	if cfg.Clients.TTS.CacheTTLS == 0 {
		cfg.Clients.TTS.CacheTTLS = 3600
	}

	if cfg.Auth.RateLimitPerClient == 0 {
		cfg.Auth.RateLimitPerClient = 10
	}
	if cfg.Auth.RateWindowS == 0 {
		cfg.Auth.RateWindowS = 60
	}

	if cfg.Observability.Enabled == nil {
		cfg.Observability.Enabled = boolPtr(true)
	}
	if cfg.Observability.SamplerRatio == nil {
		one := 1.0
		cfg.Observability.SamplerRatio = &one
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "skald"
	}
}

func boolPtr(b bool) *bool { return &b }
