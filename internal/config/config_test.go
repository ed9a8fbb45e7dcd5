package config_test

import (
	"testing"
	"time"

	"github.com/nordlys-ai/skald/internal/config"
)

func TestLogLevelIsValid(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"verbose", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestAdapterNameIsValid(t *testing.T) {
	tests := []struct {
		name config.AdapterName
		want bool
	}{
		{config.AdapterVoiceChat, true},
		{config.AdapterFile, true},
		{config.AdapterWebRTC, true},
		{"tape-deck", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.name.IsValid(); got != tc.want {
			t.Errorf("AdapterName(%q).IsValid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDurationHelpers(t *testing.T) {
	clients := config.ClientsConfig{
		STT: config.STTConfig{TimeoutMS: 8000},
		LLM: config.LLMConfig{TimeoutMS: 20000},
		TTS: config.TTSConfig{TimeoutMS: 30000},
	}
	if got := clients.STTTimeout(); got != 8*time.Second {
		t.Errorf("STTTimeout() = %v, want 8s", got)
	}
	if got := clients.LLMTimeout(); got != 20*time.Second {
		t.Errorf("LLMTimeout() = %v, want 20s", got)
	}
	if got := clients.TTSTimeout(); got != 30*time.Second {
		t.Errorf("TTSTimeout() = %v, want 30s", got)
	}

	agents := config.AgentsConfig{TimeoutMS: 15000}
	if got := agents.AgentTimeout(); got != 15*time.Second {
		t.Errorf("AgentTimeout() = %v, want 15s", got)
	}

	sessions := config.SessionsConfig{TTLMinutes: 60}
	if got := sessions.SessionTTL(); got != time.Hour {
		t.Errorf("SessionTTL() = %v, want 1h", got)
	}
}
