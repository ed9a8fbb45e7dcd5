package config_test

import (
	"strings"
	"testing"

	"github.com/nordlys-ai/skald/internal/config"
)

func loadYAML(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestCompare_NoChange(t *testing.T) {
	old := loadYAML(t, "server:\n  log_level: info\n")
	new := loadYAML(t, "server:\n  log_level: info\n")

	if d := config.Compare(old, new); !d.Empty() {
		t.Errorf("Compare() = %+v, want empty diff", d)
	}
}

func TestCompare_LogLevel(t *testing.T) {
	old := loadYAML(t, "server:\n  log_level: info\n")
	new := loadYAML(t, "server:\n  log_level: debug\n")

	d := config.Compare(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("Compare() = %+v, want log level change to debug", d)
	}
	if d.Empty() {
		t.Error("Empty() = true for a changed diff")
	}
}

func TestCompare_Keywords(t *testing.T) {
	old := loadYAML(t, "agents:\n  keywords: [grafana]\n")
	new := loadYAML(t, "agents:\n  keywords: [grafana, kubernetes]\n")

	d := config.Compare(old, new)
	if !d.KeywordsChanged || len(d.NewKeywords) != 2 {
		t.Errorf("Compare() = %+v, want keyword change", d)
	}
}

func TestCompare_TokensAndRateLimit(t *testing.T) {
	old := loadYAML(t, "auth:\n  bearer_tokens: [a]\n  rate_limit_per_client: 10\n")
	new := loadYAML(t, "auth:\n  bearer_tokens: [a, b]\n  rate_limit_per_client: 20\n")

	d := config.Compare(old, new)
	if !d.TokensChanged || len(d.NewTokens) != 2 {
		t.Errorf("Compare() = %+v, want token change", d)
	}
	if !d.RateLimitChanged || d.NewRateLimit != 20 {
		t.Errorf("Compare() = %+v, want rate limit change to 20", d)
	}
}
