package config

import "slices"

// Diff describes what changed between two configs. Only fields that can
// be safely hot-reloaded without restarting sessions are tracked;
// anything else needs a process restart to take effect.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// KeywordsChanged marks a new transcript-correction vocabulary.
	KeywordsChanged bool
	NewKeywords     []string

	// TokensChanged marks a new bearer token set.
	TokensChanged bool
	NewTokens     []string

	// RateLimitChanged marks new throttling parameters.
	RateLimitChanged bool
	NewRateLimit     int
	NewRateWindowS   int
}

// Compare reports what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Agents.Keywords, new.Agents.Keywords) {
		d.KeywordsChanged = true
		d.NewKeywords = slices.Clone(new.Agents.Keywords)
	}

	if !slices.Equal(old.Auth.BearerTokens, new.Auth.BearerTokens) {
		d.TokensChanged = true
		d.NewTokens = slices.Clone(new.Auth.BearerTokens)
	}

	if old.Auth.RateLimitPerClient != new.Auth.RateLimitPerClient ||
		old.Auth.RateWindowS != new.Auth.RateWindowS {
		d.RateLimitChanged = true
		d.NewRateLimit = new.Auth.RateLimitPerClient
		d.NewRateWindowS = new.Auth.RateWindowS
	}

	return d
}

// Empty reports whether the diff carries no reloadable change.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.KeywordsChanged && !d.TokensChanged && !d.RateLimitChanged
}
