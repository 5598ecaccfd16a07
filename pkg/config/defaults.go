package config

import "time"

// DefaultLimitsConfig returns the built-in concurrency and deadline defaults.
func DefaultLimitsConfig() *LimitsConfig {
	return &LimitsConfig{
		MaxConcurrentCLI:      8,
		ValidationConcurrency: 4,
		PhaseTimeout:          30 * time.Minute,
		TerminationGrace:      10 * time.Second,
		SweepInterval:         30 * time.Second,
		QuotaProbeTTL:         1 * time.Minute,
	}
}

// DefaultRetentionConfig returns the built-in maintenance retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ClosedInstanceDays: 30,
		SpawnOutputTTL:     7 * 24 * time.Hour,
	}
}

// builtinServices is the model catalog used when models.yaml is absent or
// omits a service. User YAML overrides per service.
var builtinServices = map[string]ServiceConfig{
	"claude": {
		Binary:    "claude",
		QuotaArgs: []string{"usage", "--json"},
		Models: []ModelConfig{
			{Name: "claude-opus", Tier: 3, PricePer1KTokens: 0.0750, ContextTokens: 200000},
			{Name: "claude-sonnet", Tier: 2, PricePer1KTokens: 0.0150, ContextTokens: 200000},
			{Name: "claude-haiku", Tier: 1, PricePer1KTokens: 0.0040, ContextTokens: 200000},
		},
	},
	"gemini": {
		Binary:    "gemini",
		QuotaArgs: []string{"quota", "check"},
		Models: []ModelConfig{
			{Name: "gemini-pro", Tier: 2, PricePer1KTokens: 0.0125, ContextTokens: 1000000},
			{Name: "gemini-flash", Tier: 1, PricePer1KTokens: 0.0015, ContextTokens: 1000000},
		},
	},
	"codex": {
		Binary:    "codex",
		QuotaArgs: []string{"login", "status"},
		Models: []ModelConfig{
			{Name: "codex-high", Tier: 3, PricePer1KTokens: 0.0600, ContextTokens: 400000},
			{Name: "codex-mid", Tier: 2, PricePer1KTokens: 0.0100, ContextTokens: 400000},
			{Name: "codex-mini", Tier: 1, PricePer1KTokens: 0.0025, ContextTokens: 400000},
		},
	},
}

// BuiltinServices returns a copy of the built-in service catalog.
func BuiltinServices() map[string]ServiceConfig {
	out := make(map[string]ServiceConfig, len(builtinServices))
	for k, v := range builtinServices {
		models := append([]ModelConfig(nil), v.Models...)
		v.Models = models
		out[k] = v
	}
	return out
}
