package config

import (
	"time"

	"github.com/gpt153/supervisor/pkg/models"
)

// SupervisorYAMLConfig represents the complete supervisor.yaml file structure.
type SupervisorYAMLConfig struct {
	System   *SystemYAMLConfig `yaml:"system"`
	Projects []ProjectConfig   `yaml:"projects"`
	Limits   *LimitsConfig     `yaml:"limits"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	TempDir   string              `yaml:"temp_dir,omitempty"`
	Slack     *SlackYAMLConfig    `yaml:"slack,omitempty"`
	Retention *RetentionConfig    `yaml:"retention,omitempty"`
	Secrets   *SecretsYAMLConfig  `yaml:"secrets,omitempty"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// SecretsYAMLConfig holds secret store settings from YAML.
type SecretsYAMLConfig struct {
	// MasterKeyEnv names the environment variable carrying the base64 master key.
	MasterKeyEnv string `yaml:"master_key_env,omitempty"`
	// KeyID labels the active encryption key for stored records.
	KeyID string `yaml:"key_id,omitempty"`
}

// RetentionConfig controls maintenance pruning.
type RetentionConfig struct {
	ClosedInstanceDays int           `yaml:"closed_instance_days"`
	SpawnOutputTTL     time.Duration `yaml:"spawn_output_ttl"`
}

// ProjectConfig is one entry of the projects list in supervisor.yaml.
type ProjectConfig struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Path        string   `yaml:"path"`
	Endpoints   []string `yaml:"endpoints,omitempty"`
	Tools       []string `yaml:"tools,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
}

// LimitsConfig bounds concurrency and deadlines across the process.
type LimitsConfig struct {
	// MaxConcurrentCLI caps external CLI processes across all spawns.
	MaxConcurrentCLI int `yaml:"max_concurrent_cli"`

	// ValidationConcurrency caps concurrent validation spawns per orchestrator run.
	ValidationConcurrency int `yaml:"validation_concurrency"`

	// PhaseTimeout is the per-phase deadline for orchestrator spawns.
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// TerminationGrace is the SIGTERM→SIGKILL grace period on deadline expiry.
	TerminationGrace time.Duration `yaml:"termination_grace"`

	// SweepInterval is how often the health sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// QuotaProbeTTL is how long a CheckQuota result is cached per service.
	QuotaProbeTTL time.Duration `yaml:"quota_probe_ttl"`
}

// ModelsYAMLConfig represents the complete models.yaml file structure.
type ModelsYAMLConfig struct {
	Services map[string]ServiceConfig `yaml:"services"`
}

// ServiceConfig describes one backend AI CLI service and its model catalog.
type ServiceConfig struct {
	// Binary is the CLI executable name or absolute path.
	Binary string `yaml:"binary"`
	// QuotaArgs are the arguments of the cheap quota probe subcommand.
	QuotaArgs []string `yaml:"quota_args,omitempty"`
	Models    []ModelConfig `yaml:"models"`
}

// ModelConfig describes one routable model.
type ModelConfig struct {
	Name string `yaml:"name"`
	// Tier orders models within a service: higher means more capable.
	Tier int `yaml:"tier"`
	// PricePer1KTokens is the accounting price in USD per 1000 tokens.
	PricePer1KTokens float64 `yaml:"price_per_1k_tokens"`
	// ContextTokens is the model's context window size.
	ContextTokens int `yaml:"context_tokens"`
}

// SlackConfig is the resolved Slack notifier configuration.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string
	Channel  string
}

// SecretsConfig is the resolved secret store configuration.
type SecretsConfig struct {
	MasterKeyEnv string
	KeyID        string
}

// effectiveProject converts a YAML project entry into an immutable snapshot entry.
func (p ProjectConfig) effectiveProject() models.Project {
	display := p.DisplayName
	if display == "" {
		display = p.Name
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return models.Project{
		Name:        p.Name,
		DisplayName: display,
		Description: p.Description,
		Path:        p.Path,
		Endpoints:   append([]string(nil), p.Endpoints...),
		Tools:       append([]string(nil), p.Tools...),
		Enabled:     enabled,
	}
}
