package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/gpt153/supervisor/pkg/models"
)

// Config is the fully resolved process configuration. Project membership is
// held behind an atomic snapshot pointer so a reload swaps atomically while
// in-flight requests keep the snapshot they started with.
type Config struct {
	configDir string

	Limits    *LimitsConfig
	Retention *RetentionConfig
	Slack     *SlackConfig
	Secrets   *SecretsConfig
	TempDir   string

	// Services is the backend CLI catalog (built-in merged with models.yaml).
	Services map[string]ServiceConfig

	snapshot atomic.Pointer[ProjectSnapshot]
}

// Stats summarizes loaded configuration for health reporting.
type Stats struct {
	Projects int `json:"projects"`
	Services int `json:"services"`
	Models   int `json:"models"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load supervisor.yaml and models.yaml from configDir
//  2. Expand environment variables
//  3. Merge built-in defaults with user-defined values
//  4. Build the initial immutable project snapshot
//  5. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"projects", stats.Projects,
		"services", stats.Services,
		"models", stats.Models)

	return cfg, nil
}

// Projects returns the current immutable project snapshot.
func (c *Config) Projects() *ProjectSnapshot {
	return c.snapshot.Load()
}

// Reload rebuilds the project snapshot from supervisor.yaml and swaps it in
// atomically. Limits and the service catalog are not reloaded; they are fixed
// for the process lifetime.
func (c *Config) Reload(_ context.Context) error {
	loader := &configLoader{configDir: c.configDir}
	supCfg, err := loader.loadSupervisorYAML()
	if err != nil {
		return NewLoadError("supervisor.yaml", err)
	}

	snapshot, err := buildSnapshot(supCfg.Projects)
	if err != nil {
		return err
	}

	c.snapshot.Store(snapshot)
	slog.Info("Project snapshot reloaded", "projects", len(snapshot.ordered))
	return nil
}

// Stats returns counts of loaded configuration components.
func (c *Config) Stats() Stats {
	modelCount := 0
	for _, svc := range c.Services {
		modelCount += len(svc.Models)
	}
	return Stats{
		Projects: len(c.Projects().ordered),
		Services: len(c.Services),
		Models:   modelCount,
	}
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	// 1. Load supervisor.yaml (projects, limits, system settings)
	supCfg, err := loader.loadSupervisorYAML()
	if err != nil {
		return nil, NewLoadError("supervisor.yaml", err)
	}

	// 2. Load models.yaml (backend service catalog); optional
	services, err := loader.loadModelsYAML()
	if err != nil {
		return nil, NewLoadError("models.yaml", err)
	}

	// 3. Merge built-in catalog with user-defined services (user overrides built-in)
	merged := BuiltinServices()
	for name, svc := range services {
		merged[name] = svc
	}

	// 4. Resolve limits (merge user YAML with built-in defaults)
	limits := DefaultLimitsConfig()
	if supCfg.Limits != nil {
		if err := mergo.Merge(limits, supCfg.Limits, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge limits config: %w", err)
		}
	}

	// 5. Resolve system settings
	slackCfg := resolveSlackConfig(supCfg.System)
	retentionCfg := resolveRetentionConfig(supCfg.System)
	secretsCfg := resolveSecretsConfig(supCfg.System)
	tempDir := resolveTempDir(supCfg.System)

	// 6. Build the initial project snapshot
	snapshot, err := buildSnapshot(supCfg.Projects)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		configDir: configDir,
		Limits:    limits,
		Retention: retentionCfg,
		Slack:     slackCfg,
		Secrets:   secretsCfg,
		TempDir:   tempDir,
		Services:  merged,
	}
	cfg.snapshot.Store(snapshot)

	return cfg, nil
}

// buildSnapshot converts YAML project entries into an immutable snapshot,
// rejecting duplicate slugs.
func buildSnapshot(entries []ProjectConfig) (*ProjectSnapshot, error) {
	seen := make(map[string]bool, len(entries))
	projects := make([]models.Project, 0, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return nil, NewValidationError("project", e.Name, "name", fmt.Errorf("%w: duplicate project name", ErrInvalidValue))
		}
		if e.Name == models.MetaProject {
			return nil, NewValidationError("project", e.Name, "name", fmt.Errorf("%w: %q is reserved", ErrInvalidValue, models.MetaProject))
		}
		seen[e.Name] = true
		projects = append(projects, e.effectiveProject())
	}
	return newProjectSnapshot(projects), nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables before parsing.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadSupervisorYAML() (*SupervisorYAMLConfig, error) {
	var config SupervisorYAMLConfig
	if err := l.loadYAML("supervisor.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadModelsYAML loads the backend service catalog. A missing file is not an
// error: the built-in catalog carries the defaults.
func (l *configLoader) loadModelsYAML() (map[string]ServiceConfig, error) {
	var config ModelsYAMLConfig
	config.Services = make(map[string]ServiceConfig)

	if err := l.loadYAML("models.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return config.Services, nil
		}
		return nil, err
	}

	return config.Services, nil
}

// resolveSlackConfig resolves Slack configuration from system YAML, applying defaults.
func resolveSlackConfig(sys *SystemYAMLConfig) *SlackConfig {
	cfg := &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}

	if sys == nil || sys.Slack == nil {
		return cfg
	}

	s := sys.Slack
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.ClosedInstanceDays > 0 {
		cfg.ClosedInstanceDays = r.ClosedInstanceDays
	}
	if r.SpawnOutputTTL > 0 {
		cfg.SpawnOutputTTL = r.SpawnOutputTTL
	}

	return cfg
}

// resolveSecretsConfig resolves secret store configuration from system YAML, applying defaults.
func resolveSecretsConfig(sys *SystemYAMLConfig) *SecretsConfig {
	cfg := &SecretsConfig{
		MasterKeyEnv: "SUPERVISOR_MASTER_KEY",
		KeyID:        "primary",
	}

	if sys == nil || sys.Secrets == nil {
		return cfg
	}

	s := sys.Secrets
	if s.MasterKeyEnv != "" {
		cfg.MasterKeyEnv = s.MasterKeyEnv
	}
	if s.KeyID != "" {
		cfg.KeyID = s.KeyID
	}

	return cfg
}

// resolveTempDir resolves the directory for agent instruction and output files.
func resolveTempDir(sys *SystemYAMLConfig) string {
	if sys != nil && sys.TempDir != "" {
		return sys.TempDir
	}
	return os.TempDir()
}
