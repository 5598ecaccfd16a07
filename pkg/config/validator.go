package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/gpt153/supervisor/pkg/models"
)

// projectSlugPattern constrains project names so generated instance IDs stay
// parseable: lowercase alphanumerics and dashes only.
var projectSlugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validator validates a loaded Config.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation pass and joins the failures.
func (v *Validator) ValidateAll() error {
	var errs []error
	errs = append(errs, v.validateProjects()...)
	errs = append(errs, v.validateServices()...)
	errs = append(errs, v.validateLimits()...)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}

func (v *Validator) validateProjects() []error {
	var errs []error
	for _, p := range v.cfg.Projects().All() {
		if p.Name == models.MetaProject {
			continue // implicit project, no path required
		}
		if !projectSlugPattern.MatchString(p.Name) {
			errs = append(errs, NewValidationError("project", p.Name, "name",
				fmt.Errorf("%w: must match %s", ErrInvalidValue, projectSlugPattern)))
		}
		if p.Path == "" {
			errs = append(errs, NewValidationError("project", p.Name, "path", ErrMissingRequiredField))
			continue
		}
		if !filepath.IsAbs(p.Path) {
			errs = append(errs, NewValidationError("project", p.Name, "path",
				fmt.Errorf("%w: must be absolute", ErrInvalidValue)))
		}
	}
	return errs
}

func (v *Validator) validateServices() []error {
	var errs []error
	for name, svc := range v.cfg.Services {
		if svc.Binary == "" {
			errs = append(errs, NewValidationError("service", name, "binary", ErrMissingRequiredField))
		}
		if len(svc.Models) == 0 {
			errs = append(errs, NewValidationError("service", name, "models", ErrMissingRequiredField))
		}
		for _, m := range svc.Models {
			if m.Name == "" {
				errs = append(errs, NewValidationError("service", name, "models.name", ErrMissingRequiredField))
			}
			if m.PricePer1KTokens < 0 {
				errs = append(errs, NewValidationError("service", name, "models.price_per_1k_tokens",
					fmt.Errorf("%w: must be non-negative", ErrInvalidValue)))
			}
			if m.Tier <= 0 {
				errs = append(errs, NewValidationError("service", name, "models.tier",
					fmt.Errorf("%w: must be positive", ErrInvalidValue)))
			}
		}
	}
	return errs
}

func (v *Validator) validateLimits() []error {
	var errs []error
	l := v.cfg.Limits
	if l.MaxConcurrentCLI <= 0 {
		errs = append(errs, NewValidationError("limits", "limits", "max_concurrent_cli",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if l.ValidationConcurrency <= 0 {
		errs = append(errs, NewValidationError("limits", "limits", "validation_concurrency",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if l.PhaseTimeout <= 0 {
		errs = append(errs, NewValidationError("limits", "limits", "phase_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if l.TerminationGrace <= 0 {
		errs = append(errs, NewValidationError("limits", "limits", "termination_grace",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if l.SweepInterval <= 0 {
		errs = append(errs, NewValidationError("limits", "limits", "sweep_interval",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	return errs
}
