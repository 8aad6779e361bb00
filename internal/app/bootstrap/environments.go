// Package bootstrap prepares a fresh controller: environment seeds and the
// initial version.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
)

type environmentsFile struct {
	Environments []environmentSpec `yaml:"environments"`
}

type environmentSpec struct {
	ID           string      `yaml:"id"`
	Name         string      `yaml:"name"`
	Type         string      `yaml:"type"`
	Twin         string      `yaml:"twin"`
	Active       bool        `yaml:"active"`
	Version      string      `yaml:"version"`
	HealthChecks []checkSpec `yaml:"health_checks"`
}

type checkSpec struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Endpoint       string         `yaml:"endpoint"`
	Method         string         `yaml:"method"`
	ExpectedStatus int            `yaml:"expected_status"`
	Timeout        time.Duration  `yaml:"timeout"`
	Retries        int            `yaml:"retries"`
	Threshold      *thresholdSpec `yaml:"threshold"`
}

type thresholdSpec struct {
	Metric   string  `yaml:"metric"`
	Operator string  `yaml:"operator"`
	Value    float64 `yaml:"value"`
}

var environmentTypes = map[domain.EnvironmentType]bool{
	domain.EnvironmentDev:     true,
	domain.EnvironmentStaging: true,
	domain.EnvironmentBlue:    true,
	domain.EnvironmentGreen:   true,
	domain.EnvironmentProd:    true,
}

// DefaultEnvironments is the topology used when no seed file is configured:
// dev, staging, a blue/green pair with blue live, and prod.
func DefaultEnvironments() []domain.Environment {
	return []domain.Environment{
		{ID: "dev", Name: "Development", Type: domain.EnvironmentDev, Status: domain.EnvironmentIdle},
		{ID: "staging", Name: "Staging", Type: domain.EnvironmentStaging, Status: domain.EnvironmentIdle},
		{ID: "blue", Name: "Blue", Type: domain.EnvironmentBlue, Status: domain.EnvironmentActive, TwinID: "green", Active: true},
		{ID: "green", Name: "Green", Type: domain.EnvironmentGreen, Status: domain.EnvironmentIdle, TwinID: "blue"},
		{ID: "prod", Name: "Production", Type: domain.EnvironmentProd, Status: domain.EnvironmentActive, Active: true},
	}
}

// LoadEnvironments reads environment definitions from a YAML file.
func LoadEnvironments(path string) ([]domain.Environment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments file: %w", err)
	}
	return ParseEnvironments(raw)
}

// ParseEnvironments decodes and validates environment definitions.
func ParseEnvironments(raw []byte) ([]domain.Environment, error) {
	var file environmentsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: decode environments: %v", domain.ErrValidation, err)
	}
	seen := make(map[string]bool, len(file.Environments))
	out := make([]domain.Environment, 0, len(file.Environments))
	for i, spec := range file.Environments {
		if spec.ID == "" {
			return nil, fmt.Errorf("%w: environment %d has no id", domain.ErrValidation, i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("%w: duplicate environment %q", domain.ErrValidation, spec.ID)
		}
		seen[spec.ID] = true
		typ := domain.EnvironmentType(spec.Type)
		if !environmentTypes[typ] {
			return nil, fmt.Errorf("%w: environment %q has unknown type %q", domain.ErrValidation, spec.ID, spec.Type)
		}
		env := domain.Environment{
			ID:             spec.ID,
			Name:           spec.Name,
			Type:           typ,
			Status:         domain.EnvironmentIdle,
			CurrentVersion: spec.Version,
			HealthStatus:   domain.HealthUnknown,
			TwinID:         spec.Twin,
			Active:         spec.Active,
		}
		if env.Name == "" {
			env.Name = env.ID
		}
		if env.Active {
			env.Status = domain.EnvironmentActive
		}
		for _, c := range spec.HealthChecks {
			check := domain.VerificationCheck{
				Name:           c.Name,
				Type:           domain.CheckType(c.Type),
				Endpoint:       c.Endpoint,
				Method:         c.Method,
				ExpectedStatus: c.ExpectedStatus,
				Timeout:        c.Timeout,
				Retries:        c.Retries,
			}
			if t := c.Threshold; t != nil {
				check.Threshold = &domain.Threshold{Metric: t.Metric, Operator: t.Operator, Value: t.Value}
			}
			env.HealthChecks = append(env.HealthChecks, check)
		}
		out = append(out, env)
	}
	for _, env := range out {
		if env.TwinID != "" && !seen[env.TwinID] {
			return nil, fmt.Errorf("%w: environment %q twins unknown %q", domain.ErrValidation, env.ID, env.TwinID)
		}
	}
	return out, nil
}

// SeedEnvironments creates the environments that do not exist yet and
// returns how many were created.
func SeedEnvironments(ctx context.Context, repo repository.EnvironmentRepository, envs []domain.Environment, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	created := 0
	for i := range envs {
		env := envs[i]
		if env.HealthStatus == "" {
			env.HealthStatus = domain.HealthUnknown
		}
		err := repo.CreateEnvironment(ctx, &env)
		switch {
		case errors.Is(err, repository.ErrConflict):
			log.Debug("environment already present", "environment_id", env.ID)
		case err != nil:
			return created, fmt.Errorf("seed environment %s: %w", env.ID, err)
		default:
			created++
			log.Info("environment seeded", "environment_id", env.ID, "type", env.Type)
		}
	}
	return created, nil
}
