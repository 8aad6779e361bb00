package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/releasectl/internal/domain"
	"github.com/splax/releasectl/internal/repository"
	"github.com/splax/releasectl/internal/semver"
)

// CreateVersionInput describes a version bump.
type CreateVersionInput struct {
	Increment       semver.Increment  `json:"increment"`
	PrereleaseTag   string            `json:"prerelease_tag,omitempty"`
	Build           string            `json:"build,omitempty"`
	Changelog       []string          `json:"changelog"`
	BreakingChanges bool              `json:"breaking_changes"`
	CommitHash      string            `json:"commit_hash,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	Author          string            `json:"author,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	// CompatibleWith marks prior versions compatible regardless of the major rule.
	CompatibleWith []string `json:"compatible_with,omitempty"`
}

// Registry issues semantic versions and answers compatibility questions.
type Registry struct {
	repo    repository.VersionRepository
	initial semver.Version
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New constructs a Registry. initial is the base used while no version is registered.
func New(repo repository.VersionRepository, initial string, logger *slog.Logger) (*Registry, error) {
	if initial == "" {
		initial = "1.0.0"
	}
	base, err := semver.Parse(initial)
	if err != nil {
		return nil, fmt.Errorf("%w: initial version: %v", domain.ErrValidation, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:    repo,
		initial: base,
		logger:  logger.With("component", "version"),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Bootstrap registers the initial version when the registry is empty.
func (r *Registry) Bootstrap(ctx context.Context) (*domain.VersionMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, err := r.repo.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		return nil, nil
	}
	meta := &domain.VersionMetadata{
		Version:             r.initial.String(),
		SemanticVersion:     r.initial,
		Changelog:           []string{"initial release"},
		CompatibilityMatrix: map[string]bool{},
		CreatedAt:           r.now(),
	}
	if err := r.repo.CreateVersion(ctx, meta); err != nil {
		return nil, err
	}
	r.logger.Info("initial version registered", "version", meta.Version)
	return meta, nil
}

// CreateVersion bumps the highest registered version (or the initial
// version) and records the result with its compatibility matrix.
func (r *Registry) CreateVersion(ctx context.Context, in CreateVersionInput) (*domain.VersionMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, err := r.repo.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	base := r.initial
	for _, v := range prior {
		if base.LessThan(v.SemanticVersion) {
			base = v.SemanticVersion
		}
	}

	next, err := base.Bump(in.Increment, in.PrereleaseTag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	next = next.WithBuild(in.Build)

	breaking := in.BreakingChanges || in.Increment == semver.IncrementMajor
	forced := make(map[string]bool, len(in.CompatibleWith))
	for _, v := range in.CompatibleWith {
		forced[strings.TrimSpace(v)] = true
	}
	matrix := make(map[string]bool, len(prior))
	for _, p := range prior {
		compatible := p.SemanticVersion.Major == next.Major && !breaking && !p.BreakingChanges
		matrix[p.Version] = compatible || forced[p.Version]
	}

	meta := &domain.VersionMetadata{
		Version:             next.String(),
		SemanticVersion:     next,
		CommitHash:          in.CommitHash,
		Branch:              in.Branch,
		Author:              in.Author,
		Changelog:           append([]string{}, in.Changelog...),
		BreakingChanges:     breaking,
		Dependencies:        in.Dependencies,
		CompatibilityMatrix: matrix,
		CreatedAt:           r.now(),
	}
	if err := r.repo.CreateVersion(ctx, meta); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: version %s already registered", domain.ErrValidation, meta.Version)
		}
		return nil, err
	}
	r.logger.Info("version created",
		"version", meta.Version,
		"increment", in.Increment,
		"breaking_changes", breaking,
		"author", in.Author,
	)
	return meta, nil
}

// GetVersion returns repository.ErrNotFound for unknown versions.
func (r *Registry) GetVersion(ctx context.Context, version string) (*domain.VersionMetadata, error) {
	meta, err := r.repo.GetVersion(ctx, strings.TrimSpace(version))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("version %s: %w", version, repository.ErrNotFound)
		}
		return nil, err
	}
	return meta, nil
}

// ListVersions returns every version in ascending order.
func (r *Registry) ListVersions(ctx context.Context) ([]domain.VersionMetadata, error) {
	versions, err := r.repo.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].SemanticVersion.LessThan(versions[j].SemanticVersion)
	})
	return versions, nil
}

// CurrentVersion returns the highest registered version.
func (r *Registry) CurrentVersion(ctx context.Context) (*domain.VersionMetadata, error) {
	versions, err := r.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("current version: %w", repository.ErrNotFound)
	}
	return &versions[len(versions)-1], nil
}

// IsCompatible applies the major-version rule: same major is compatible
// unless either side declares breaking changes; different majors are
// incompatible unless either matrix marks the pair compatible.
func (r *Registry) IsCompatible(ctx context.Context, v1, v2 string) (bool, error) {
	a, err := r.GetVersion(ctx, v1)
	if err != nil {
		return false, err
	}
	b, err := r.GetVersion(ctx, v2)
	if err != nil {
		return false, err
	}
	if a.SemanticVersion.Major == b.SemanticVersion.Major {
		return !a.BreakingChanges && !b.BreakingChanges, nil
	}
	return a.CompatibilityMatrix[b.Version] || b.CompatibilityMatrix[a.Version], nil
}
