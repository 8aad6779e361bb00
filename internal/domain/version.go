package domain

import (
	"time"

	"github.com/splax/releasectl/internal/semver"
)

// VersionMetadata describes a registered release. It is never mutated after creation.
type VersionMetadata struct {
	Version             string            `json:"version"`
	SemanticVersion     semver.Version    `json:"semantic_version"`
	CommitHash          string            `json:"commit_hash,omitempty"`
	Branch              string            `json:"branch,omitempty"`
	Author              string            `json:"author,omitempty"`
	Changelog           []string          `json:"changelog"`
	BreakingChanges     bool              `json:"breaking_changes"`
	Dependencies        map[string]string `json:"dependencies,omitempty"`
	CompatibilityMatrix map[string]bool   `json:"compatibility_matrix"`
	CreatedAt           time.Time         `json:"created_at"`
}
