// Package semver provides the release version value type used across the
// controller. Parsing is delegated to blang/semver; ordering follows the
// controller's own rules, where prerelease tags compare lexicographically.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	blang "github.com/blang/semver"
)

// Increment selects which component of a version is bumped.
type Increment string

const (
	IncrementMajor      Increment = "major"
	IncrementMinor      Increment = "minor"
	IncrementPatch      Increment = "patch"
	IncrementPrerelease Increment = "prerelease"
)

// DefaultPrereleaseTag is used when a prerelease bump carries no explicit tag.
const DefaultPrereleaseTag = "alpha"

// ErrInvalidIncrement indicates an unknown increment kind.
var ErrInvalidIncrement = errors.New("semver: invalid increment")

// Version is an immutable semantic version.
type Version struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
}

// Parse converts a version string, tolerating a leading "v".
func Parse(s string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	parsed, err := blang.Parse(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	pre := make([]string, 0, len(parsed.Pre))
	for _, p := range parsed.Pre {
		pre = append(pre, p.String())
	}
	return Version{
		Major:      parsed.Major,
		Minor:      parsed.Minor,
		Patch:      parsed.Patch,
		Prerelease: strings.Join(pre, "."),
		Build:      strings.Join(parsed.Build, "."),
	}, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Valid reports whether s is a well-formed semantic version.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String formats major.minor.patch[-prerelease][+build].
func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(v.Major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Minor, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Patch, 10))
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// Compare returns -1, 0 or 1. Build metadata is ignored.
func (v Version) Compare(o Version) int {
	if c := compareUint(v.Major, o.Major); c != 0 {
		return c
	}
	if c := compareUint(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := compareUint(v.Patch, o.Patch); c != 0 {
		return c
	}
	switch {
	case v.Prerelease == o.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	case v.Prerelease < o.Prerelease:
		return -1
	default:
		return 1
	}
}

// LessThan reports whether v orders before o.
func (v Version) LessThan(o Version) bool {
	return v.Compare(o) < 0
}

// Bump derives the next version. A major bump resets minor and patch, a minor
// bump resets patch, both clear the prerelease; patch clears the prerelease;
// prerelease only replaces the tag. Build metadata never carries over.
func (v Version) Bump(inc Increment, tag string) (Version, error) {
	next := Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
	switch inc {
	case IncrementMajor:
		next.Major++
		next.Minor = 0
		next.Patch = 0
	case IncrementMinor:
		next.Minor++
		next.Patch = 0
	case IncrementPatch:
		next.Patch++
	case IncrementPrerelease:
		tag = strings.TrimSpace(tag)
		if tag == "" {
			tag = DefaultPrereleaseTag
		}
		if !Valid(fmt.Sprintf("0.0.0-%s", tag)) {
			return Version{}, fmt.Errorf("semver: invalid prerelease tag %q", tag)
		}
		next.Prerelease = tag
	default:
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidIncrement, inc)
	}
	return next, nil
}

// WithBuild returns a copy of v carrying build metadata.
func (v Version) WithBuild(build string) Version {
	v.Build = strings.TrimSpace(build)
	return v
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
