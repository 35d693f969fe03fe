// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

// Package version provides semver parsing and selection helpers for
// component versions.
package version

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseToSemver parses a version string into a semver version.
// A leading "v" is tolerated.
func ParseToSemver(version string) (*semver.Version, error) {
	trimmed := strings.TrimPrefix(version, "v")
	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return nil, fmt.Errorf("unable to parse version %q: %w", version, err)
	}
	return v, nil
}

// IsFinal reports whether the version carries neither prerelease nor build
// metadata.
func IsFinal(v *semver.Version) bool {
	return len(v.Prerelease()) == 0 && len(v.Metadata()) == 0
}

// ParseAll parses all given version strings, silently dropping entries that
// are no valid semver versions.
func ParseAll(versions []string) []*semver.Version {
	parsed := make([]*semver.Version, 0, len(versions))
	for _, raw := range versions {
		v, err := ParseToSemver(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	return parsed
}

// FilterFinal returns only final versions (no prerelease, no metadata).
func FilterFinal(versions []*semver.Version) []*semver.Version {
	filtered := make([]*semver.Version, 0, len(versions))
	for _, v := range versions {
		if IsFinal(v) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// FindLatestVersion returns the greatest of the given versions.
// Returns nil for an empty slice.
func FindLatestVersion(versions []*semver.Version) *semver.Version {
	var latest *semver.Version
	for _, v := range versions {
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest
}

// FindLatestVersionWithMatchingMinor returns the greatest version sharing
// major and minor with the reference version. Returns nil if no version
// matches.
func FindLatestVersionWithMatchingMinor(reference *semver.Version, versions []*semver.Version) *semver.Version {
	var latest *semver.Version
	for _, v := range versions {
		if v.Major() != reference.Major() || v.Minor() != reference.Minor() {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest
}

// Sorted returns the versions in ascending order. The input is not modified.
func Sorted(versions []*semver.Version) []*semver.Version {
	sorted := make([]*semver.Version, len(versions))
	copy(sorted, versions)
	sort.Sort(semver.Collection(sorted))
	return sorted
}
