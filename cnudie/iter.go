// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package cnudie

import (
	"context"
	"fmt"
	"sort"
	"strings"

	cdv2 "github.com/gardener/component-spec/bindings-go/apis/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ccwienk-org/cc-utils/oci"
	"github.com/ccwienk-org/cc-utils/version"
)

// Components resolves the transitive component closure of root.
// Every component version is visited exactly once; reference cycles are
// pruned via the visited set.
func Components(
	ctx context.Context,
	lookup LookupFn,
	root ComponentIdentity,
	repoCtx *cdv2.OCIRegistryRepository,
) ([]*cdv2.ComponentDescriptor, error) {
	visited := sets.NewString()
	components := make([]*cdv2.ComponentDescriptor, 0)

	queue := []ComponentIdentity{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if visited.Has(id.String()) {
			continue
		}
		visited.Insert(id.String())

		cd, _, err := lookup(ctx, id, repoCtx)
		if err != nil {
			return nil, fmt.Errorf("unable to resolve component %s: %w", id, err)
		}
		if cd == nil {
			continue
		}
		components = append(components, cd)

		for _, ref := range cd.ComponentReferences {
			queue = append(queue, ComponentIdentity{
				Name:    ref.ComponentName,
				Version: ref.Version,
			})
		}
	}
	return components, nil
}

// UpgradeVector describes a component version change.
type UpgradeVector struct {
	Whence  ComponentIdentity
	Whither ComponentIdentity
}

// ComponentName returns the (shared) component name of the vector.
func (u UpgradeVector) ComponentName() string {
	return u.Whither.Name
}

func (u UpgradeVector) String() string {
	return fmt.Sprintf("%s: %s -> %s", u.ComponentName(), u.Whence.Version, u.Whither.Version)
}

// ComponentDiff is the difference between two sets of component identities.
type ComponentDiff struct {
	// OnlyLeft contains identities only present in the left set.
	OnlyLeft []ComponentIdentity
	// OnlyRight contains identities only present in the right set.
	OnlyRight []ComponentIdentity
	// VersionChanged pairs the greatest left version with the greatest
	// right version for components present in both sets with differing
	// version sets.
	VersionChanged []UpgradeVector
}

// IsEmpty reports whether both sets are identical.
func (d ComponentDiff) IsEmpty() bool {
	return len(d.OnlyLeft) == 0 && len(d.OnlyRight) == 0 && len(d.VersionChanged) == 0
}

// Diff computes the difference between two component identity sets.
func Diff(left, right []ComponentIdentity) ComponentDiff {
	leftSet := identitySet(left)
	rightSet := identitySet(right)

	diff := ComponentDiff{}
	for _, id := range left {
		if !rightSet.Has(id.String()) {
			diff.OnlyLeft = append(diff.OnlyLeft, id)
		}
	}
	for _, id := range right {
		if !leftSet.Has(id.String()) {
			diff.OnlyRight = append(diff.OnlyRight, id)
		}
	}

	leftByName := identitiesByName(left)
	rightByName := identitiesByName(right)
	names := make([]string, 0, len(leftByName))
	for name := range leftByName {
		if _, ok := rightByName[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		whence := greatestIdentity(leftByName[name])
		whither := greatestIdentity(rightByName[name])
		if whence.Version == whither.Version {
			continue
		}
		diff.VersionChanged = append(diff.VersionChanged, UpgradeVector{
			Whence:  whence,
			Whither: whither,
		})
	}
	return diff
}

func identitySet(ids []ComponentIdentity) sets.String {
	set := sets.NewString()
	for _, id := range ids {
		set.Insert(id.String())
	}
	return set
}

func identitiesByName(ids []ComponentIdentity) map[string][]ComponentIdentity {
	byName := map[string][]ComponentIdentity{}
	for _, id := range ids {
		byName[id.Name] = append(byName[id.Name], id)
	}
	return byName
}

// greatestIdentity picks the identity with the greatest semver version.
// Identities with unparsable versions lose against parsable ones.
func greatestIdentity(ids []ComponentIdentity) ComponentIdentity {
	greatest := ids[0]
	greatestVersion, err := version.ParseToSemver(greatest.Version)
	if err != nil {
		greatestVersion = nil
	}
	for _, id := range ids[1:] {
		v, err := version.ParseToSemver(id.Version)
		if err != nil {
			continue
		}
		if greatestVersion == nil || v.GreaterThan(greatestVersion) {
			greatest = id
			greatestVersion = v
		}
	}
	return greatest
}

// ComponentVersions lists all versions of a component available in the
// given repository context, ascending. Tags that are no valid semver
// versions are dropped.
func ComponentVersions(
	ctx context.Context,
	client oci.Client,
	componentName string,
	repoCtx *cdv2.OCIRegistryRepository,
) ([]string, error) {
	ref := fmt.Sprintf(
		"%s/component-descriptors/%s",
		strings.TrimSuffix(repoCtx.BaseURL, "/"),
		strings.ToLower(componentName),
	)
	tags, err := client.Tags(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("unable to list versions of %q: %w", componentName, err)
	}

	parsed := version.Sorted(version.ParseAll(tags))
	versions := make([]string, 0, len(parsed))
	for _, v := range parsed {
		versions = append(versions, v.Original())
	}
	return versions, nil
}

// GreatestComponentVersion returns the greatest version of a component.
// Prerelease versions are only considered if no final version exists.
func GreatestComponentVersion(
	ctx context.Context,
	client oci.Client,
	componentName string,
	repoCtx *cdv2.OCIRegistryRepository,
) (string, error) {
	versions, err := ComponentVersions(ctx, client, componentName, repoCtx)
	if err != nil {
		return "", err
	}
	parsed := version.ParseAll(versions)
	if final := version.FilterFinal(parsed); len(final) > 0 {
		parsed = final
	}
	greatest := version.FindLatestVersion(parsed)
	if greatest == nil {
		return "", fmt.Errorf("no versions found for component %q", componentName)
	}
	return greatest.Original(), nil
}
