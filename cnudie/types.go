// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

// Package cnudie resolves component descriptors from a set of layered
// sources (in-memory, filesystem, delivery service, oci registry).
package cnudie

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cdv2 "github.com/gardener/component-spec/bindings-go/apis/v2"
)

// ErrNotFound is returned if a component descriptor does not exist in a
// lookup source.
var ErrNotFound = errors.New("component descriptor not found")

// ComponentIdentity is the primary key of a component descriptor.
// Both attributes are required.
type ComponentIdentity struct {
	Name    string
	Version string
}

func (id ComponentIdentity) String() string {
	return fmt.Sprintf("%s:%s", id.Name, id.Version)
}

// Validate returns an error for partially populated identities.
func (id ComponentIdentity) Validate() error {
	if len(id.Name) == 0 || len(id.Version) == 0 {
		return fmt.Errorf("component identity requires both name and version: %q", id)
	}
	return nil
}

// WriteBack inserts a descriptor into the cache layer that created it.
// It is handed out by cache layers on a miss so the composite lookup can
// populate them once an authoritative descriptor was found.
type WriteBack func(ctx context.Context, id ComponentIdentity, cd *cdv2.ComponentDescriptor) error

// LookupFn resolves a component descriptor from one source.
//
// A miss is signalled with ErrNotFound; cache-backed sources additionally
// return a non-nil WriteBack alongside the miss. Other errors indicate the
// source itself failed and must not be treated as a miss.
type LookupFn func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error)

// RepositoryMapping binds a component-name prefix to an ocm repository.
// An empty prefix matches every component.
type RepositoryMapping struct {
	Prefix     string
	Repository *cdv2.OCIRegistryRepository
}

// MatchingRepositories returns the repositories whose prefix matches the
// component name, in mapping order.
func MatchingRepositories(mappings []RepositoryMapping, componentName string) []*cdv2.OCIRegistryRepository {
	repos := make([]*cdv2.OCIRegistryRepository, 0, len(mappings))
	for _, m := range mappings {
		if strings.HasPrefix(componentName, m.Prefix) {
			repos = append(repos, m.Repository)
		}
	}
	return repos
}

// ociDescriptorRef returns the oci reference of a component descriptor
// artifact within the given repository context.
func ociDescriptorRef(repoCtx *cdv2.OCIRegistryRepository, id ComponentIdentity) string {
	return fmt.Sprintf(
		"%s/component-descriptors/%s:%s",
		strings.TrimSuffix(repoCtx.BaseURL, "/"),
		strings.ToLower(id.Name),
		id.Version,
	)
}
