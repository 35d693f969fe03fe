// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package cnudie

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cdv2 "github.com/gardener/component-spec/bindings-go/apis/v2"
	"github.com/gardener/component-spec/bindings-go/codec"
	"github.com/gardener/component-spec/bindings-go/ctf"
	cdoci "github.com/gardener/component-spec/bindings-go/oci"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mandelsoft/vfs/pkg/vfs"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/oci"
)

// DefaultInMemoryCapacity is the lru capacity of the in-memory lookup.
const DefaultInMemoryCapacity = 2048

// NewInMemoryLookup creates a lookup backed by an in-process lru cache.
func NewInMemoryLookup(capacity int) (LookupFn, error) {
	if capacity <= 0 {
		capacity = DefaultInMemoryCapacity
	}
	cache, err := lru.New[string, *cdv2.ComponentDescriptor](capacity)
	if err != nil {
		return nil, err
	}

	cacheKey := func(repoCtx *cdv2.OCIRegistryRepository, id ComponentIdentity) string {
		return fmt.Sprintf("%s/%s", repoCtx.BaseURL, id)
	}

	return func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error) {
		if err := id.Validate(); err != nil {
			return nil, nil, err
		}
		if cd, ok := cache.Get(cacheKey(repoCtx, id)); ok {
			return cd, nil, nil
		}
		writeBack := func(_ context.Context, id ComponentIdentity, cd *cdv2.ComponentDescriptor) error {
			cache.Add(cacheKey(repoCtx, id), cd)
			return nil
		}
		return nil, writeBack, fmt.Errorf("%s: %w", id, ErrNotFound)
	}, nil
}

// NewFilesystemLookup creates a lookup backed by a filesystem cache below
// cacheDir. Descriptors are stored as
// <cacheDir>/<oci-ref with slashes replaced by dashes>/<name>-<version>.
func NewFilesystemLookup(fs vfs.FileSystem, cacheDir string) LookupFn {
	descriptorPath := func(repoCtx *cdv2.OCIRegistryRepository, id ComponentIdentity) string {
		repoDir := strings.ReplaceAll(strings.TrimSuffix(repoCtx.BaseURL, "/"), "/", "-")
		return filepath.Join(cacheDir, repoDir, fmt.Sprintf("%s-%s", id.Name, id.Version))
	}

	return func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error) {
		if err := id.Validate(); err != nil {
			return nil, nil, err
		}

		data, err := vfs.ReadFile(fs, descriptorPath(repoCtx, id))
		if err == nil {
			cd := &cdv2.ComponentDescriptor{}
			if err := codec.Decode(data, cd); err != nil {
				return nil, nil, fmt.Errorf("unable to decode cached component descriptor for %s: %w", id, err)
			}
			return cd, nil, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("unable to read cached component descriptor for %s: %w", id, err)
		}

		writeBack := func(_ context.Context, id ComponentIdentity, cd *cdv2.ComponentDescriptor) error {
			finalPath := descriptorPath(repoCtx, id)
			if err := fs.MkdirAll(filepath.Dir(finalPath), os.ModePerm); err != nil {
				return err
			}
			data, err := yaml.Marshal(cd)
			if err != nil {
				return err
			}
			// write to a temp file first so concurrent readers never observe
			// partially written descriptors
			tmpName := fmt.Sprintf("%s.%s.tmp", finalPath, uuid.New().String())
			if err := vfs.WriteFile(fs, tmpName, data, 0o644); err != nil {
				return err
			}
			return fs.Rename(tmpName, finalPath)
		}
		return nil, writeBack, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
}

// DeliveryClient fetches component descriptors from a remote delivery
// service.
type DeliveryClient interface {
	// ComponentDescriptor returns the descriptor for the given identity.
	// Absent descriptors are signalled with an error wrapping ErrNotFound.
	ComponentDescriptor(ctx context.Context, id ComponentIdentity, ocmRepositoryURL string) (*cdv2.ComponentDescriptor, error)
}

// NewDeliveryServiceLookup creates a lookup querying a remote delivery
// service. The delivery service maintains its own persistence, hence no
// write-back is offered.
func NewDeliveryServiceLookup(client DeliveryClient) LookupFn {
	return func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error) {
		if err := id.Validate(); err != nil {
			return nil, nil, err
		}
		cd, err := client.ComponentDescriptor(ctx, id, repoCtx.BaseURL)
		if err != nil {
			return nil, nil, err
		}
		return cd, nil, nil
	}
}

// NewOCIRegistryLookup creates a lookup fetching component descriptors as
// oci artifacts (<repo>/component-descriptors/<name>:<version>).
func NewOCIRegistryLookup(log logr.Logger, client oci.Client) LookupFn {
	return func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error) {
		if err := id.Validate(); err != nil {
			return nil, nil, err
		}

		ref := ociDescriptorRef(repoCtx, id)
		manifestBytes, _, err := client.ManifestRaw(ctx, ref, oci.AcceptSingleImage)
		if err != nil {
			if oci.IsNotFound(err) {
				return nil, nil, fmt.Errorf("%s: %w", id, ErrNotFound)
			}
			return nil, nil, fmt.Errorf("unable to fetch manifest for %s: %w", id, err)
		}

		var manifest ocispecv1.Manifest
		if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
			return nil, nil, fmt.Errorf("unable to unmarshal manifest for %s: %w", id, err)
		}

		layer, err := descriptorLayer(ctx, log, client, ref, &manifest)
		if err != nil {
			return nil, nil, err
		}

		if !isKnownDescriptorMediaType(layer.MediaType) {
			log.Info("unexpected media type for component descriptor layer",
				"mediaType", layer.MediaType, "component", id.String())
		}

		reader, _, err := client.Blob(ctx, ref, layer.Digest.String())
		if err != nil {
			return nil, nil, fmt.Errorf("unable to fetch component descriptor layer for %s: %w", id, err)
		}
		defer reader.Close()

		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to read component descriptor layer for %s: %w", id, err)
		}

		cd, err := decodeDescriptorLayer(data, layer.MediaType)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to decode component descriptor for %s: %w", id, err)
		}
		return cd, nil, nil
	}
}

// descriptorLayer determines the manifest layer carrying the component
// descriptor. The config blob declares the layer digest; if the config
// cannot be parsed the first layer is used (single-layer fallback).
func descriptorLayer(
	ctx context.Context,
	log logr.Logger,
	client oci.Client,
	ref string,
	manifest *ocispecv1.Manifest,
) (*ocispecv1.Descriptor, error) {
	if len(manifest.Layers) == 0 {
		return nil, fmt.Errorf("manifest for %q carries no layers", ref)
	}

	cfgReader, _, err := client.Blob(ctx, ref, manifest.Config.Digest.String())
	if err == nil {
		defer cfgReader.Close()
		var cfg struct {
			ComponentDescriptorLayer struct {
				Digest string `json:"digest"`
			} `json:"componentDescriptorLayer"`
		}
		if err := json.NewDecoder(cfgReader).Decode(&cfg); err == nil && len(cfg.ComponentDescriptorLayer.Digest) != 0 {
			for i := range manifest.Layers {
				if manifest.Layers[i].Digest.String() == cfg.ComponentDescriptorLayer.Digest {
					return &manifest.Layers[i], nil
				}
			}
			return nil, fmt.Errorf("config of %q references an absent layer %s", ref, cfg.ComponentDescriptorLayer.Digest)
		}
	}

	log.V(3).Info("unable to parse component descriptor config - falling back to single-layer mode", "ref", ref)
	return &manifest.Layers[0], nil
}

func isKnownDescriptorMediaType(mediaType string) bool {
	switch mediaType {
	case cdoci.ComponentDescriptorTarMimeType,
		cdoci.ComponentDescriptorJSONMimeType,
		"application/tar",
		"application/tar+gzip":
		return true
	default:
		return false
	}
}

// decodeDescriptorLayer decodes a component descriptor from a manifest
// layer. Tar layers contain the descriptor as a well-known file entry,
// other layers carry it directly.
func decodeDescriptorLayer(data []byte, mediaType string) (*cdv2.ComponentDescriptor, error) {
	if strings.Contains(mediaType, "tar") {
		tarReader := tar.NewReader(bytes.NewReader(data))
		for {
			header, err := tarReader.Next()
			if err == io.EOF {
				return nil, fmt.Errorf("tar layer contains no %s", ctf.ComponentDescriptorFileName)
			}
			if err != nil {
				return nil, err
			}
			if filepath.Base(header.Name) != ctf.ComponentDescriptorFileName {
				continue
			}
			descriptorBytes, err := io.ReadAll(tarReader)
			if err != nil {
				return nil, err
			}
			cd := &cdv2.ComponentDescriptor{}
			if err := codec.Decode(descriptorBytes, cd); err != nil {
				return nil, err
			}
			return cd, nil
		}
	}

	cd := &cdv2.ComponentDescriptor{}
	if err := codec.Decode(data, cd); err != nil {
		return nil, err
	}
	return cd, nil
}

// CompositeOptions configure the composite lookup.
type CompositeOptions struct {
	// DefaultRepository is used when a lookup is invoked without an
	// explicit repository context. Mutually exclusive with Mappings.
	DefaultRepository *cdv2.OCIRegistryRepository
	// Mappings route component names to candidate repositories, iterated
	// in mapping order. Mutually exclusive with DefaultRepository.
	Mappings []RepositoryMapping
	// AbsentOK suppresses the not-found error: a total miss yields a nil
	// descriptor instead.
	AbsentOK bool
}

// NewCompositeLookup composes the given lookups into a layered one.
//
// Layers are walked in order per candidate repository; on a hit every
// write-back collected from earlier-missed layers is invoked so lower
// layers get populated. Errors other than ErrNotFound abort the walk.
func NewCompositeLookup(log logr.Logger, opts CompositeOptions, lookups ...LookupFn) (LookupFn, error) {
	if opts.DefaultRepository != nil && len(opts.Mappings) != 0 {
		return nil, errors.New("a default repository and repository mappings are mutually exclusive")
	}
	if len(lookups) == 0 {
		return nil, errors.New("at least one lookup is required")
	}

	return func(ctx context.Context, id ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, WriteBack, error) {
		if err := id.Validate(); err != nil {
			return nil, nil, err
		}

		var candidates []*cdv2.OCIRegistryRepository
		switch {
		case repoCtx != nil:
			candidates = []*cdv2.OCIRegistryRepository{repoCtx}
		case len(opts.Mappings) != 0:
			candidates = MatchingRepositories(opts.Mappings, id.Name)
		case opts.DefaultRepository != nil:
			candidates = []*cdv2.OCIRegistryRepository{opts.DefaultRepository}
		}
		if len(candidates) == 0 {
			return nil, nil, fmt.Errorf("no repository context for component %s", id)
		}

		for _, candidate := range candidates {
			writeBacks := make([]WriteBack, 0, len(lookups))

			for _, lookup := range lookups {
				cd, writeBack, err := lookup(ctx, id, candidate)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						if writeBack != nil {
							writeBacks = append(writeBacks, writeBack)
						}
						continue
					}
					return nil, nil, err
				}

				for _, wb := range writeBacks {
					if err := wb(ctx, id, cd); err != nil {
						// cache population is an optimization only
						log.V(3).Info("unable to write back component descriptor",
							"component", id.String(), "error", err.Error())
					}
				}
				return cd, nil, nil
			}
		}

		if opts.AbsentOK {
			return nil, nil, nil
		}
		repos := make([]string, 0, len(candidates))
		for _, c := range candidates {
			repos = append(repos, c.BaseURL)
		}
		return nil, nil, fmt.Errorf("%s not found in any of %v: %w", id, repos, ErrNotFound)
	}, nil
}
