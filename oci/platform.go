// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// PlatformFromSingleImage determines the platform of a single-image manifest
// by inspecting its config blob. Attributes already present on the passed
// base platform take precedence over the config blob's values.
func PlatformFromSingleImage(
	ctx context.Context,
	client Client,
	ref string,
	base *ocispecv1.Platform,
) (*ocispecv1.Platform, error) {
	if base != nil && base.OS != "" && base.Architecture != "" {
		platform := *base
		return &platform, nil
	}

	raw, _, err := client.ManifestRaw(ctx, ref, AcceptSingleImage)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch manifest for %q: %w", ref, err)
	}

	var manifest ocispecv1.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("unable to unmarshal manifest for %q: %w", ref, err)
	}
	if IsMultiarchMediaType(manifest.MediaType) {
		return nil, fmt.Errorf("%q is a multiarch artifact - cannot determine single platform", ref)
	}

	reader, _, err := client.Blob(ctx, ref, manifest.Config.Digest.String())
	if err != nil {
		return nil, fmt.Errorf("unable to fetch config blob for %q: %w", ref, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("unable to read config blob for %q: %w", ref, err)
	}

	var cfg struct {
		OS           string `json:"os"`
		Architecture string `json:"architecture"`
		Variant      string `json:"variant,omitempty"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config blob for %q: %w", ref, err)
	}

	platform := &ocispecv1.Platform{
		OS:           cfg.OS,
		Architecture: cfg.Architecture,
		Variant:      cfg.Variant,
	}
	if base != nil {
		if base.OS != "" {
			platform.OS = base.OS
		}
		if base.Architecture != "" {
			platform.Architecture = base.Architecture
		}
		if base.Variant != "" {
			platform.Variant = base.Variant
		}
	}
	return platform, nil
}
