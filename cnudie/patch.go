// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package cnudie

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cdv2 "github.com/gardener/component-spec/bindings-go/apis/v2"
	"github.com/gardener/component-spec/bindings-go/ctf"
	cdoci "github.com/gardener/component-spec/bindings-go/oci"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/oci"
)

// PatchDescriptorLayer replaces the component-descriptor layer of the
// already published descriptor artifact for cd with the given descriptor.
// The config blob is rewritten to reference the new layer; all other
// blobs are replicated verbatim.
func PatchDescriptorLayer(
	ctx context.Context,
	log logr.Logger,
	client oci.Client,
	repoCtx *cdv2.OCIRegistryRepository,
	cd *cdv2.ComponentDescriptor,
) error {
	id := ComponentIdentity{Name: cd.Name, Version: cd.Version}
	if err := id.Validate(); err != nil {
		return err
	}
	ref := ociDescriptorRef(repoCtx, id)

	manifestBytes, contentType, err := client.ManifestRaw(ctx, ref, oci.AcceptSingleImage)
	if err != nil {
		return fmt.Errorf("unable to fetch manifest for %s: %w", id, err)
	}
	var manifest ocispecv1.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("unable to unmarshal manifest for %s: %w", id, err)
	}

	layer, err := descriptorLayer(ctx, log, client, ref, &manifest)
	if err != nil {
		return err
	}

	layerData, err := encodeDescriptorLayer(cd, layer.MediaType)
	if err != nil {
		return fmt.Errorf("unable to encode component descriptor for %s: %w", id, err)
	}
	layerDigest := digest.FromBytes(layerData)

	configData, err := json.Marshal(cdoci.ComponentDescriptorConfig{
		ComponentDescriptorLayer: &cdoci.OciBlobRef{
			MediaType: layer.MediaType,
			Digest:    layerDigest.String(),
			Size:      int64(len(layerData)),
		},
	})
	if err != nil {
		return fmt.Errorf("unable to encode descriptor config for %s: %w", id, err)
	}

	replicated, err := oci.ReplicateBlobs(
		ctx, log, client, ref, ref, &manifest,
		oci.BlobOverwrites{
			layer.Digest:           layerData,
			manifest.Config.Digest: configData,
		},
	)
	if err != nil {
		return err
	}

	replicatedBytes, err := json.Marshal(replicated)
	if err != nil {
		return fmt.Errorf("unable to marshal patched manifest for %s: %w", id, err)
	}
	if contentType == "" {
		contentType = ocispecv1.MediaTypeImageManifest
	}
	if err := client.PutManifest(ctx, ref, contentType, replicatedBytes); err != nil {
		return fmt.Errorf("unable to upload patched manifest for %s: %w", id, err)
	}
	log.Info("patched component descriptor layer",
		"component", id.String(), "layerDigest", layerDigest.String())
	return nil
}

// encodeDescriptorLayer serialises a component descriptor the way the
// layer's media type expects it: tar layers carry the descriptor as a
// well-known file entry, other layers carry it directly.
func encodeDescriptorLayer(cd *cdv2.ComponentDescriptor, mediaType string) ([]byte, error) {
	data, err := yaml.Marshal(cd)
	if err != nil {
		return nil, err
	}

	if !strings.Contains(mediaType, "tar") {
		return data, nil
	}

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	if err := tarWriter.WriteHeader(&tar.Header{
		Name: ctf.ComponentDescriptorFileName,
		Mode: 0644,
		Size: int64(len(data)),
	}); err != nil {
		return nil, err
	}
	if _, err := tarWriter.Write(data); err != nil {
		return nil, err
	}
	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
