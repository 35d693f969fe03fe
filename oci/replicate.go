// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/containerd/containerd/archive/compression"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ReplicationMode configures the oci artifact replication semantics.
type ReplicationMode string

const (
	// RegistryDefaults does not specify an accept header. Depending on the
	// registry this may result in single-image artifacts being replicated
	// even if multiarch variants are available.
	RegistryDefaults ReplicationMode = "registry_defaults"
	// PreferMultiarch prefers multiarch variants if available.
	PreferMultiarch ReplicationMode = "prefer_multiarch"
	// NormaliseToMultiarch is like PreferMultiarch. In case only a single
	// artifact is available, a multiarch manifest with the single artifact
	// as only entry is generated.
	NormaliseToMultiarch ReplicationMode = "normalise_to_multiarch"
)

// AcceptHeader returns the accept header to be sent for the mode.
func (m ReplicationMode) AcceptHeader() string {
	switch m {
	case PreferMultiarch, NormaliseToMultiarch:
		return AcceptPreferMultiarch
	default:
		return ""
	}
}

// PlatformFilter decides whether a sub-image of a multiarch artifact is replicated.
type PlatformFilter func(ocispecv1.Platform) bool

// ReplicationOptions optionally alter the replication result.
// A zero value yields a verbatim replication in RegistryDefaults mode.
type ReplicationOptions struct {
	Mode ReplicationMode
	// PlatformFilter is only applied to multiarch artifacts.
	PlatformFilter PlatformFilter
	// Annotations are merged into the target manifest. A key is only
	// written if it is absent or its existing value differs, to avoid
	// reserialisation-induced digest drift.
	Annotations map[string]string

	Log logr.Logger
}

// Replicate replicates the oci artifact from src to tgt.
//
// The replication is verbatim where possible. Deviations occur for legacy
// (schema-1) source images which must be converted to schema 2, for platform
// filters, for annotation patches, and for NormaliseToMultiarch.
//
// Returns the effective target reference (rewritten to the digest form if
// the passed target carries no tag) and the top-level manifest bytes that
// were uploaded.
func Replicate(
	ctx context.Context,
	client Client,
	src string,
	tgt string,
	opts ReplicationOptions,
) (ImageReference, []byte, error) {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	srcRef := ParseImageRef(src)
	tgtRef := ParseImageRef(tgt)

	rawManifest, contentType, err := client.ManifestRaw(ctx, srcRef.String(), opts.Mode.AcceptHeader())
	if err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to fetch manifest for %q: %w", srcRef, err)
	}

	var probe struct {
		SchemaVersion int    `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
	}
	if err := json.Unmarshal(rawManifest, &probe); err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to unmarshal manifest for %q: %w", srcRef, err)
	}
	// some manifests do not contain mediaType -> fall back to Content-Type
	mediaType := probe.MediaType
	if mediaType == "" {
		mediaType = contentType
	}

	switch {
	case probe.SchemaVersion == 1:
		return replicateLegacyArtifact(ctx, client, srcRef, tgtRef, rawManifest, opts, log)
	case probe.SchemaVersion == 2 && IsMultiarchMediaType(mediaType):
		return replicateMultiarchArtifact(ctx, client, srcRef, tgtRef, rawManifest, mediaType, opts, log)
	case probe.SchemaVersion == 2 && IsSingleImageMediaType(mediaType):
		if opts.Mode == NormaliseToMultiarch {
			return normaliseToMultiarch(ctx, client, srcRef, tgtRef, mediaType, opts, log)
		}
		var manifest ocispecv1.Manifest
		if err := json.Unmarshal(rawManifest, &manifest); err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to unmarshal manifest for %q: %w", srcRef, err)
		}
		return replicateSingleImage(ctx, client, srcRef, tgtRef, rawManifest, &manifest, mediaType, nil, opts, log)
	default:
		return ImageReference{}, nil, fmt.Errorf("unsupported manifest (schemaVersion=%d, mediaType=%q) for %q", probe.SchemaVersion, mediaType, srcRef)
	}
}

// replicateMultiarchArtifact recursively replicates every sub-manifest of an
// image index / manifest list and finally uploads the (possibly patched)
// top-level manifest.
func replicateMultiarchArtifact(
	ctx context.Context,
	client Client,
	srcRef, tgtRef ImageReference,
	rawManifest []byte,
	mediaType string,
	opts ReplicationOptions,
	log logr.Logger,
) (ImageReference, []byte, error) {
	var index ocispecv1.Index
	if err := json.Unmarshal(rawManifest, &index); err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to unmarshal image index for %q: %w", srcRef, err)
	}

	srcName := srcRef.RefWithoutTag()
	tgtName := tgtRef.RefWithoutTag()

	// try to avoid modifications (from re-serialisation) - unless we have to
	manifestDirty := false
	kept := make([]ocispecv1.Descriptor, 0, len(index.Manifests))

	for _, subManifest := range index.Manifests {
		subSrc := fmt.Sprintf("%s@%s", srcName, subManifest.Digest)

		if opts.PlatformFilter != nil {
			platform, err := PlatformFromSingleImage(ctx, client, subSrc, subManifest.Platform)
			if err != nil {
				return ImageReference{}, nil, err
			}
			if !opts.PlatformFilter(*platform) {
				log.V(3).Info("skipping platform", "platform", platform, "ref", srcRef.String())
				manifestDirty = true
				continue
			}
		}

		log.V(3).Info("replicating sub-manifest", "src", subSrc, "tgt", tgtName)
		_, subBytes, err := Replicate(ctx, client, subSrc, tgtName, ReplicationOptions{
			Annotations: opts.Annotations,
			Log:         log,
		})
		if err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to replicate sub-manifest %q: %w", subSrc, err)
		}

		if subDigest := digest.FromBytes(subBytes); subDigest != subManifest.Digest {
			subManifest.Digest = subDigest
			subManifest.Size = int64(len(subBytes))
			manifestDirty = true
		}
		kept = append(kept, subManifest)
	}
	index.Manifests = kept

	if mergeAnnotations(&index.Annotations, opts.Annotations) {
		manifestDirty = true
	}

	if manifestDirty {
		patched, err := json.Marshal(index)
		if err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to marshal patched image index: %w", err)
		}
		rawManifest = patched
	}

	if !tgtRef.HasTag() {
		tgtRef = tgtRef.WithDigest(digest.FromBytes(rawManifest).String())
	}
	if err := client.PutManifest(ctx, tgtRef.String(), mediaType, rawManifest); err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to put manifest %q: %w", tgtRef, err)
	}
	return tgtRef, rawManifest, nil
}

// normaliseToMultiarch replicates a single-image source once under its
// digest tag and uploads a synthesised one-entry manifest list on top.
func normaliseToMultiarch(
	ctx context.Context,
	client Client,
	srcRef, tgtRef ImageReference,
	mediaType string,
	opts ReplicationOptions,
	log logr.Logger,
) (ImageReference, []byte, error) {
	if !srcRef.HasDigestTag() {
		canonical, err := client.ToDigestHash(ctx, srcRef.String())
		if err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to resolve digest for %q: %w", srcRef, err)
		}
		srcRef = ParseImageRef(canonical)
	}
	platform, err := PlatformFromSingleImage(ctx, client, srcRef.String(), nil)
	if err != nil {
		return ImageReference{}, nil, err
	}

	// force usage of a digest tag (the symbolic tag is required for the manifest list)
	innerTgt := fmt.Sprintf("%s@%s", tgtRef.RefWithoutTag(), srcRef.Tag())

	_, manifestBytes, err := Replicate(ctx, client, srcRef.String(), innerTgt, ReplicationOptions{
		Annotations: opts.Annotations,
		Log:         log,
	})
	if err != nil {
		return ImageReference{}, nil, err
	}

	index := ocispecv1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: DockerManifestListMediaType,
		Manifests: []ocispecv1.Descriptor{
			{
				MediaType: mediaType,
				Digest:    digest.FromBytes(manifestBytes),
				Size:      int64(len(manifestBytes)),
				Platform:  platform,
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	if err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to marshal synthesised manifest list: %w", err)
	}

	if !tgtRef.HasTag() {
		tgtRef = tgtRef.WithDigest(digest.FromBytes(indexBytes).String())
	}
	if err := client.PutManifest(ctx, tgtRef.String(), DockerManifestListMediaType, indexBytes); err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to put manifest %q: %w", tgtRef, err)
	}
	return tgtRef, indexBytes, nil
}

// replicateLegacyArtifact converts a schema-1 manifest to schema 2 and
// replicates the conversion result. The config blob does not exist in the
// source and is fabricated from the uncompressed layer digests.
func replicateLegacyArtifact(
	ctx context.Context,
	client Client,
	srcRef, tgtRef ImageReference,
	rawV1Manifest []byte,
	opts ReplicationOptions,
	log logr.Logger,
) (ImageReference, []byte, error) {
	log.Info("manifest is in legacy format (schemaVersion==1) - cannot replicate verbatim", "ref", srcRef.String())

	manifest, err := ConvertV1ToV2(rawV1Manifest)
	if err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to convert v1 manifest to v2: %w", err)
	}
	return replicateSingleImage(ctx, client, srcRef, tgtRef, nil, manifest, manifest.MediaType, rawV1Manifest, opts, log)
}

// replicateSingleImage copies all blobs of a single-image manifest and
// uploads the manifest. rawManifest may be nil if the manifest was created
// in-memory (schema-1 conversion); rawV1Manifest is only set for converted
// legacy images and triggers config-blob synthesis.
func replicateSingleImage(
	ctx context.Context,
	client Client,
	srcRef, tgtRef ImageReference,
	rawManifest []byte,
	manifest *ocispecv1.Manifest,
	mediaType string,
	rawV1Manifest []byte,
	opts ReplicationOptions,
	log logr.Logger,
) (ImageReference, []byte, error) {
	needSynthesiseCfg := rawV1Manifest != nil
	needDiffIDs := needSynthesiseCfg
	var diffIDs []digest.Digest
	manifestDirty := rawManifest == nil

	blobs := append([]ocispecv1.Descriptor{manifest.Config}, manifest.Layers...)
	for idx := range blobs {
		isCfgBlob := idx == 0

		if isCfgBlob && needSynthesiseCfg {
			// the config blob never exists in the source for converted legacy images
			continue
		}

		layer := blobs[idx]
		exists, err := client.HeadBlob(ctx, tgtRef.String(), layer.Digest.String())
		if err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to head blob %s: %w", layer.Digest, err)
		}
		if exists && !needDiffIDs {
			log.V(5).Info("skipping blob upload - already exists in target", "digest", layer.Digest.String())
			continue
		}

		reader, size, err := client.Blob(ctx, srcRef.String(), layer.Digest.String())
		if err != nil {
			if isCfgBlob && IsNotFound(err) {
				// fall back to non-verbatim replication; synthesise config
				log.Info("config blob absent in source - falling back to non-verbatim replication", "src", srcRef.String())
				needSynthesiseCfg = true
				continue
			}
			return ImageReference{}, nil, fmt.Errorf("unable to fetch blob %s: %w", layer.Digest, err)
		}

		// converted legacy manifests carry layer size placeholders
		if !isCfgBlob && manifest.Layers[idx-1].Size < 0 {
			manifest.Layers[idx-1].Size = size
			manifestDirty = true
		}

		if exists {
			// blob upload can be skipped, but the uncompressed digest is still required
			if !isCfgBlob {
				diffID, err := uncompressedDigest(reader)
				reader.Close()
				if err != nil {
					return ImageReference{}, nil, fmt.Errorf("unable to compute uncompressed digest of %s: %w", layer.Digest, err)
				}
				diffIDs = append(diffIDs, diffID)
			} else {
				reader.Close()
			}
			continue
		}

		if needDiffIDs && !isCfgBlob {
			diffID, err := uploadHashingUncompressed(ctx, client, tgtRef.String(), layer.Digest.String(), size, reader)
			reader.Close()
			if err != nil {
				return ImageReference{}, nil, err
			}
			diffIDs = append(diffIDs, diffID)
		} else {
			err = client.PutBlob(ctx, tgtRef.String(), layer.Digest.String(), size, reader)
			reader.Close()
			if err != nil {
				return ImageReference{}, nil, fmt.Errorf("unable to put blob %s: %w", layer.Digest, err)
			}
		}
	}

	if needSynthesiseCfg {
		cfgBytes, err := SynthesiseConfigBlob(rawV1Manifest, diffIDs)
		if err != nil {
			return ImageReference{}, nil, err
		}
		cfgDigest := digest.FromBytes(cfgBytes)
		if err := client.PutBlob(ctx, tgtRef.String(), cfgDigest.String(), int64(len(cfgBytes)), bytes.NewReader(cfgBytes)); err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to put synthesised config blob: %w", err)
		}
		manifest.Config = ocispecv1.Descriptor{
			MediaType: ocispecv1.MediaTypeImageConfig,
			Digest:    cfgDigest,
			Size:      int64(len(cfgBytes)),
		}
		manifestDirty = true
	}

	if mergeAnnotations(&manifest.Annotations, opts.Annotations) {
		manifestDirty = true
	}

	if manifestDirty {
		patched, err := json.Marshal(manifest)
		if err != nil {
			return ImageReference{}, nil, fmt.Errorf("unable to marshal patched manifest: %w", err)
		}
		rawManifest = patched
	}

	if !tgtRef.HasTag() {
		tgtRef = tgtRef.WithDigest(digest.FromBytes(rawManifest).String())
	}
	if err := client.PutManifest(ctx, tgtRef.String(), mediaType, rawManifest); err != nil {
		return ImageReference{}, nil, fmt.Errorf("unable to put manifest %q: %w", tgtRef, err)
	}
	return tgtRef, rawManifest, nil
}

// mergeAnnotations merges the given annotations into the target map.
// A key is only written if absent or different; returns whether the map changed.
func mergeAnnotations(target *map[string]string, annotations map[string]string) bool {
	if len(annotations) == 0 {
		return false
	}
	changed := false
	for k, v := range annotations {
		if existing, ok := (*target)[k]; ok && existing == v {
			continue
		}
		if *target == nil {
			*target = map[string]string{}
		}
		(*target)[k] = v
		changed = true
	}
	return changed
}

// uncompressedDigest consumes the (potentially compressed) blob stream and
// returns the digest of the decompressed byte stream.
func uncompressedDigest(reader io.Reader) (digest.Digest, error) {
	decompressed, err := compression.DecompressStream(reader)
	if err != nil {
		return "", err
	}
	defer decompressed.Close()

	digester := digest.SHA256.Digester()
	if _, err := io.Copy(digester.Hash(), decompressed); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

// uploadHashingUncompressed streams the blob to the target registry while
// hashing the decompressed byte stream on the fly.
func uploadHashingUncompressed(
	ctx context.Context,
	client Client,
	tgtRef string,
	blobDigest string,
	size int64,
	reader io.Reader,
) (digest.Digest, error) {
	pipeReader, pipeWriter := io.Pipe()

	type hashResult struct {
		digest digest.Digest
		err    error
	}
	resultCh := make(chan hashResult, 1)
	go func() {
		diffID, err := uncompressedDigest(pipeReader)
		if err != nil {
			// unblock the uploading side
			pipeReader.CloseWithError(err)
		}
		resultCh <- hashResult{digest: diffID, err: err}
	}()

	tee := io.TeeReader(reader, pipeWriter)
	uploadErr := client.PutBlob(ctx, tgtRef, blobDigest, size, tee)
	pipeWriter.Close()

	result := <-resultCh
	if uploadErr != nil {
		return "", fmt.Errorf("unable to put blob %s: %w", blobDigest, uploadErr)
	}
	if result.err != nil {
		return "", fmt.Errorf("unable to compute uncompressed digest of %s: %w", blobDigest, result.err)
	}
	return result.digest, nil
}
