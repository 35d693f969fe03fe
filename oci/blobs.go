// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// BlobOverwrites maps blob digests of the source manifest to replacement
// contents.
type BlobOverwrites map[digest.Digest][]byte

// ReplicateBlobs copies the config blob and all layer blobs of the given
// source manifest to tgtRef, replacing the blobs listed in overwrites.
// This is particularly useful for replacing "special" blobs, such as a
// component-descriptor layer blob or the config blob.
//
// The returned manifest references the effective blobs; the caller must
// finalise the upload with a manifest put.
func ReplicateBlobs(
	ctx context.Context,
	log logr.Logger,
	client Client,
	srcRef, tgtRef string,
	manifest *ocispecv1.Manifest,
	overwrites BlobOverwrites,
) (*ocispecv1.Manifest, error) {
	replicated := *manifest

	cfg, err := replicateBlob(ctx, log, client, srcRef, tgtRef, manifest.Config, overwrites)
	if err != nil {
		return nil, err
	}
	replicated.Config = cfg

	replicated.Layers = make([]ocispecv1.Descriptor, len(manifest.Layers))
	for i, layer := range manifest.Layers {
		replicated.Layers[i], err = replicateBlob(ctx, log, client, srcRef, tgtRef, layer, overwrites)
		if err != nil {
			return nil, err
		}
	}
	return &replicated, nil
}

func replicateBlob(
	ctx context.Context,
	log logr.Logger,
	client Client,
	srcRef, tgtRef string,
	blob ocispecv1.Descriptor,
	overwrites BlobOverwrites,
) (ocispecv1.Descriptor, error) {
	if data, ok := overwrites[blob.Digest]; ok {
		dgst := digest.FromBytes(data)
		log.Info("replicating with overwrite",
			"digest", blob.Digest.String(), "newDigest", dgst.String(), "tgt", tgtRef)

		if err := client.PutBlob(
			ctx, tgtRef, dgst.String(), int64(len(data)), bytes.NewReader(data),
		); err != nil {
			return ocispecv1.Descriptor{}, fmt.Errorf("unable to upload blob %s: %w", dgst, err)
		}
		return ocispecv1.Descriptor{
			MediaType: blob.MediaType,
			Digest:    dgst,
			Size:      int64(len(data)),
		}, nil
	}

	reader, size, err := client.Blob(ctx, srcRef, blob.Digest.String())
	if err != nil {
		return ocispecv1.Descriptor{}, fmt.Errorf("unable to fetch blob %s: %w", blob.Digest, err)
	}
	defer reader.Close()

	if err := client.PutBlob(ctx, tgtRef, blob.Digest.String(), size, reader); err != nil {
		return ocispecv1.Descriptor{}, fmt.Errorf("unable to upload blob %s: %w", blob.Digest, err)
	}
	return ocispecv1.Descriptor{
		MediaType: blob.MediaType,
		Digest:    blob.Digest,
		Size:      size,
	}, nil
}
