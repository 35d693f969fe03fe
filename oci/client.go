// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"context"
	"errors"
	"io"
	"strings"

	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DockerManifestSchema1MediaType is the media type of the legacy docker manifest schema 1.
	DockerManifestSchema1MediaType = "application/vnd.docker.distribution.manifest.v1+json"
	// DockerManifestSchema1SignedMediaType is the media type of the signed legacy manifest schema 1.
	DockerManifestSchema1SignedMediaType = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	// DockerManifestSchema2MediaType is the media type of the docker manifest schema 2.
	DockerManifestSchema2MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	// DockerManifestListMediaType is the media type of the docker manifest list.
	DockerManifestListMediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// AcceptSingleImage is an accept header value forcing single-image manifests.
var AcceptSingleImage = strings.Join([]string{
	ocispecv1.MediaTypeImageManifest,
	DockerManifestSchema2MediaType,
}, ", ")

// AcceptMultiarch is an accept header value forcing image indexes / manifest lists.
var AcceptMultiarch = strings.Join([]string{
	ocispecv1.MediaTypeImageIndex,
	DockerManifestListMediaType,
}, ", ")

// AcceptPreferMultiarch is an accept header value preferring multiarch while
// accepting single images. Note: not all registries honour accept headers.
var AcceptPreferMultiarch = strings.Join([]string{AcceptMultiarch, AcceptSingleImage}, ", ")

var (
	// ErrManifestNotFound is returned if a manifest does not exist in a registry.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrBlobNotFound is returned if a blob does not exist in a registry.
	ErrBlobNotFound = errors.New("blob not found")
)

// IsNotFound reports whether err signals an absent manifest or blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrManifestNotFound) || errors.Is(err, ErrBlobNotFound)
}

// Client is the minimal oci registry contract the replication engine requires.
type Client interface {
	// ManifestRaw fetches the raw manifest bytes for the given reference.
	// The accept header is passed verbatim; an empty accept leaves the choice
	// of the manifest variant to the registry. The registry's content type is
	// returned alongside the payload.
	ManifestRaw(ctx context.Context, ref string, accept string) (data []byte, contentType string, err error)
	// PutManifest uploads the given raw manifest.
	PutManifest(ctx context.Context, ref string, mediaType string, data []byte) error
	// Blob fetches a blob. Returns ErrBlobNotFound for absent blobs.
	Blob(ctx context.Context, ref string, digest string) (io.ReadCloser, int64, error)
	// HeadBlob reports whether a blob exists without fetching it.
	HeadBlob(ctx context.Context, ref string, digest string) (bool, error)
	// PutBlob uploads a blob with the given digest and size.
	PutBlob(ctx context.Context, ref string, digest string, size int64, data io.Reader) error
	// Tags lists all tags of the given repository.
	Tags(ctx context.Context, ref string) ([]string, error)
	// ToDigestHash resolves the given reference to its canonical digest form.
	ToDigestHash(ctx context.Context, ref string) (string, error)
}

// IsMultiarchMediaType reports whether the media type denotes an image index / manifest list.
func IsMultiarchMediaType(mediaType string) bool {
	return mediaType == DockerManifestListMediaType || mediaType == ocispecv1.MediaTypeImageIndex
}

// IsSingleImageMediaType reports whether the media type denotes a single-image manifest.
func IsSingleImageMediaType(mediaType string) bool {
	return mediaType == DockerManifestSchema2MediaType || mediaType == ocispecv1.MediaTypeImageManifest
}
