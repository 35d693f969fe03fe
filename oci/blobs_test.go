// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci_test

import (
	"context"
	"io"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/oci"
)

var _ = Describe("ReplicateBlobs", func() {

	var (
		ctx      context.Context
		registry *fakeClient
		manifest *ocispecv1.Manifest

		srcRef = "registry.src/test/image:1.0.0"
		tgtRef = "registry.tgt/test/image:1.0.0"
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = newFakeClient()

		cfgDigest := registry.addBlob(srcRef, []byte(`{"some": "config"}`))
		layer0Digest := registry.addBlob(srcRef, []byte("layer-0"))
		layer1Digest := registry.addBlob(srcRef, []byte("layer-1"))

		manifest = &ocispecv1.Manifest{
			Config: ocispecv1.Descriptor{
				MediaType: ocispecv1.MediaTypeImageConfig,
				Digest:    cfgDigest,
				Size:      int64(len(`{"some": "config"}`)),
			},
			Layers: []ocispecv1.Descriptor{
				{MediaType: ocispecv1.MediaTypeImageLayerGzip, Digest: layer0Digest, Size: 7},
				{MediaType: ocispecv1.MediaTypeImageLayerGzip, Digest: layer1Digest, Size: 7},
			},
		}
	})

	readBlob := func(ref string, dgst digest.Digest) string {
		reader, _, err := registry.Blob(ctx, ref, dgst.String())
		Expect(err).ToNot(HaveOccurred())
		defer reader.Close()
		data, err := io.ReadAll(reader)
		Expect(err).ToNot(HaveOccurred())
		return string(data)
	}

	It("should replicate all blobs verbatim without overwrites", func() {
		replicated, err := oci.ReplicateBlobs(
			ctx, logr.Discard(), registry, srcRef, tgtRef, manifest, nil,
		)
		Expect(err).ToNot(HaveOccurred())

		Expect(replicated.Config).To(Equal(manifest.Config))
		Expect(replicated.Layers).To(Equal(manifest.Layers))
		Expect(readBlob(tgtRef, manifest.Layers[0].Digest)).To(Equal("layer-0"))
		Expect(readBlob(tgtRef, manifest.Layers[1].Digest)).To(Equal("layer-1"))
	})

	It("should replace overwritten blobs and adjust their descriptors", func() {
		replacement := []byte("patched-layer-1")
		replicated, err := oci.ReplicateBlobs(
			ctx, logr.Discard(), registry, srcRef, tgtRef, manifest,
			oci.BlobOverwrites{manifest.Layers[1].Digest: replacement},
		)
		Expect(err).ToNot(HaveOccurred())

		Expect(replicated.Layers[0]).To(Equal(manifest.Layers[0]))
		Expect(replicated.Layers[1].Digest).To(Equal(digest.FromBytes(replacement)))
		Expect(replicated.Layers[1].Size).To(Equal(int64(len(replacement))))
		Expect(replicated.Layers[1].MediaType).To(Equal(manifest.Layers[1].MediaType))

		Expect(readBlob(tgtRef, replicated.Layers[1].Digest)).To(Equal("patched-layer-1"))
	})

	It("should fail for blobs absent in the source", func() {
		manifest.Layers = append(manifest.Layers, ocispecv1.Descriptor{
			MediaType: ocispecv1.MediaTypeImageLayerGzip,
			Digest:    digest.FromString("missing"),
		})

		_, err := oci.ReplicateBlobs(
			ctx, logr.Discard(), registry, srcRef, tgtRef, manifest, nil,
		)
		Expect(err).To(HaveOccurred())
		Expect(oci.IsNotFound(err)).To(BeTrue())
	})
})
