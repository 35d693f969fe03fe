// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci_test

import (
	"context"
	"encoding/json"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/oci"
)

var _ = Describe("Replicate", func() {

	var (
		ctx    context.Context
		client *fakeClient
	)

	const (
		srcRef = "registry.src.example/test/image:1.0.0"
		tgtRef = "registry.tgt.example/test/image:1.0.0"
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = newFakeClient()
	})

	// uploads a single image with one config and one layer blob to the fake
	// source registry and returns the serialized manifest
	createSingleImage := func(ref string, platformCfg string) ([]byte, *ocispecv1.Manifest) {
		cfgDigest := client.addBlob(ref, []byte(platformCfg))
		layerDigest := client.addBlob(ref, []byte("layer-data"))

		manifest := &ocispecv1.Manifest{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispecv1.MediaTypeImageManifest,
			Config: ocispecv1.Descriptor{
				MediaType: ocispecv1.MediaTypeImageConfig,
				Digest:    cfgDigest,
				Size:      int64(len(platformCfg)),
			},
			Layers: []ocispecv1.Descriptor{
				{
					MediaType: ocispecv1.MediaTypeImageLayerGzip,
					Digest:    layerDigest,
					Size:      int64(len("layer-data")),
				},
			},
		}
		manifestBytes, err := json.Marshal(manifest)
		Expect(err).ToNot(HaveOccurred())
		client.addManifest(ref, manifest.MediaType, manifestBytes)
		return manifestBytes, manifest
	}

	It("should replicate a single image verbatim", func() {
		manifestBytes, manifest := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)

		res, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.String()).To(Equal(tgtRef))
		Expect(resBytes).To(Equal(manifestBytes))

		data, _, err := client.ManifestRaw(ctx, tgtRef, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(data).To(Equal(manifestBytes))

		exists, err := client.HeadBlob(ctx, tgtRef, manifest.Config.Digest.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(exists).To(BeTrue())
		exists, err = client.HeadBlob(ctx, tgtRef, manifest.Layers[0].Digest.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(exists).To(BeTrue())
	})

	It("should skip blob uploads if the target already contains all blobs", func() {
		manifestBytes, _ := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)
		client.addBlob(tgtRef, []byte(`{"os":"linux","architecture":"amd64"}`))
		client.addBlob(tgtRef, []byte("layer-data"))

		_, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(resBytes).To(Equal(manifestBytes))
		Expect(client.blobUploads).To(Equal(0))
	})

	It("should rewrite an untagged target to the digest form", func() {
		manifestBytes, _ := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)

		res, _, err := oci.Replicate(ctx, client, srcRef, "registry.tgt.example/test/image", oci.ReplicationOptions{})
		Expect(err).ToNot(HaveOccurred())
		Expect(res.String()).To(Equal("registry.tgt.example/test/image@" + digest.FromBytes(manifestBytes).String()))
	})

	It("should merge annotations into the target manifest", func() {
		manifestBytes, _ := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)

		_, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{
			Annotations: map[string]string{"org.example.source": "replication-test"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resBytes).ToNot(Equal(manifestBytes))

		var patched ocispecv1.Manifest
		Expect(json.Unmarshal(resBytes, &patched)).To(Succeed())
		Expect(patched.Annotations).To(HaveKeyWithValue("org.example.source", "replication-test"))
	})

	It("should not modify the manifest if all annotations are already present", func() {
		cfgDigest := client.addBlob(srcRef, []byte(`{"os":"linux","architecture":"amd64"}`))
		manifest := &ocispecv1.Manifest{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: ocispecv1.MediaTypeImageManifest,
			Config: ocispecv1.Descriptor{
				MediaType: ocispecv1.MediaTypeImageConfig,
				Digest:    cfgDigest,
				Size:      42,
			},
			Annotations: map[string]string{"org.example.source": "replication-test"},
		}
		manifestBytes, err := json.Marshal(manifest)
		Expect(err).ToNot(HaveOccurred())
		client.addManifest(srcRef, manifest.MediaType, manifestBytes)

		_, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{
			Annotations: map[string]string{"org.example.source": "replication-test"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(resBytes).To(Equal(manifestBytes))
	})

	Context("multiarch artifacts", func() {

		createIndex := func() ([]byte, *ocispecv1.Index) {
			amdManifestBytes, _ := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)
			armSrc := oci.ParseImageRef(srcRef).RefWithoutTag() + ":arm"
			armManifestBytes, _ := createSingleImage(armSrc, `{"os":"linux","architecture":"arm64"}`)

			index := &ocispecv1.Index{
				Versioned: specs.Versioned{SchemaVersion: 2},
				MediaType: oci.DockerManifestListMediaType,
				Manifests: []ocispecv1.Descriptor{
					{
						MediaType: ocispecv1.MediaTypeImageManifest,
						Digest:    digest.FromBytes(amdManifestBytes),
						Size:      int64(len(amdManifestBytes)),
						Platform:  &ocispecv1.Platform{OS: "linux", Architecture: "amd64"},
					},
					{
						MediaType: ocispecv1.MediaTypeImageManifest,
						Digest:    digest.FromBytes(armManifestBytes),
						Size:      int64(len(armManifestBytes)),
						Platform:  &ocispecv1.Platform{OS: "linux", Architecture: "arm64"},
					},
				},
			}
			indexBytes, err := json.Marshal(index)
			Expect(err).ToNot(HaveOccurred())
			indexRef := oci.ParseImageRef(srcRef).RefWithoutTag() + ":multi"
			client.addManifest(indexRef, index.MediaType, indexBytes)
			return indexBytes, index
		}

		It("should replicate a manifest list verbatim including all sub-images", func() {
			indexBytes, index := createIndex()
			indexSrc := oci.ParseImageRef(srcRef).RefWithoutTag() + ":multi"
			indexTgt := oci.ParseImageRef(tgtRef).RefWithoutTag() + ":multi"

			_, resBytes, err := oci.Replicate(ctx, client, indexSrc, indexTgt, oci.ReplicationOptions{
				Mode: oci.PreferMultiarch,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resBytes).To(Equal(indexBytes))

			// all sub-manifests must exist in the target repository by digest
			for _, sub := range index.Manifests {
				subTgt := fmt.Sprintf("%s@%s", oci.ParseImageRef(tgtRef).RefWithoutTag(), sub.Digest)
				_, _, err := client.ManifestRaw(ctx, subTgt, "")
				Expect(err).ToNot(HaveOccurred())
			}
		})

		It("should drop filtered platforms and patch the manifest list", func() {
			_, _ = createIndex()
			indexSrc := oci.ParseImageRef(srcRef).RefWithoutTag() + ":multi"
			indexTgt := oci.ParseImageRef(tgtRef).RefWithoutTag() + ":multi"

			_, resBytes, err := oci.Replicate(ctx, client, indexSrc, indexTgt, oci.ReplicationOptions{
				Mode: oci.PreferMultiarch,
				PlatformFilter: func(p ocispecv1.Platform) bool {
					return p.Architecture == "amd64"
				},
			})
			Expect(err).ToNot(HaveOccurred())

			var patched ocispecv1.Index
			Expect(json.Unmarshal(resBytes, &patched)).To(Succeed())
			Expect(patched.Manifests).To(HaveLen(1))
			Expect(patched.Manifests[0].Platform.Architecture).To(Equal("amd64"))
		})

	})

	Context("normalise to multiarch", func() {

		It("should wrap a single image into a manifest list", func() {
			manifestBytes, _ := createSingleImage(srcRef, `{"os":"linux","architecture":"amd64"}`)

			res, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{
				Mode: oci.NormaliseToMultiarch,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(res.String()).To(Equal(tgtRef))

			var index ocispecv1.Index
			Expect(json.Unmarshal(resBytes, &index)).To(Succeed())
			Expect(index.MediaType).To(Equal(oci.DockerManifestListMediaType))
			Expect(index.Manifests).To(HaveLen(1))
			Expect(index.Manifests[0].Digest).To(Equal(digest.FromBytes(manifestBytes)))
			Expect(index.Manifests[0].Platform.OS).To(Equal("linux"))
			Expect(index.Manifests[0].Platform.Architecture).To(Equal("amd64"))

			// the wrapped single image must exist in the target repository
			subTgt := fmt.Sprintf("%s@%s", oci.ParseImageRef(tgtRef).RefWithoutTag(), index.Manifests[0].Digest)
			data, _, err := client.ManifestRaw(ctx, subTgt, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal(manifestBytes))
		})

	})

	Context("legacy schema-1 images", func() {

		It("should convert a schema-1 image and synthesise its config blob", func() {
			layerData := []byte("legacy-layer-data")
			layerDigest := client.addBlob(srcRef, layerData)

			v1Compat := `{"architecture":"amd64","os":"linux","config":{"Cmd":["/bin/sh"]},"id":"abc123","parent":"def456"}`
			v1Manifest := map[string]interface{}{
				"schemaVersion": 1,
				"fsLayers": []map[string]string{
					{"blobSum": layerDigest.String()},
				},
				"history": []map[string]string{
					{"v1Compatibility": v1Compat},
				},
			}
			v1Bytes, err := json.Marshal(v1Manifest)
			Expect(err).ToNot(HaveOccurred())
			client.addManifest(srcRef, oci.DockerManifestSchema1MediaType, v1Bytes)

			_, resBytes, err := oci.Replicate(ctx, client, srcRef, tgtRef, oci.ReplicationOptions{})
			Expect(err).ToNot(HaveOccurred())

			var converted ocispecv1.Manifest
			Expect(json.Unmarshal(resBytes, &converted)).To(Succeed())
			Expect(converted.SchemaVersion).To(Equal(2))
			Expect(converted.Layers).To(HaveLen(1))
			Expect(converted.Layers[0].Digest).To(Equal(layerDigest))
			Expect(converted.Layers[0].Size).To(Equal(int64(len(layerData))))

			// the synthesised config blob must exist in the target and contain
			// the uncompressed layer digests
			reader, _, err := client.Blob(ctx, tgtRef, converted.Config.Digest.String())
			Expect(err).ToNot(HaveOccurred())
			defer reader.Close()

			var cfg map[string]interface{}
			Expect(json.NewDecoder(reader).Decode(&cfg)).To(Succeed())
			Expect(cfg).ToNot(HaveKey("id"))
			Expect(cfg).ToNot(HaveKey("parent"))
			rootfs, ok := cfg["rootfs"].(map[string]interface{})
			Expect(ok).To(BeTrue())
			Expect(rootfs["diff_ids"]).To(ContainElement(digest.FromBytes(layerData).String()))
		})

	})

})
