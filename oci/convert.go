// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/pkg/utils"
)

// *************************************************************************************
// Docker Manifest v2 Schema 1 Support
// see also:
// - https://docs.docker.com/registry/spec/manifest-v2-1/
// - https://github.com/moby/moby/blob/master/image/v1/imagev1.go
// *************************************************************************************

type v1FSLayer struct {
	BlobSum digest.Digest `json:"blobSum"`
}

type v1HistoryEntry struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// V1Manifest covers the replication-relevant parts of the deprecated
// manifest schema 1.
type V1Manifest struct {
	FSLayers []v1FSLayer      `json:"fsLayers"`
	History  []v1HistoryEntry `json:"history"`
}

type v1History struct {
	Author          string    `json:"author,omitempty"`
	Created         time.Time `json:"created"`
	Comment         string    `json:"comment,omitempty"`
	ThrowAway       *bool     `json:"throwaway,omitempty"`
	Size            *int      `json:"Size,omitempty"`
	ContainerConfig struct {
		Cmd []string `json:"Cmd,omitempty"`
	} `json:"container_config,omitempty"`
}

// ConvertV1ToV2 converts a raw schema-1 manifest into an in-memory schema-2
// manifest. The config descriptor is left empty: schema-1 images carry no
// config blob, it must be synthesised from the uncompressed layer digests
// once those are known (see SynthesiseConfigBlob).
func ConvertV1ToV2(rawV1Manifest []byte) (*ocispecv1.Manifest, error) {
	var v1 V1Manifest
	if err := json.Unmarshal(rawV1Manifest, &v1); err != nil {
		return nil, fmt.Errorf("unable to unmarshal v1 manifest: %w", err)
	}
	if len(v1.FSLayers) != len(v1.History) {
		return nil, fmt.Errorf("inconsistent v1 manifest: %d fsLayers vs %d history entries", len(v1.FSLayers), len(v1.History))
	}

	layers := []ocispecv1.Descriptor{}

	// layers in v1 are reversed compared to v2 -> iterate backwards
	for i := len(v1.FSLayers) - 1; i >= 0; i-- {
		var h v1History
		if err := json.Unmarshal([]byte(v1.History[i].V1Compatibility), &h); err != nil {
			return nil, fmt.Errorf("unable to unmarshal v1 history: %w", err)
		}
		if isEmptyLayer(&h) {
			continue
		}
		layers = append(layers, ocispecv1.Descriptor{
			MediaType: ocispecv1.MediaTypeImageLayerGzip,
			Digest:    v1.FSLayers[i].BlobSum,
			Size:      -1, // unknown until the blob is streamed
		})
	}

	return &ocispecv1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: DockerManifestSchema2MediaType,
		Config:    ocispecv1.Descriptor{MediaType: ocispecv1.MediaTypeImageConfig},
		Layers:    layers,
	}, nil
}

// SynthesiseConfigBlob fabricates a config blob for a converted schema-1
// image. The first (most recent) v1Compatibility entry serves as template,
// its rootfs is replaced with the computed uncompressed layer digests.
func SynthesiseConfigBlob(rawV1Manifest []byte, diffIDs []digest.Digest) ([]byte, error) {
	var v1 V1Manifest
	if err := json.Unmarshal(rawV1Manifest, &v1); err != nil {
		return nil, fmt.Errorf("unable to unmarshal v1 manifest: %w", err)
	}
	if len(v1.History) == 0 {
		return nil, fmt.Errorf("v1 manifest carries no history - cannot synthesise config blob")
	}

	var config map[string]*json.RawMessage
	if err := json.Unmarshal([]byte(v1.History[0].V1Compatibility), &config); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config from v1 history: %w", err)
	}

	delete(config, "id")
	delete(config, "parent")
	delete(config, "Size") // inconsistent across registries
	delete(config, "parent_id")
	delete(config, "layer_id")
	delete(config, "throwaway")

	config["rootfs"] = utils.RawJSON(ocispecv1.RootFS{
		Type:    "layers",
		DiffIDs: diffIDs,
	})

	return json.Marshal(config)
}

// isEmptyLayer returns whether the v1 compatibility history describes an
// empty layer. A return value of true indicates the layer is empty,
// however false does not indicate non-empty.
func isEmptyLayer(h *v1History) bool {
	if h.ThrowAway != nil {
		return *h.ThrowAway
	}
	if h.Size != nil {
		return *h.Size == 0
	}
	return false
}
