// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci

import (
	"fmt"
	"strings"
)

// TagType describes the kind of tag an image reference carries.
type TagType string

const (
	TagTypeSymbolic TagType = "symbolic"
	TagTypeDigest   TagType = "digest"
	TagTypeNone     TagType = "none"
)

// ImageReference is a parsed oci image reference.
// A reference carries at most one of symbolic tag / digest tag; the digest
// form is canonical.
type ImageReference struct {
	original string
}

// ParseImageRef parses the given image reference.
func ParseImageRef(ref string) ImageReference {
	return ImageReference{original: strings.TrimSpace(ref)}
}

func (r ImageReference) String() string {
	return r.original
}

// Host returns the registry host of the reference.
func (r ImageReference) Host() string {
	parts := strings.SplitN(r.original, "/", 2)
	return parts[0]
}

// RefWithoutTag returns the reference without its tag or digest tag.
func (r ImageReference) RefWithoutTag() string {
	ref := r.original
	if idx := strings.LastIndex(ref, "@"); idx >= 0 {
		ref = ref[:idx]
	}
	// a colon after the last slash separates a symbolic tag, otherwise it
	// belongs to the registry's port
	slash := strings.LastIndex(ref, "/")
	if idx := strings.LastIndex(ref, ":"); idx > slash {
		ref = ref[:idx]
	}
	return ref
}

// Name returns the repository name (host and tag omitted).
func (r ImageReference) Name() string {
	withoutTag := r.RefWithoutTag()
	if idx := strings.Index(withoutTag, "/"); idx >= 0 {
		return withoutTag[idx+1:]
	}
	return withoutTag
}

// TagType returns the kind of tag the reference carries.
func (r ImageReference) TagType() TagType {
	if strings.Contains(r.original, "@") {
		return TagTypeDigest
	}
	slash := strings.LastIndex(r.original, "/")
	if idx := strings.LastIndex(r.original, ":"); idx > slash {
		return TagTypeSymbolic
	}
	return TagTypeNone
}

// HasTag returns whether any tag (symbolic or digest) is present.
func (r ImageReference) HasTag() bool {
	return r.TagType() != TagTypeNone
}

// HasDigestTag returns whether the reference is tagged by digest.
func (r ImageReference) HasDigestTag() bool {
	return r.TagType() == TagTypeDigest
}

// HasSymbolicTag returns whether the reference carries a symbolic tag.
func (r ImageReference) HasSymbolicTag() bool {
	return r.TagType() == TagTypeSymbolic
}

// Tag returns the tag (symbolic) or digest (digest-tag) of the reference.
// Returns an empty string for untagged references.
func (r ImageReference) Tag() string {
	switch r.TagType() {
	case TagTypeDigest:
		return r.original[strings.LastIndex(r.original, "@")+1:]
	case TagTypeSymbolic:
		return r.original[strings.LastIndex(r.original, ":")+1:]
	}
	return ""
}

// WithDigest returns a new reference tagged with the given digest.
func (r ImageReference) WithDigest(dgst string) ImageReference {
	return ParseImageRef(fmt.Sprintf("%s@%s", r.RefWithoutTag(), dgst))
}

// WithTag returns a new reference with the given symbolic tag.
func (r ImageReference) WithTag(tag string) ImageReference {
	if strings.Contains(tag, "sha256:") {
		return r.WithDigest(tag)
	}
	return ParseImageRef(fmt.Sprintf("%s:%s", r.RefWithoutTag(), tag))
}
