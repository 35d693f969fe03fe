// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package oci_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/oci"
)

var _ = Describe("ImageReference", func() {

	It("should parse a symbolically tagged reference", func() {
		ref := oci.ParseImageRef("eu.gcr.io/test/image:1.2.3")
		Expect(ref.Host()).To(Equal("eu.gcr.io"))
		Expect(ref.Name()).To(Equal("test/image"))
		Expect(ref.Tag()).To(Equal("1.2.3"))
		Expect(ref.TagType()).To(Equal(oci.TagTypeSymbolic))
		Expect(ref.HasSymbolicTag()).To(BeTrue())
		Expect(ref.RefWithoutTag()).To(Equal("eu.gcr.io/test/image"))
	})

	It("should parse a digest tagged reference", func() {
		ref := oci.ParseImageRef("eu.gcr.io/test/image@sha256:1f8dc3a66f3b2db0a9fbcf71fef9b20d500bbf2f425dca95a9a1d3d5e3d1cb03")
		Expect(ref.Tag()).To(Equal("sha256:1f8dc3a66f3b2db0a9fbcf71fef9b20d500bbf2f425dca95a9a1d3d5e3d1cb03"))
		Expect(ref.TagType()).To(Equal(oci.TagTypeDigest))
		Expect(ref.HasDigestTag()).To(BeTrue())
		Expect(ref.RefWithoutTag()).To(Equal("eu.gcr.io/test/image"))
	})

	It("should parse an untagged reference", func() {
		ref := oci.ParseImageRef("eu.gcr.io/test/image")
		Expect(ref.HasTag()).To(BeFalse())
		Expect(ref.Tag()).To(BeEmpty())
		Expect(ref.TagType()).To(Equal(oci.TagTypeNone))
	})

	It("should not confuse a registry port with a symbolic tag", func() {
		ref := oci.ParseImageRef("localhost:5000/test/image")
		Expect(ref.HasTag()).To(BeFalse())
		Expect(ref.Host()).To(Equal("localhost:5000"))
		Expect(ref.RefWithoutTag()).To(Equal("localhost:5000/test/image"))

		tagged := oci.ParseImageRef("localhost:5000/test/image:1.2.3")
		Expect(tagged.Tag()).To(Equal("1.2.3"))
		Expect(tagged.RefWithoutTag()).To(Equal("localhost:5000/test/image"))
	})

	It("should replace the tag when tagging by digest", func() {
		ref := oci.ParseImageRef("eu.gcr.io/test/image:1.2.3")
		withDigest := ref.WithDigest("sha256:1f8dc3a66f3b2db0a9fbcf71fef9b20d500bbf2f425dca95a9a1d3d5e3d1cb03")
		Expect(withDigest.String()).To(Equal("eu.gcr.io/test/image@sha256:1f8dc3a66f3b2db0a9fbcf71fef9b20d500bbf2f425dca95a9a1d3d5e3d1cb03"))
	})

	It("should detect digests passed to WithTag", func() {
		ref := oci.ParseImageRef("eu.gcr.io/test/image")
		Expect(ref.WithTag("1.2.3").String()).To(Equal("eu.gcr.io/test/image:1.2.3"))
		Expect(ref.WithTag("sha256:1f8dc3a66f3b2db0a9fbcf71fef9b20d500bbf2f425dca95a9a1d3d5e3d1cb03").TagType()).To(Equal(oci.TagTypeDigest))
	})

})
