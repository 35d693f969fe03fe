// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package cnudie_test

import (
	"context"
	"errors"
	"fmt"

	cdv2 "github.com/gardener/component-spec/bindings-go/apis/v2"
	"github.com/go-logr/logr"
	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/cnudie"
)

func newRepoCtx(baseURL string) *cdv2.OCIRegistryRepository {
	return cdv2.NewOCIRegistryRepository(baseURL, "")
}

func newDescriptor(id cnudie.ComponentIdentity) *cdv2.ComponentDescriptor {
	cd := &cdv2.ComponentDescriptor{}
	cd.Metadata.Version = cdv2.SchemaVersion
	cd.Name = id.Name
	cd.Version = id.Version
	cd.Provider = cdv2.ProviderType("internal")
	Expect(cdv2.DefaultComponent(cd)).To(Succeed())
	return cd
}

// mapLookup is an authoritative in-test source layer.
type mapLookup struct {
	descriptors map[string]*cdv2.ComponentDescriptor
	calls       int
}

func (m *mapLookup) lookup(_ context.Context, id cnudie.ComponentIdentity, _ *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, cnudie.WriteBack, error) {
	m.calls++
	if cd, ok := m.descriptors[id.String()]; ok {
		return cd, nil, nil
	}
	return nil, nil, fmt.Errorf("%s: %w", id, cnudie.ErrNotFound)
}

var _ = Describe("lookup", func() {

	var (
		ctx     context.Context
		repoCtx *cdv2.OCIRegistryRepository
		id      cnudie.ComponentIdentity
	)

	BeforeEach(func() {
		ctx = context.Background()
		repoCtx = newRepoCtx("eu.gcr.io/test-project/releases")
		id = cnudie.ComponentIdentity{Name: "github.com/test/component", Version: "1.0.0"}
	})

	Context("InMemoryLookup", func() {

		It("should miss with a write-back and hit after population", func() {
			lookup, err := cnudie.NewInMemoryLookup(0)
			Expect(err).ToNot(HaveOccurred())

			cd, writeBack, err := lookup(ctx, id, repoCtx)
			Expect(cd).To(BeNil())
			Expect(errors.Is(err, cnudie.ErrNotFound)).To(BeTrue())
			Expect(writeBack).ToNot(BeNil())

			Expect(writeBack(ctx, id, newDescriptor(id))).To(Succeed())

			cd, _, err = lookup(ctx, id, repoCtx)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd.Name).To(Equal(id.Name))
		})

		It("should reject partially populated identities", func() {
			lookup, err := cnudie.NewInMemoryLookup(0)
			Expect(err).ToNot(HaveOccurred())

			_, _, err = lookup(ctx, cnudie.ComponentIdentity{Name: "github.com/test/component"}, repoCtx)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, cnudie.ErrNotFound)).To(BeFalse())
		})
	})

	Context("FilesystemLookup", func() {

		var fs vfs.FileSystem

		BeforeEach(func() {
			fs = memoryfs.New()
		})

		It("should store descriptors below the slash-to-dash repository directory", func() {
			lookup := cnudie.NewFilesystemLookup(fs, "/cache")

			_, writeBack, err := lookup(ctx, id, repoCtx)
			Expect(errors.Is(err, cnudie.ErrNotFound)).To(BeTrue())
			Expect(writeBack).ToNot(BeNil())

			Expect(writeBack(ctx, id, newDescriptor(id))).To(Succeed())

			data, err := vfs.ReadFile(fs, "/cache/eu.gcr.io-test-project-releases/github.com/test/component-1.0.0")
			Expect(err).ToNot(HaveOccurred())
			Expect(data).ToNot(BeEmpty())

			cd, _, err := lookup(ctx, id, repoCtx)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd.Name).To(Equal(id.Name))
			Expect(cd.Version).To(Equal(id.Version))
		})

		It("should not leave temp files behind", func() {
			lookup := cnudie.NewFilesystemLookup(fs, "/cache")

			_, writeBack, err := lookup(ctx, id, repoCtx)
			Expect(errors.Is(err, cnudie.ErrNotFound)).To(BeTrue())
			Expect(writeBack(ctx, id, newDescriptor(id))).To(Succeed())

			files, err := vfs.ReadDir(fs, "/cache/eu.gcr.io-test-project-releases/github.com/test")
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(HaveLen(1))
			Expect(files[0].Name()).To(Equal("component-1.0.0"))
		})
	})

	Context("CompositeLookup", func() {

		It("should reject a default repository combined with mappings", func() {
			source := &mapLookup{}
			_, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				DefaultRepository: repoCtx,
				Mappings: []cnudie.RepositoryMapping{
					{Repository: repoCtx},
				},
			}, source.lookup)
			Expect(err).To(HaveOccurred())
		})

		It("should populate earlier-missed cache layers on a hit", func() {
			memory, err := cnudie.NewInMemoryLookup(0)
			Expect(err).ToNot(HaveOccurred())
			source := &mapLookup{descriptors: map[string]*cdv2.ComponentDescriptor{
				id.String(): newDescriptor(id),
			}}

			composite, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				DefaultRepository: repoCtx,
			}, memory, source.lookup)
			Expect(err).ToNot(HaveOccurred())

			cd, _, err := composite(ctx, id, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd.Name).To(Equal(id.Name))
			Expect(source.calls).To(Equal(1))

			// second resolution must be served from the in-memory layer
			cd, _, err = composite(ctx, id, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd.Name).To(Equal(id.Name))
			Expect(source.calls).To(Equal(1))
		})

		It("should return nil on a total miss if absent is ok", func() {
			source := &mapLookup{}
			composite, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				DefaultRepository: repoCtx,
				AbsentOK:          true,
			}, source.lookup)
			Expect(err).ToNot(HaveOccurred())

			cd, _, err := composite(ctx, id, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd).To(BeNil())
		})

		It("should signal not-found on a total miss otherwise", func() {
			source := &mapLookup{}
			composite, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				DefaultRepository: repoCtx,
			}, source.lookup)
			Expect(err).ToNot(HaveOccurred())

			_, _, err = composite(ctx, id, nil)
			Expect(errors.Is(err, cnudie.ErrNotFound)).To(BeTrue())
		})

		It("should iterate mapped repositories in order and stop at the first hit", func() {
			var seen []string
			recording := func(_ context.Context, id cnudie.ComponentIdentity, repoCtx *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, cnudie.WriteBack, error) {
				seen = append(seen, repoCtx.BaseURL)
				if repoCtx.BaseURL == "registry.example/second" {
					return newDescriptor(id), nil, nil
				}
				return nil, nil, fmt.Errorf("%s: %w", id, cnudie.ErrNotFound)
			}

			composite, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				Mappings: []cnudie.RepositoryMapping{
					{Prefix: "github.com/test", Repository: newRepoCtx("registry.example/first")},
					{Prefix: "", Repository: newRepoCtx("registry.example/second")},
					{Prefix: "", Repository: newRepoCtx("registry.example/third")},
				},
			}, recording)
			Expect(err).ToNot(HaveOccurred())

			cd, _, err := composite(ctx, id, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(cd).ToNot(BeNil())
			Expect(seen).To(Equal([]string{"registry.example/first", "registry.example/second"}))
		})

		It("should abort on errors other than not-found", func() {
			failing := func(_ context.Context, _ cnudie.ComponentIdentity, _ *cdv2.OCIRegistryRepository) (*cdv2.ComponentDescriptor, cnudie.WriteBack, error) {
				return nil, nil, errors.New("connection refused")
			}
			source := &mapLookup{descriptors: map[string]*cdv2.ComponentDescriptor{
				id.String(): newDescriptor(id),
			}}

			composite, err := cnudie.NewCompositeLookup(logr.Discard(), cnudie.CompositeOptions{
				DefaultRepository: repoCtx,
			}, failing, source.lookup)
			Expect(err).ToNot(HaveOccurred())

			_, _, err = composite(ctx, id, nil)
			Expect(err).To(MatchError(ContainSubstring("connection refused")))
			Expect(source.calls).To(Equal(0))
		})
	})

})
