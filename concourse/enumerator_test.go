// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/github"
	"github.com/ccwienk-org/cc-utils/model"
)

// fakeGithubClient serves repository metadata and file contents from
// in-memory maps.
type fakeGithubClient struct {
	repositories map[string]*github.Repository
	// files is keyed owner/name:path@ref
	files map[string][]byte
	heads map[string]string
}

func newFakeGithubClient() *fakeGithubClient {
	return &fakeGithubClient{
		repositories: map[string]*github.Repository{},
		files:        map[string][]byte{},
		heads:        map[string]string{},
	}
}

func (c *fakeGithubClient) addRepository(owner, name, defaultBranch string, archived bool) {
	c.repositories[owner+"/"+name] = &github.Repository{
		Owner: owner, Name: name, DefaultBranch: defaultBranch, Archived: archived,
	}
}

func (c *fakeGithubClient) addFile(owner, name, path, ref string, contents []byte) {
	c.files[fmt.Sprintf("%s/%s:%s@%s", owner, name, path, ref)] = contents
}

func (c *fakeGithubClient) Repository(_ context.Context, owner, name string) (*github.Repository, error) {
	repo, ok := c.repositories[owner+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", owner, name, github.ErrNotFound)
	}
	return repo, nil
}

func (c *fakeGithubClient) Repositories(_ context.Context, org string) ([]github.Repository, error) {
	repos := []github.Repository{}
	for _, repo := range c.repositories {
		if repo.Owner == org {
			repos = append(repos, *repo)
		}
	}
	return repos, nil
}

func (c *fakeGithubClient) Branches(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (c *fakeGithubClient) FileContents(_ context.Context, owner, name, path, ref string) ([]byte, error) {
	contents, ok := c.files[fmt.Sprintf("%s/%s:%s@%s", owner, name, path, ref)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, github.ErrNotFound)
	}
	return contents, nil
}

func (c *fakeGithubClient) BranchHeadCommit(_ context.Context, owner, name, branch string) (*github.Commit, error) {
	sha, ok := c.heads[fmt.Sprintf("%s/%s@%s", owner, name, branch)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", branch, github.ErrNotFound)
	}
	return &github.Commit{SHA: sha}, nil
}

func (c *fakeGithubClient) User(_ context.Context, login string) (*github.User, error) {
	return &github.User{Login: login}, nil
}

func (c *fakeGithubClient) IsOrgMember(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (c *fakeGithubClient) IsTeamMember(_ context.Context, _, _, _ string) (bool, error) {
	return false, nil
}

func (c *fakeGithubClient) TeamMembers(_ context.Context, _, _ string) ([]github.User, error) {
	return nil, nil
}

func (c *fakeGithubClient) OrgMembers(_ context.Context, _ string) ([]github.User, error) {
	return nil, nil
}

func (c *fakeGithubClient) PullRequestFiles(_ context.Context, _, _ string, _ int) ([]github.PullRequestFile, error) {
	return nil, nil
}

func (c *fakeGithubClient) PullRequestLabels(_ context.Context, _, _ string, _ int) ([]string, error) {
	return nil, nil
}

func (c *fakeGithubClient) AddLabelsToPullRequest(_ context.Context, _, _ string, _ int, _ ...string) error {
	return nil
}

func (c *fakeGithubClient) RemoveLabelFromPullRequest(_ context.Context, _, _ string, _ int, _ string) error {
	return nil
}

func (c *fakeGithubClient) CreateComment(_ context.Context, _, _ string, _ int, _ string) error {
	return nil
}

const pipelineDefinitions = `test-pipeline:
  template: default
  base_definition:
    repo:
      trigger: true
  jobs:
    build: {}
    release:
      repo:
        trigger: false
`

var _ = Describe("enumerator", func() {

	var (
		ctx        context.Context
		gh         *fakeGithubClient
		mappingSet *model.JobMappingSet
	)

	clients := func(_ string) (github.Client, error) {
		return gh, nil
	}

	BeforeEach(func() {
		ctx = context.Background()
		gh = newFakeGithubClient()
		mappingSet = &model.JobMappingSet{
			Name: "test-mappings",
			Mappings: map[string]*model.JobMapping{
				"test": {
					Name:     "test",
					TeamName: "main",
					GithubOrganisations: []model.GithubOrganisation{
						{OrgName: "test", GithubCfgName: "github_test"},
					},
				},
			},
		}
	})

	Describe("GithubRepositoryDefinitionEnumerator", func() {

		newEnumerator := func(repo concourse.RepoReference) *concourse.GithubRepositoryDefinitionEnumerator {
			enumerator, err := concourse.NewGithubRepositoryDefinitionEnumerator(
				logr.Discard(), clients, repo, mappingSet, "concourse-test", "secret-cfg",
			)
			Expect(err).ToNot(HaveOccurred())
			return enumerator
		}

		It("should enumerate the definitions of a repository branch", func() {
			gh.addRepository("test", "repo", "master", false)
			gh.addFile("test", "repo", concourse.PipelineDefinitionsPath, "master", []byte(pipelineDefinitions))
			gh.heads["test/repo@master"] = "0123abc"

			descriptors, err := newEnumerator(concourse.RepoReference{
				Hostname: "github.com", Path: "test/repo", Branch: "master",
			}).EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(HaveLen(1))

			descriptor := descriptors[0]
			Expect(descriptor.PipelineName).To(Equal("test-pipeline"))
			Expect(descriptor.MainRepo.Branch).To(Equal("master"))
			Expect(descriptor.ConcourseTargetTeam).To(Equal("main"))
			Expect(descriptor.JobMappingName).To(Equal("test"))
			Expect(descriptor.Committish).To(Equal("0123abc"))
			Expect(descriptor.TemplateName).To(Equal("default"))
			Expect(descriptor.EnumerationError).ToNot(HaveOccurred())

			jobs := descriptor.EffectiveDefinition()["jobs"].(map[string]interface{})
			Expect(jobs).To(HaveKey("build"))
			Expect(jobs).To(HaveKey("release"))
		})

		It("should fall back to the default branch", func() {
			gh.addRepository("test", "repo", "main", false)
			gh.addFile("test", "repo", concourse.PipelineDefinitionsPath, "main", []byte(pipelineDefinitions))

			descriptors, err := newEnumerator(concourse.RepoReference{
				Hostname: "github.com", Path: "test/repo",
			}).EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(HaveLen(1))
			Expect(descriptors[0].MainRepo.Branch).To(Equal("main"))
		})

		It("should skip branches without a definitions file", func() {
			gh.addRepository("test", "repo", "master", false)

			descriptors, err := newEnumerator(concourse.RepoReference{
				Hostname: "github.com", Path: "test/repo", Branch: "master",
			}).EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(BeEmpty())
		})

		It("should yield an error descriptor for unparseable definitions", func() {
			gh.addRepository("test", "repo", "master", false)
			gh.addFile("test", "repo", concourse.PipelineDefinitionsPath, "master",
				[]byte("\t not: yaml: at: all"))

			descriptors, err := newEnumerator(concourse.RepoReference{
				Hostname: "github.com", Path: "test/repo", Branch: "master",
			}).EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(HaveLen(1))
			Expect(descriptors[0].EnumerationError).To(HaveOccurred())
		})

		It("should reject repositories not covered by any job mapping", func() {
			_, err := concourse.NewGithubRepositoryDefinitionEnumerator(
				logr.Discard(), clients,
				concourse.RepoReference{Hostname: "github.com", Path: "other-org/repo", Branch: "master"},
				mappingSet, "concourse-test", "secret-cfg",
			)
			Expect(errors.Is(err, concourse.ErrJobMappingNotFound)).To(BeTrue())
		})
	})

	Describe("GithubOrganisationDefinitionEnumerator", func() {

		It("should enumerate organisation repositories, skipping archived ones", func() {
			gh.addRepository("test", "repo", "master", false)
			gh.addRepository("test", "attic", "master", true)
			gh.addFile("test", "repo", concourse.PipelineDefinitionsPath, "master", []byte(pipelineDefinitions))
			gh.addFile("test", "attic", concourse.PipelineDefinitionsPath, "master", []byte(pipelineDefinitions))

			enumerator := concourse.NewGithubOrganisationDefinitionEnumerator(
				logr.Discard(), clients, mappingSet.Mappings["test"],
				map[string]string{"github_test": "github.com"},
				"concourse-test", "secret-cfg",
			)
			descriptors, err := enumerator.EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(HaveLen(1))
			Expect(descriptors[0].MainRepo.Path).To(Equal("test/repo"))
		})

		It("should apply the repository filter", func() {
			gh.addRepository("test", "repo", "master", false)
			gh.addFile("test", "repo", concourse.PipelineDefinitionsPath, "master", []byte(pipelineDefinitions))

			enumerator := concourse.NewGithubOrganisationDefinitionEnumerator(
				logr.Discard(), clients, mappingSet.Mappings["test"],
				map[string]string{"github_test": "github.com"},
				"concourse-test", "secret-cfg",
			)
			enumerator.RepositoryFilter = func(github.Repository) bool { return false }

			descriptors, err := enumerator.EnumerateDefinitionDescriptors(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(descriptors).To(BeEmpty())
		})
	})
})
