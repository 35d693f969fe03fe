// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/ccwienk-org/cc-utils/github"
	"github.com/ccwienk-org/cc-utils/model"
)

// PipelineDefinitionsPath is the canonical location of pipeline
// definitions within a source repository.
const PipelineDefinitionsPath = ".ci/pipeline_definitions"

// ErrJobMappingNotFound is returned when no job mapping covers a
// repository.
var ErrJobMappingNotFound = errors.New("job mapping not found")

// RepoReference locates a branch of a github repository.
type RepoReference struct {
	Hostname string
	// Path is owner/name.
	Path   string
	Branch string
}

// OwnerAndName splits Path.
func (r RepoReference) OwnerAndName() (string, string) {
	parts := strings.SplitN(r.Path, "/", 2)
	if len(parts) != 2 {
		return r.Path, ""
	}
	return parts[0], parts[1]
}

// URL returns hostname/owner/name.
func (r RepoReference) URL() string {
	return r.Hostname + "/" + r.Path
}

// DefinitionDescriptor is one pipeline-to-be, as discovered by an
// enumerator. Descriptors carrying an EnumerationError are passed through
// the replication pipeline unrendered and reported as skipped.
type DefinitionDescriptor struct {
	PipelineName string
	MainRepo     RepoReference

	// PipelineDefinition is the descriptor's base definition;
	// OverrideDefinitions are deep-merged over it in order.
	PipelineDefinition  map[string]interface{}
	OverrideDefinitions []map[string]interface{}

	TemplateName string

	ConcourseTargetCfgName string
	ConcourseTargetTeam    string
	SecretCfgName          string
	JobMappingName         string

	// Committish is the revision the definition was read at.
	Committish string

	// RenderedPipeline is populated by the renderer.
	RenderedPipeline []byte

	EnumerationError error
}

// ConcourseTargetKey groups descriptors by deploy target.
func (d *DefinitionDescriptor) ConcourseTargetKey() string {
	return d.ConcourseTargetCfgName + ":" + d.ConcourseTargetTeam
}

// EffectivePipelineName is the deployed pipeline name: the declared name
// suffixed with the main repository's branch, with path separators
// flattened.
func (d *DefinitionDescriptor) EffectivePipelineName() string {
	name := d.PipelineName
	if d.MainRepo.Branch != "" && !strings.HasSuffix(name, "-"+d.MainRepo.Branch) {
		name = name + "-" + d.MainRepo.Branch
	}
	return strings.ReplaceAll(name, "/", "-")
}

// EffectiveDefinition merges the override definitions over the base
// definition, later overrides winning.
func (d *DefinitionDescriptor) EffectiveDefinition() map[string]interface{} {
	effective := d.PipelineDefinition
	for _, override := range d.OverrideDefinitions {
		effective = MergeMaps(effective, override)
	}
	return effective
}

// DefinitionDescriptorPreprocessor normalises descriptors before
// rendering.
type DefinitionDescriptorPreprocessor struct{}

// Process rewrites the descriptor's pipeline name to its effective form.
// Idempotent.
func (p *DefinitionDescriptorPreprocessor) Process(descriptor *DefinitionDescriptor) *DefinitionDescriptor {
	descriptor.PipelineName = descriptor.EffectivePipelineName()
	return descriptor
}

// DefinitionEnumerator yields the definition descriptors of one source.
type DefinitionEnumerator interface {
	EnumerateDefinitionDescriptors(ctx context.Context) ([]DefinitionDescriptor, error)
}

// rawPipelineDefinitions is the wire shape of a pipeline_definitions
// file: pipeline name to definition document.
type rawPipelineDefinition struct {
	Template       string                   `json:"template"`
	BaseDefinition map[string]interface{}   `json:"base_definition"`
	Jobs           map[string]interface{}   `json:"jobs"`
	Inherit        []map[string]interface{} `json:"inherit"`
}

// parseDefinitions parses a pipeline_definitions document into
// descriptors for the given repository.
func parseDefinitions(
	data []byte,
	repo RepoReference,
	committish string,
	targetCfgName, targetTeam, secretCfgName, jobMappingName string,
) ([]DefinitionDescriptor, error) {
	raw := map[string]rawPipelineDefinition{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unable to parse pipeline definitions of %s: %w", repo.URL(), err)
	}

	descriptors := make([]DefinitionDescriptor, 0, len(raw))
	for name, definition := range raw {
		template := definition.Template
		if template == "" {
			template = "default"
		}
		base := map[string]interface{}{
			"base_definition": definition.BaseDefinition,
			"jobs":            definition.Jobs,
		}
		descriptors = append(descriptors, DefinitionDescriptor{
			PipelineName:           name,
			MainRepo:               repo,
			PipelineDefinition:     base,
			OverrideDefinitions:    definition.Inherit,
			TemplateName:           template,
			ConcourseTargetCfgName: targetCfgName,
			ConcourseTargetTeam:    targetTeam,
			SecretCfgName:          secretCfgName,
			JobMappingName:         jobMappingName,
			Committish:             committish,
		})
	}
	return descriptors, nil
}

// GithubClientFactory resolves a host-scoped github client for a
// hostname.
type GithubClientFactory func(hostname string) (github.Client, error)

// GithubRepositoryDefinitionEnumerator enumerates the definitions of a
// single repository branch-by-branch.
type GithubRepositoryDefinitionEnumerator struct {
	log        logr.Logger
	clients    GithubClientFactory
	repo       RepoReference
	jobMapping *model.JobMapping

	concourseCfgName string
	secretCfgName    string
}

// NewGithubRepositoryDefinitionEnumerator returns an enumerator for one
// repository. ErrJobMappingNotFound is returned when the mapping does not
// cover the repository.
func NewGithubRepositoryDefinitionEnumerator(
	log logr.Logger,
	clients GithubClientFactory,
	repo RepoReference,
	jobMappingSet *model.JobMappingSet,
	concourseCfgName string,
	secretCfgName string,
) (*GithubRepositoryDefinitionEnumerator, error) {
	owner, name := repo.OwnerAndName()
	jobMapping, err := jobMappingSet.JobMappingFor(repo.Hostname, owner, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", repo.URL(), ErrJobMappingNotFound)
	}
	return &GithubRepositoryDefinitionEnumerator{
		log:              log,
		clients:          clients,
		repo:             repo,
		jobMapping:       jobMapping,
		concourseCfgName: concourseCfgName,
		secretCfgName:    secretCfgName,
	}, nil
}

func (e *GithubRepositoryDefinitionEnumerator) EnumerateDefinitionDescriptors(
	ctx context.Context,
) ([]DefinitionDescriptor, error) {
	client, err := e.clients(e.repo.Hostname)
	if err != nil {
		return nil, err
	}
	owner, name := e.repo.OwnerAndName()
	return enumerateRepositoryDefinitions(
		ctx, e.log, client, owner, name, e.repo.Hostname, e.repo.Branch,
		e.concourseCfgName, e.jobMapping, e.secretCfgName,
	)
}

// enumerateRepositoryDefinitions reads the definitions of one repository.
// Branches without a definitions file yield no descriptors; read or parse
// failures yield one descriptor carrying the error.
func enumerateRepositoryDefinitions(
	ctx context.Context,
	log logr.Logger,
	client github.Client,
	owner, name, hostname, branch string,
	concourseCfgName string,
	jobMapping *model.JobMapping,
	secretCfgName string,
) ([]DefinitionDescriptor, error) {
	branches := []string{branch}
	if branch == "" {
		repo, err := client.Repository(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		branches = []string{repo.DefaultBranch}
	}

	descriptors := make([]DefinitionDescriptor, 0)
	for _, branch := range branches {
		repoRef := RepoReference{Hostname: hostname, Path: owner + "/" + name, Branch: branch}

		data, err := client.FileContents(ctx, owner, name, PipelineDefinitionsPath, branch)
		if err != nil {
			if github.IsNotFound(err) {
				continue
			}
			descriptors = append(descriptors, DefinitionDescriptor{
				PipelineName:           name,
				MainRepo:               repoRef,
				ConcourseTargetCfgName: concourseCfgName,
				ConcourseTargetTeam:    jobMapping.TeamName,
				JobMappingName:         jobMapping.Name,
				EnumerationError:       err,
			})
			continue
		}

		committish := ""
		if head, err := client.BranchHeadCommit(ctx, owner, name, branch); err == nil {
			committish = head.SHA
		} else {
			log.V(3).Info("unable to resolve head commit",
				"repository", repoRef.URL(), "branch", branch)
		}

		parsed, err := parseDefinitions(
			data, repoRef, committish,
			concourseCfgName, jobMapping.TeamName, secretCfgName, jobMapping.Name,
		)
		if err != nil {
			descriptors = append(descriptors, DefinitionDescriptor{
				PipelineName:           name,
				MainRepo:               repoRef,
				ConcourseTargetCfgName: concourseCfgName,
				ConcourseTargetTeam:    jobMapping.TeamName,
				JobMappingName:         jobMapping.Name,
				EnumerationError:       err,
			})
			continue
		}
		descriptors = append(descriptors, parsed...)
	}
	return descriptors, nil
}

// GithubOrganisationDefinitionEnumerator enumerates the definitions of
// every repository covered by a job mapping.
type GithubOrganisationDefinitionEnumerator struct {
	log        logr.Logger
	clients    GithubClientFactory
	jobMapping *model.JobMapping
	// hostnames maps github-cfg names to hostnames.
	hostnames map[string]string

	concourseCfgName string
	secretCfgName    string

	// RepositoryFilter may exclude repositories; archived repositories
	// are always excluded.
	RepositoryFilter func(github.Repository) bool
}

// NewGithubOrganisationDefinitionEnumerator returns an enumerator over
// all organisations of the given job mapping.
func NewGithubOrganisationDefinitionEnumerator(
	log logr.Logger,
	clients GithubClientFactory,
	jobMapping *model.JobMapping,
	hostnames map[string]string,
	concourseCfgName string,
	secretCfgName string,
) *GithubOrganisationDefinitionEnumerator {
	return &GithubOrganisationDefinitionEnumerator{
		log:              log,
		clients:          clients,
		jobMapping:       jobMapping,
		hostnames:        hostnames,
		concourseCfgName: concourseCfgName,
		secretCfgName:    secretCfgName,
	}
}

func (e *GithubOrganisationDefinitionEnumerator) EnumerateDefinitionDescriptors(
	ctx context.Context,
) ([]DefinitionDescriptor, error) {
	descriptors := make([]DefinitionDescriptor, 0)

	for i := range e.jobMapping.GithubOrganisations {
		org := &e.jobMapping.GithubOrganisations[i]
		hostname := e.hostnames[org.GithubCfgName]
		if hostname == "" {
			return nil, fmt.Errorf("no hostname known for github cfg %q", org.GithubCfgName)
		}

		client, err := e.clients(hostname)
		if err != nil {
			return nil, err
		}
		repos, err := client.Repositories(ctx, org.OrgName)
		if err != nil {
			return nil, fmt.Errorf("unable to list repositories of %s: %w", org.OrgName, err)
		}

		for _, repo := range repos {
			if repo.Archived {
				continue
			}
			if !org.MatchesRepository(repo.Name) {
				continue
			}
			if e.RepositoryFilter != nil && !e.RepositoryFilter(repo) {
				continue
			}

			repoDescriptors, err := enumerateRepositoryDefinitions(
				ctx, e.log, client, repo.Owner, repo.Name, hostname, repo.DefaultBranch,
				e.concourseCfgName, e.jobMapping, e.secretCfgName,
			)
			if err != nil {
				e.log.Error(err, "unable to enumerate repository",
					"repository", repo.Path())
				continue
			}
			descriptors = append(descriptors, repoDescriptors...)
		}
	}
	return descriptors, nil
}

// TemplateRetriever loads pipeline templates from a directory.
type TemplateRetriever struct {
	fs  vfs.FileSystem
	dir string
}

// NewTemplateRetriever returns a retriever rooted at dir.
func NewTemplateRetriever(fs vfs.FileSystem, dir string) *TemplateRetriever {
	return &TemplateRetriever{fs: fs, dir: dir}
}

// TemplateContents returns the contents of the named template.
func (t *TemplateRetriever) TemplateContents(name string) ([]byte, error) {
	path := filepath.Join(t.dir, name+".yaml")
	data, err := vfs.ReadFile(t.fs, path)
	if err != nil {
		return nil, fmt.Errorf("unable to read template %q: %w", name, err)
	}
	return data, nil
}
