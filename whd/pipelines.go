// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/model"
)

// RepositoryPipelines replicates or validates the pipelines of a single
// repository in reaction to webhook events.
type RepositoryPipelines interface {
	// Replicate re-renders and deploys the repository's pipelines.
	Replicate(ctx context.Context, repo concourse.RepoReference, concourseCfgName string, jobMappingSet *model.JobMappingSet) error
	// Validate renders the pipelines of the given repository branch
	// without deploying them. A *concourse.PipelineValidationError is
	// returned for broken definitions.
	Validate(ctx context.Context, repo concourse.RepoReference, concourseCfgName string, jobMappingSet *model.JobMappingSet) error
}

// repositoryPipelines is the production RepositoryPipelines built on the
// replication chain.
type repositoryPipelines struct {
	log logr.Logger

	githubClients    concourse.GithubClientFactory
	concourseClients concourse.ClientFactory
	templates        *concourse.TemplateRetriever
	secretCfgName    string
}

// NewRepositoryPipelines wires a RepositoryPipelines.
func NewRepositoryPipelines(
	log logr.Logger,
	githubClients concourse.GithubClientFactory,
	concourseClients concourse.ClientFactory,
	templates *concourse.TemplateRetriever,
	secretCfgName string,
) RepositoryPipelines {
	return &repositoryPipelines{
		log:              log,
		githubClients:    githubClients,
		concourseClients: concourseClients,
		templates:        templates,
		secretCfgName:    secretCfgName,
	}
}

func (p *repositoryPipelines) Replicate(
	ctx context.Context,
	repo concourse.RepoReference,
	concourseCfgName string,
	jobMappingSet *model.JobMappingSet,
) error {
	enumerator, err := concourse.NewGithubRepositoryDefinitionEnumerator(
		p.log, p.githubClients, repo, jobMappingSet, concourseCfgName, p.secretCfgName,
	)
	if err != nil {
		return err
	}

	owner, name := repo.OwnerAndName()
	jobMapping, err := jobMappingSet.JobMappingFor(repo.Hostname, owner, name)
	if err != nil {
		return err
	}

	replicator := concourse.NewPipelineReplicator(
		p.log,
		[]concourse.DefinitionEnumerator{enumerator},
		&concourse.DefinitionDescriptorPreprocessor{},
		concourse.NewRenderer(p.log, p.templates, concourse.RenderOriginWebhookDispatcher),
		concourse.NewConcourseDeployer(
			p.log, p.concourseClients,
			jobMapping.UnpausePipelines,
			jobMapping.UnpauseNewPipelines,
			jobMapping.ExposePipelines,
		),
		// only a single repository is enumerated here; cleanup would
		// wrongly remove every other pipeline of the team
		concourse.NewReplicationResultProcessor(
			p.log, p.concourseClients, jobMapping, jobMapping.UnpauseNewPipelines,
			concourse.WithoutCleanup(),
			concourse.WithoutReordering(),
		),
	)
	_, err = replicator.Replicate(ctx)
	return err
}

func (p *repositoryPipelines) Validate(
	ctx context.Context,
	repo concourse.RepoReference,
	concourseCfgName string,
	jobMappingSet *model.JobMappingSet,
) error {
	enumerator, err := concourse.NewGithubRepositoryDefinitionEnumerator(
		p.log, p.githubClients, repo, jobMappingSet, concourseCfgName, p.secretCfgName,
	)
	if err != nil {
		return err
	}

	replicator := concourse.NewPipelineReplicator(
		p.log,
		[]concourse.DefinitionEnumerator{enumerator},
		&concourse.DefinitionDescriptorPreprocessor{},
		concourse.NewRenderer(p.log, p.templates, concourse.RenderOriginWebhookDispatcher),
		&concourse.NoOpDeployer{Log: p.log},
		concourse.ValidationResultProcessor{},
	)
	_, err = replicator.Replicate(ctx)
	return err
}
