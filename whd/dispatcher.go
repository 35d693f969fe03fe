// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/github"
	"github.com/ccwienk-org/cc-utils/model"
)

// buildsToConsider bounds how many recent builds are inspected when
// aborting obsolete jobs.
const buildsToConsider = 5

// ConfigReloadFunc fetches a fresh configuration document; used to
// recover from stale job mappings after a config rollout.
type ConfigReloadFunc func(ctx context.Context) (*model.ConfigFactory, error)

// Dispatcher processes parsed webhook events. Event processing happens on
// background goroutines; Wait blocks until all in-flight events are done.
type Dispatcher struct {
	log logr.Logger
	cfg *model.WebhookDispatcherConfig

	mu         sync.Mutex
	cfgFactory *model.ConfigFactory

	reloadConfig     ConfigReloadFunc
	concourseClients concourse.ClientFactory
	githubClients    concourse.GithubClientFactory
	pipelines        RepositoryPipelines
	pullRequests     *pullRequestProcessor

	// sleep is replaceable for tests.
	sleep func(time.Duration)

	wg sync.WaitGroup
}

// NewDispatcher wires a webhook event dispatcher.
func NewDispatcher(
	log logr.Logger,
	cfgFactory *model.ConfigFactory,
	cfg *model.WebhookDispatcherConfig,
	concourseClients concourse.ClientFactory,
	githubClients concourse.GithubClientFactory,
	pipelines RepositoryPipelines,
	reloadConfig ConfigReloadFunc,
) *Dispatcher {
	d := &Dispatcher{
		log:              log,
		cfg:              cfg,
		cfgFactory:       cfgFactory,
		reloadConfig:     reloadConfig,
		concourseClients: concourseClients,
		githubClients:    githubClients,
		pipelines:        pipelines,
		sleep:            time.Sleep,
	}
	d.pullRequests = newPullRequestProcessor(log, d)
	log.Info("github webhook dispatcher initialised", "whdCfg", cfg.Name)
	return d
}

// configFactory returns the current configuration.
func (d *Dispatcher) configFactory() *model.ConfigFactory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgFactory
}

func (d *Dispatcher) replaceConfigFactory(factory *model.ConfigFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfgFactory = factory
}

// Wait blocks until every dispatched event has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// background runs fn on a goroutine, recovering panics so a broken event
// cannot take down the dispatcher.
func (d *Dispatcher) background(name string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error(fmt.Errorf("panic: %v", r), "event processing panicked", "handler", name)
			}
		}()
		fn()
	}()
}

// concourseClientsForAllTeams resolves one client per job-mapping team of
// every configured concourse instance.
func (d *Dispatcher) concourseClientsForAllTeams() ([]client.Client, error) {
	factory := d.configFactory()

	clients := make([]client.Client, 0)
	for _, concourseCfgName := range d.cfg.ConcourseConfigNames {
		concourseCfg, err := factory.ConcourseConfig(concourseCfgName)
		if err != nil {
			return nil, err
		}
		jobMappingSet, err := factory.JobMappingSet(concourseCfg.JobMappingSetName)
		if err != nil {
			return nil, err
		}
		for _, jobMapping := range jobMappingSet.Mappings {
			api, err := d.concourseClients(concourseCfgName, jobMapping.TeamName)
			if err != nil {
				return nil, err
			}
			clients = append(clients, api)
		}
	}
	return clients, nil
}

// matchingClient returns the client scoped to the given team, if any.
func (d *Dispatcher) matchingClient(team string) (client.Client, error) {
	clients, err := d.concourseClientsForAllTeams()
	if err != nil {
		return nil, err
	}
	for _, api := range clients {
		if api.Team() == team {
			return api, nil
		}
	}
	return nil, nil
}

// jobMappingForRepository resolves the job mapping covering the given
// repository, along with its concourse config and mapping set.
func (d *Dispatcher) jobMappingForRepository(
	hostname, org, repository string,
) (string, *model.JobMappingSet, *model.JobMapping, error) {
	factory := d.configFactory()

	for _, concourseCfgName := range d.cfg.ConcourseConfigNames {
		concourseCfg, err := factory.ConcourseConfig(concourseCfgName)
		if err != nil {
			return "", nil, nil, err
		}
		jobMappingSet, err := factory.JobMappingSet(concourseCfg.JobMappingSetName)
		if err != nil {
			return "", nil, nil, err
		}
		jobMapping, err := jobMappingSet.JobMappingFor(hostname, org, repository)
		if err != nil {
			continue
		}
		return concourseCfgName, jobMappingSet, jobMapping, nil
	}
	return "", nil, nil, fmt.Errorf(
		"%s/%s/%s: %w", hostname, org, repository, concourse.ErrJobMappingNotFound,
	)
}

// DispatchCreateEvent reacts to newly created branches by replicating the
// repository's pipelines.
func (d *Dispatcher) DispatchCreateEvent(ctx context.Context, event *CreateEvent) {
	if event.RefType != RefTypeBranch {
		d.log.Info("ignored create event", "refType", event.RefType)
		return
	}

	d.background("create", func() {
		repo := concourse.RepoReference{
			Hostname: event.Hostname(),
			Path:     event.Repository.FullName,
			Branch:   event.Ref,
		}
		if err := d.updatePipelineDefinitions(ctx, repo); err != nil {
			d.log.Error(err, "unable to update pipeline definitions",
				"repository", repo.URL(), "delivery", event.Delivery())
		}
	})
}

// DispatchPushEvent reacts to pushed commits: re-replicates changed
// pipeline definitions, aborts obsolete builds and triggers resource
// checks.
func (d *Dispatcher) DispatchPushEvent(ctx context.Context, event *PushEvent) {
	d.background("push", func() {
		d.processPushEvent(ctx, event)
	})
}

func (d *Dispatcher) processPushEvent(ctx context.Context, event *PushEvent) {
	repo := concourse.RepoReference{
		Hostname: event.Hostname(),
		Path:     event.Repository.FullName,
		Branch:   strings.TrimPrefix(event.Ref, "refs/heads/"),
	}

	if d.pipelineDefinitionChanged(event) {
		if err := d.updatePipelineDefinitions(ctx, repo); err != nil {
			d.log.Error(err, "unable to update pipeline definitions; "+
				"will still abort running jobs (if configured) and trigger resource checks",
				"repository", repo.URL(), "delivery", event.Delivery())
		}
	}

	if err := d.abortRunningJobsIfConfigured(ctx, event, repo); err != nil {
		d.log.Error(err, "unable to abort obsolete jobs", "repository", repo.URL())
	}

	clients, err := d.concourseClientsForAllTeams()
	if err != nil {
		d.log.Error(err, "unable to resolve concourse clients")
		return
	}
	for _, api := range clients {
		resources, err := d.matchingGitResources(ctx, api, event)
		if err != nil {
			d.log.Error(err, "unable to determine matching resources", "team", api.Team())
			continue
		}
		triggerResourceChecks(ctx, d.log, api, resources)
	}
}

// DispatchPullRequestEvent reacts to pull-request events. It reports
// whether the event will be processed.
func (d *Dispatcher) DispatchPullRequestEvent(ctx context.Context, event *PullRequestEvent) bool {
	switch event.Action {
	case ActionOpened, ActionReopened, ActionLabeled, ActionSynchronize:
	default:
		d.log.Info("ignoring pull-request action", "action", event.Action)
		return false
	}

	d.background("pull_request", func() {
		d.pullRequests.process(ctx, event)
	})
	return true
}

func (d *Dispatcher) pipelineDefinitionChanged(event *PushEvent) bool {
	for _, path := range event.ModifiedPaths() {
		if path == concourse.PipelineDefinitionsPath {
			return true
		}
	}
	return false
}

// updatePipelineDefinitions re-replicates the repository's pipelines. A
// stale job mapping triggers one config reload and retry.
func (d *Dispatcher) updatePipelineDefinitions(ctx context.Context, repo concourse.RepoReference) error {
	update := func() error {
		owner, name := repo.OwnerAndName()
		concourseCfgName, jobMappingSet, _, err := d.jobMappingForRepository(repo.Hostname, owner, name)
		if err != nil {
			return err
		}
		return d.pipelines.Replicate(ctx, repo, concourseCfgName, jobMappingSet)
	}

	err := update()
	if err == nil {
		return nil
	}
	if !errors.Is(err, concourse.ErrJobMappingNotFound) &&
		!errors.Is(err, model.ErrConfigElementNotFound) {
		return err
	}
	if d.reloadConfig == nil {
		return err
	}

	// the config may have been rolled out after this process started;
	// reload and try again
	d.log.Info("failed to update pipeline definitions; will reload config and try again",
		"repository", repo.URL(), "error", err.Error())
	factory, reloadErr := d.reloadConfig(ctx)
	if reloadErr != nil {
		return fmt.Errorf("unable to reload config: %w", reloadErr)
	}
	d.replaceConfigFactory(factory)
	return update()
}

// determineAffectedPipelines returns the pipelines that may be affected
// by the given push event.
func (d *Dispatcher) determineAffectedPipelines(
	ctx context.Context,
	repo concourse.RepoReference,
) ([]Pipeline, error) {
	owner, name := repo.OwnerAndName()
	concourseCfgName, jobMappingSet, _, err := d.jobMappingForRepository(repo.Hostname, owner, name)
	if err != nil {
		if errors.Is(err, concourse.ErrJobMappingNotFound) {
			d.log.Info("no job mapping found; will not interact with pipelines",
				"repository", repo.URL())
			return nil, nil
		}
		return nil, err
	}

	enumerator, err := concourse.NewGithubRepositoryDefinitionEnumerator(
		d.log, d.githubClients, repo, jobMappingSet, concourseCfgName, "",
	)
	if err != nil {
		return nil, nil
	}
	descriptors, err := enumerator.EnumerateDefinitionDescriptors(ctx)
	if err != nil {
		if github.IsNotFound(err) {
			d.log.Info("unable to access repository; please make sure it exists and "+
				"the technical user has the necessary permissions",
				"repository", repo.URL())
			return nil, nil
		}
		return nil, err
	}

	pipelines := make([]Pipeline, 0, len(descriptors))
	for i := range descriptors {
		descriptor := &descriptors[i]
		if descriptor.EnumerationError != nil {
			continue
		}
		pipelines = append(pipelines, Pipeline{
			PipelineName:        descriptor.EffectivePipelineName(),
			TargetTeam:          descriptor.ConcourseTargetTeam,
			EffectiveDefinition: descriptor.EffectiveDefinition(),
		})
	}
	return pipelines, nil
}

// abortRunningJobsIfConfigured aborts builds made obsolete by the push,
// as far as the affected jobs opted in.
func (d *Dispatcher) abortRunningJobsIfConfigured(
	ctx context.Context,
	event *PushEvent,
	repo concourse.RepoReference,
) error {
	pipelines, err := d.determineAffectedPipelines(ctx, repo)
	if err != nil {
		return err
	}

	for _, pipeline := range pipelines {
		api, err := d.matchingClient(pipeline.TargetTeam)
		if err != nil {
			return err
		}
		if api == nil {
			d.log.Info("no concourse client for team; skipping abortion",
				"pipeline", pipeline.PipelineName, "team", pipeline.TargetTeam)
			continue
		}

		cfg, err := api.PipelineConfig(ctx, pipeline.PipelineName)
		if err != nil {
			// might not exist yet if the pipeline was just rendered
			if client.IsNotFound(err) {
				d.log.Info("could not retrieve pipeline config", "pipeline", pipeline.PipelineName)
				continue
			}
			return err
		}

		resources := make([]client.PipelineConfigResource, 0, len(cfg.Resources))
		for _, resource := range cfg.Resources {
			if resource.Type == client.ResourceTypeGit || resource.Type == client.ResourceTypePullRequest {
				resources = append(resources, resource)
			}
		}

		for _, job := range client.DetermineJobsToBeTriggered(cfg, resources...) {
			if err := d.abortObsoleteBuilds(ctx, api, event, pipeline, job); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) abortObsoleteBuilds(
	ctx context.Context,
	api client.Client,
	event *PushEvent,
	pipeline Pipeline,
	job client.PipelineConfigJob,
) error {
	jobs, _ := pipeline.EffectiveDefinition["jobs"].(map[string]interface{})
	jobDefinition, _ := jobs[job.Name].(map[string]interface{})
	if jobDefinition == nil {
		return nil
	}
	abortCfg, ok, err := AbortConfigFromJobDefinition(jobDefinition)
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}
	if !ok {
		return nil
	}

	switch abortCfg {
	case AbortNever:
		return nil
	case AbortOnForcePushOnly:
		if !event.IsForcedPush() {
			return nil
		}
	case AbortAlways:
	}

	builds, err := api.JobBuilds(ctx, pipeline.PipelineName, job.Name)
	if err != nil {
		return err
	}

	running := make([]client.Build, 0)
	for _, build := range builds {
		if build.Status.IsRunning() {
			running = append(running, build)
		}
	}
	if len(running) > buildsToConsider {
		running = running[:buildsToConsider]
	}

	for _, build := range running {
		plan, err := api.BuildPlan(ctx, build.ID)
		if err != nil {
			if client.IsNotFound(err) {
				continue
			}
			return err
		}
		if !plan.ContainsVersionRef(event.PreviousRef()) {
			continue
		}
		d.log.Info("aborting obsolete build",
			"build", build.Name, "job", job.Name, "pipeline", pipeline.PipelineName)
		if err := api.AbortBuild(ctx, build.ID); err != nil {
			return err
		}
	}
	return nil
}

// matchingGitResources returns the git resources of the team's pipelines
// tracking the pushed branch.
func (d *Dispatcher) matchingGitResources(
	ctx context.Context,
	api client.Client,
	event *PushEvent,
) ([]client.PipelineConfigResource, error) {
	pipelineNames, err := api.Pipelines(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := api.PipelineResources(ctx, pipelineNames, client.ResourceTypeGit)
	if err != nil {
		return nil, err
	}

	resources := make([]client.PipelineConfigResource, 0)
	for _, resource := range candidates {
		src := resource.GithubSource()
		if !src.MatchesRepository(event.Hostname(), event.Repository.FullName) {
			continue
		}
		if !strings.HasSuffix(event.Ref, src.Branch) {
			continue
		}
		if msg := event.CommitMessage(); msg != "" && !src.DisableCISkip {
			if strings.Contains(msg, "[skip ci]") || strings.Contains(msg, "[ci skip]") {
				d.log.Info("will not trigger resource: found [skip ci] or [ci skip]",
					"resource", resource.Name)
				continue
			}
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

// triggerResourceChecks triggers a check for each resource; failures are
// logged, not propagated.
func triggerResourceChecks(
	ctx context.Context,
	log logr.Logger,
	api client.Client,
	resources []client.PipelineConfigResource,
) {
	for _, resource := range resources {
		log.V(3).Info("triggering resource check",
			"pipeline", resource.PipelineName, "resource", resource.Name)
		if err := api.TriggerResourceCheck(ctx, resource.PipelineName, resource.Name); err != nil {
			log.Error(err, "unable to trigger resource check",
				"pipeline", resource.PipelineName, "resource", resource.Name)
		}
	}
}
