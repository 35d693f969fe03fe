// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/github"
)

// brokenDefinitionLabel tags pull requests whose pipeline-definition
// changes failed validation.
const brokenDefinitionLabel = "ci/broken-pipeline-definition"

// acknowledgementLabels are set by review tooling in reaction to an
// approval; they stand in for the required trigger labels.
var acknowledgementLabels = sets.NewString("lgtm", "reviewed/lgtm")

// pullRequestProcessor handles pull-request webhook events.
type pullRequestProcessor struct {
	log logr.Logger
	d   *Dispatcher
}

func newPullRequestProcessor(log logr.Logger, d *Dispatcher) *pullRequestProcessor {
	return &pullRequestProcessor{log: log, d: d}
}

func (p *pullRequestProcessor) process(ctx context.Context, event *PullRequestEvent) {
	helper, err := p.repositoryHelperForEvent(ctx, event)
	if err != nil {
		p.log.Error(err, "unable to create github api for pull request",
			"pr", event.Number, "repository", event.Repository.FullName)
		return
	}

	if (event.Action == ActionOpened || event.Action == ActionSynchronize) &&
		p.modifiedPipelineDefinitions(ctx, event, helper) {
		p.log.Info("validating pipeline definitions", "pr", event.Number)
		if err := p.validatePipelineDefinitions(ctx, event, helper); err != nil {
			p.log.Error(err, "unable to validate pipeline definitions", "pr", event.Number)
		}
	}

	clients, err := p.d.concourseClientsForAllTeams()
	if err != nil {
		p.log.Error(err, "unable to resolve concourse clients")
		return
	}

	for _, api := range clients {
		resources, err := p.matchingResources(ctx, api, event)
		if err != nil {
			p.log.Error(err, "unable to determine matching resources", "team", api.Team())
			continue
		}
		if len(resources) == 0 {
			continue
		}

		requiredLabels := requiredLabelsOf(resources)

		if event.Action == ActionLabeled {
			if l := event.Label(); acknowledgementLabels.Has(l) {
				if requiredLabels.Has(l) {
					// the acknowledgement label itself is required; nothing to add
					continue
				}
				if !p.setPullRequestLabels(ctx, event, helper, resources) {
					p.log.Info("unable to set required labels; will not trigger resource check",
						"pr", event.Number, "repository", event.Repository.FullName)
				}
			} else if requiredLabels.Len() > 0 && !requiredLabels.Has(l) {
				// the label that was set does not trigger any pr job
				p.log.Info("label is not required for any job; will not trigger resource check",
					"label", l, "pr", event.Number)
				continue
			}
		}

		if (event.Action == ActionOpened || event.Action == ActionSynchronize) &&
			!p.setPullRequestLabels(ctx, event, helper, resources) {
			p.log.Info("unable to set required labels; will not trigger resource check",
				"pr", event.Number, "repository", event.Repository.FullName)
			continue
		}

		p.log.Info("triggering resource checks", "pr", event.Number, "team", api.Team())
		triggerResourceChecks(ctx, p.log, api, resources)
		p.ensureResourceUpdates(ctx, api, event, resources, 10, 3*time.Second)

		// give concourse a chance to react
		p.d.sleep(time.Duration(5+rand.Intn(6)) * time.Second)
		p.handleUntriggeredJobs(ctx, api, event)
	}
}

// repositoryHelperForEvent resolves a repository helper for the event's
// target repository.
func (p *pullRequestProcessor) repositoryHelperForEvent(
	ctx context.Context,
	event *PullRequestEvent,
) (*github.RepositoryHelper, error) {
	api, err := p.d.githubClients(event.Hostname())
	if err != nil {
		return nil, err
	}
	owner, name, found := cutRepositoryPath(event.Repository.FullName)
	if !found {
		return nil, fmt.Errorf("invalid repository path %q", event.Repository.FullName)
	}
	return github.NewRepositoryHelper(ctx, api, owner, name)
}

// modifiedPipelineDefinitions reports whether the pull request touches
// the pipeline definitions file.
func (p *pullRequestProcessor) modifiedPipelineDefinitions(
	ctx context.Context,
	event *PullRequestEvent,
	helper *github.RepositoryHelper,
) bool {
	files, err := helper.PullRequestFiles(ctx, event.Number)
	if err != nil {
		p.log.Error(err, "unable to list pull-request files", "pr", event.Number)
		return false
	}
	for _, file := range files {
		if file.Filename == concourse.PipelineDefinitionsPath {
			return true
		}
	}
	return false
}

// validatePipelineDefinitions renders the head repository's pipelines and
// maintains the broken-definition label and explanatory comments.
func (p *pullRequestProcessor) validatePipelineDefinitions(
	ctx context.Context,
	event *PullRequestEvent,
	helper *github.RepositoryHelper,
) error {
	owner, name, _ := cutRepositoryPath(event.Repository.FullName)
	concourseCfgName, jobMappingSet, _, err := p.d.jobMappingForRepository(event.Hostname(), owner, name)
	if err != nil {
		return err
	}

	headRepo := concourse.RepoReference{
		Hostname: event.Hostname(),
		Path:     event.HeadRepository().FullName,
		Branch:   event.HeadRef(),
	}

	err = p.d.pipelines.Validate(ctx, headRepo, concourseCfgName, jobMappingSet)

	var validationErr *concourse.PipelineValidationError
	if errors.As(err, &validationErr) {
		p.log.Info("pipeline definitions failed validation; commenting on pr",
			"pr", event.Number, "repository", event.Repository.FullName)
		comment := fmt.Sprintf(
			"This PR proposes changes that would break the pipeline definition:\n```\n%s\n```\n",
			validationErr.Error(),
		)
		if err := helper.AddCommentToPullRequest(ctx, event.Number, comment); err != nil {
			return err
		}
		if !event.HasLabel(brokenDefinitionLabel) {
			return helper.AddLabelsToPullRequest(ctx, event.Number, brokenDefinitionLabel)
		}
		return nil
	}
	if err != nil {
		return err
	}

	// validation succeeded; remove the label again if it is currently set
	if event.HasLabel(brokenDefinitionLabel) {
		p.log.Info("pipeline definitions passed validation again; commenting on pr",
			"pr", event.Number, "repository", event.Repository.FullName)
		if err := helper.RemoveLabelFromPullRequest(ctx, event.Number, brokenDefinitionLabel); err != nil {
			return err
		}
		return helper.AddCommentToPullRequest(ctx, event.Number,
			"The pipeline-definition has been fixed.")
	}
	return nil
}

// matchingResources returns the team's pull-request resources tracking
// the event's repository.
func (p *pullRequestProcessor) matchingResources(
	ctx context.Context,
	api client.Client,
	event *PullRequestEvent,
) ([]client.PipelineConfigResource, error) {
	pipelineNames, err := api.Pipelines(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := api.PipelineResources(ctx, pipelineNames, client.ResourceTypePullRequest)
	if err != nil {
		return nil, err
	}

	resources := make([]client.PipelineConfigResource, 0)
	for _, resource := range candidates {
		src := resource.GithubSource()
		if !src.MatchesRepository(event.Hostname(), event.Repository.FullName) {
			continue
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

// requiredLabelsOf collects the trigger labels the resources require.
func requiredLabelsOf(resources []client.PipelineConfigResource) sets.String {
	labels := sets.NewString()
	for i := range resources {
		if l := resources[i].RequiredLabel(); l != "" {
			labels.Insert(l)
		}
	}
	return labels
}

// shouldLabel decides whether the sender of a pull request is trusted to
// have the required labels set automatically.
func (p *pullRequestProcessor) shouldLabel(
	ctx context.Context,
	event *PullRequestEvent,
	helper *github.RepositoryHelper,
) bool {
	owner, name, _ := cutRepositoryPath(event.Repository.FullName)
	_, _, jobMapping, err := p.d.jobMappingForRepository(event.Hostname(), owner, name)
	if err != nil {
		p.log.Error(err, "no job mapping found", "repository", event.Repository.FullName)
		return false
	}

	sender := event.Sender.Login
	trustedTeams := jobMapping.TrustedTeamsFor(event.Hostname())
	if len(trustedTeams) > 0 {
		for _, team := range trustedTeams {
			isMember, err := helper.IsTeamMember(ctx, team.Org, team.Team, sender)
			if err != nil {
				p.log.Error(err, "unable to check team membership",
					"team", team.String(), "login", sender)
				continue
			}
			if isMember {
				return true
			}
		}
		return false
	}
	if jobMapping.EmptyTrustedTeamsDenies {
		return false
	}

	isMember, err := helper.IsOrgMember(ctx, owner, sender)
	if err != nil {
		p.log.Error(err, "unable to check org membership", "org", owner, "login", sender)
		return false
	}
	return isMember
}

// setPullRequestLabels sets the labels the matching resources require. It
// reports whether the labels are (now) in place.
func (p *pullRequestProcessor) setPullRequestLabels(
	ctx context.Context,
	event *PullRequestEvent,
	helper *github.RepositoryHelper,
	resources []client.PipelineConfigResource,
) bool {
	requiredLabels := requiredLabelsOf(resources)
	if requiredLabels.Len() == 0 {
		return true
	}

	sender := event.Sender.Login
	repositoryPath := event.Repository.FullName

	switch event.Action {
	case ActionOpened:
		if p.shouldLabel(ctx, event, helper) {
			p.log.Info("new pull request by trusted member; setting required labels",
				"pr", event.Number, "login", sender, "labels", requiredLabels.List())
			return p.addLabels(ctx, helper, event.Number, requiredLabels)
		}
		p.log.V(3).Info("pull-request creator is not trusted; will not set required labels",
			"pr", event.Number, "repository", repositoryPath, "login", sender)
		comment := fmt.Sprintf(
			"Thank you @%s for your contribution. Before I can start building your PR, "+
				"a member of the organization must set the required label(s) %v. Once started, "+
				"you can check the build status in the PR checks section below.",
			sender, requiredLabels.List(),
		)
		if err := helper.AddCommentToPullRequest(ctx, event.Number, comment); err != nil {
			p.log.Error(err, "unable to comment on pull request", "pr", event.Number)
		}
		return false

	case ActionSynchronize:
		if p.shouldLabel(ctx, event, helper) {
			p.log.Info("update to pull request by trusted member; setting required labels",
				"pr", event.Number, "login", sender, "labels", requiredLabels.List())
			return p.addLabels(ctx, helper, event.Number, requiredLabels)
		}
		p.log.V(3).Info("pull-request update by untrusted sender; ignoring",
			"pr", event.Number, "repository", repositoryPath, "login", sender)
		return false

	case ActionLabeled:
		if acknowledgementLabels.Has(event.Label()) {
			p.log.Info("acknowledgement label added; setting required labels",
				"pr", event.Number, "label", event.Label(), "labels", requiredLabels.List())
			return p.addLabels(ctx, helper, event.Number, requiredLabels)
		}
	}
	return false
}

func (p *pullRequestProcessor) addLabels(
	ctx context.Context,
	helper *github.RepositoryHelper,
	number int,
	labels sets.String,
) bool {
	if err := helper.AddLabelsToPullRequest(ctx, number, labels.List()...); err != nil {
		p.log.Error(err, "unable to add labels to pull request", "pr", number)
		return false
	}
	return true
}

// ensureResourceUpdates polls the pull-request resources until they have
// discovered the event's PR, re-triggering checks in between.
func (p *pullRequestProcessor) ensureResourceUpdates(
	ctx context.Context,
	api client.Client,
	event *PullRequestEvent,
	resources []client.PipelineConfigResource,
	retries int,
	sleep time.Duration,
) {
	// at most `retries` poll/re-trigger rounds; zero still means one check
	if retries < 1 {
		retries = 1
	}
	outdated := resources
	for ; retries > 0; retries-- {
		p.d.sleep(sleep)
		sleep = sleep * 6 / 5

		// keep resources that currently fail to check so those are retried
		next := make([]client.PipelineConfigResource, 0, len(outdated))
		for _, resource := range outdated {
			if resource.FailingToCheck {
				next = append(next, resource)
				continue
			}
			upToDate, err := p.resourceUpToDate(ctx, api, event, resource)
			if err != nil {
				p.log.Error(err, "unable to check resource versions", "resource", resource.Name)
				next = append(next, resource)
				continue
			}
			if !upToDate {
				next = append(next, resource)
			}
		}

		if len(next) == 0 {
			p.log.Info("no outdated pr resources found")
			return
		}
		outdated = next

		p.log.Info("re-triggering checks for outdated pr resources",
			"count", len(outdated), "remainingRetries", retries-1)
		triggerResourceChecks(ctx, p.log, api, outdated)
	}

	names := make([]string, 0, len(outdated))
	for _, resource := range outdated {
		names = append(names, resource.Name)
	}
	p.log.Info("could not update pr resources; giving up", "resources", names)
}

// resourceUpToDate reports whether the resource has already discovered
// the event's pull request.
func (p *pullRequestProcessor) resourceUpToDate(
	ctx context.Context,
	api client.Client,
	event *PullRequestEvent,
	resource client.PipelineConfigResource,
) (bool, error) {
	if l := resource.RequiredLabel(); l != "" && !event.HasLabel(l) {
		// the resource would not discover the PR anyway due to its label
		// policy
		p.log.Info("skipping pr resource update (required label not present)",
			"resource", resource.Name, "label", l)
		return true, nil
	}

	versions, err := api.ResourceVersions(ctx, resource.PipelineName, resource.Name)
	if err != nil {
		return false, err
	}
	want := strconv.Itoa(event.Number)
	for _, version := range versions {
		if version.Version["pr"] == want {
			return true, nil
		}
	}
	return false, nil
}

// handleUntriggeredJobs triggers builds for jobs whose pull-request
// resource discovered a new version without a build being queued.
func (p *pullRequestProcessor) handleUntriggeredJobs(
	ctx context.Context,
	api client.Client,
	event *PullRequestEvent,
) {
	resources, err := p.matchingResources(ctx, api, event)
	if err != nil {
		p.log.Error(err, "unable to determine matching resources")
		return
	}

	for _, resource := range resources {
		version, found, err := client.LatestResourceVersionForPR(ctx, api, resource, event.Number)
		if err != nil {
			p.log.Error(err, "unable to determine resource version",
				"resource", resource.Name, "pr", event.Number)
			continue
		}
		if !found {
			continue
		}

		cfg, err := api.PipelineConfig(ctx, resource.PipelineName)
		if err != nil {
			p.log.Error(err, "unable to read pipeline config", "pipeline", resource.PipelineName)
			continue
		}

		for _, job := range client.DetermineJobsToBeTriggered(cfg, resource) {
			p.log.Info("processing untriggered job",
				"job", job.Name, "pipeline", resource.PipelineName,
				"resource", resource.Name, "delivery", event.Delivery())
			err := client.PinResourceAndTriggerBuild(ctx, p.log, api, job, resource, version, 3)

			var unnecessary *client.ErrPinningUnnecessary
			var failed *client.ErrPinningFailed
			switch {
			case err == nil:
			case errors.As(err, &unnecessary):
				p.log.Info(unnecessary.Error())
			case errors.As(err, &failed):
				p.log.Info(failed.Error())
			default:
				p.log.Error(err, "unable to pin resource and trigger build",
					"job", job.Name, "resource", resource.Name)
			}
		}
	}
}

// cutRepositoryPath splits owner/name.
func cutRepositoryPath(path string) (owner, name string, found bool) {
	return strings.Cut(path, "/")
}
