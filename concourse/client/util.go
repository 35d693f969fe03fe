// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// DetermineJobsToBeTriggered returns the jobs of the given pipeline
// configuration that are triggered by at least one of the resources.
func DetermineJobsToBeTriggered(
	cfg *PipelineConfig,
	resources ...PipelineConfigResource,
) []PipelineConfigJob {
	jobs := make([]PipelineConfigJob, 0)
	for _, job := range cfg.Jobs {
		for _, resource := range resources {
			if job.Triggers(resource.Name) {
				jobs = append(jobs, job)
				break
			}
		}
	}
	return jobs
}

// ErrPinningUnnecessary signals that a build for the resource version was
// already queued, so no pin was required.
type ErrPinningUnnecessary struct {
	Resource string
}

func (e *ErrPinningUnnecessary) Error() string {
	return fmt.Sprintf("pinning of resource %q unnecessary", e.Resource)
}

// ErrPinningFailed signals that no build could be triggered for the
// resource version within the retry budget.
type ErrPinningFailed struct {
	Resource string
	Attempts int
}

func (e *ErrPinningFailed) Error() string {
	return fmt.Sprintf("unable to pin resource %q and trigger a build after %d attempts", e.Resource, e.Attempts)
}

// PinResourceAndTriggerBuild pins the given resource version, queues a
// build of the job and waits for the build to appear. The pin is removed
// again afterwards. If no build referencing the version appears, the
// trigger is retried up to retries times.
func PinResourceAndTriggerBuild(
	ctx context.Context,
	log logr.Logger,
	api Client,
	job PipelineConfigJob,
	resource PipelineConfigResource,
	version ResourceVersion,
	retries int,
) error {
	// a build may have been queued in the meantime
	queued, err := buildExistsForVersion(ctx, api, resource.PipelineName, job.Name, version)
	if err != nil {
		return err
	}
	if queued {
		return &ErrPinningUnnecessary{Resource: resource.Name}
	}

	if err := api.PinResourceVersion(ctx, resource.PipelineName, resource.Name, version.ID); err != nil {
		return fmt.Errorf("unable to pin resource %q: %w", resource.Name, err)
	}
	defer func() {
		if err := api.UnpinResource(ctx, resource.PipelineName, resource.Name); err != nil {
			log.Error(err, "unable to unpin resource", "resource", resource.Name)
		}
	}()

	attempts := 0
	for attempts <= retries {
		attempts++
		if err := api.TriggerJob(ctx, resource.PipelineName, job.Name); err != nil {
			return fmt.Errorf("unable to trigger job %q: %w", job.Name, err)
		}

		time.Sleep(time.Second)

		queued, err := buildExistsForVersion(ctx, api, resource.PipelineName, job.Name, version)
		if err != nil {
			return err
		}
		if queued {
			log.Info("triggered build for pinned resource version",
				"pipeline", resource.PipelineName, "job", job.Name, "resource", resource.Name)
			return nil
		}
	}
	return &ErrPinningFailed{Resource: resource.Name, Attempts: attempts}
}

// buildExistsForVersion reports whether a recent build of the job
// references the given resource version.
func buildExistsForVersion(
	ctx context.Context,
	api Client,
	pipelineName, jobName string,
	version ResourceVersion,
) (bool, error) {
	builds, err := api.JobBuilds(ctx, pipelineName, jobName)
	if err != nil {
		return false, err
	}

	ref := version.Version["ref"]
	if ref == "" {
		ref = version.Version["pr"]
	}
	if ref == "" {
		return false, nil
	}

	// only the most recent builds are of interest
	const buildsToConsider = 5
	if len(builds) > buildsToConsider {
		builds = builds[:buildsToConsider]
	}
	for _, build := range builds {
		plan, err := api.BuildPlan(ctx, build.ID)
		if err != nil {
			if IsNotFound(err) {
				// plan not yet available for a pending build
				continue
			}
			return false, err
		}
		if plan.ContainsVersionRef(ref) {
			return true, nil
		}
	}
	return false, nil
}

// LatestResourceVersionForPR returns the most recent version of a
// pull-request resource matching the given PR number.
func LatestResourceVersionForPR(
	ctx context.Context,
	api Client,
	resource PipelineConfigResource,
	prNumber int,
) (ResourceVersion, bool, error) {
	versions, err := api.ResourceVersions(ctx, resource.PipelineName, resource.Name)
	if err != nil {
		return ResourceVersion{}, false, err
	}
	want := strconv.Itoa(prNumber)
	for _, version := range versions {
		if version.Version["pr"] == want {
			return version, true, nil
		}
	}
	return ResourceVersion{}, false, nil
}
