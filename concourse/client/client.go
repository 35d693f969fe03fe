// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a pipeline, resource or build does not
// exist on the backend.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err signals a missing backend entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HTTPError carries the status code and body of a failed backend request
// so callers can match on known upstream quirks.
type HTTPError struct {
	StatusCode int
	Body       []byte
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, string(e.Body))
}

// Client is a team-scoped concourse API client.
type Client interface {
	// Team returns the concourse team the client is scoped to.
	Team() string

	// SetPipeline uploads a pipeline configuration and reports whether the
	// pipeline was newly created or updated in place.
	SetPipeline(ctx context.Context, pipelineName string, pipelineDefinition []byte) (SetPipelineResult, error)
	// UnpausePipeline unpauses a pipeline.
	UnpausePipeline(ctx context.Context, pipelineName string) error
	// ExposePipeline makes a pipeline publicly visible.
	ExposePipeline(ctx context.Context, pipelineName string) error
	// Pipelines lists the names of the team's pipelines.
	Pipelines(ctx context.Context) ([]string, error)
	// DeletePipeline removes a pipeline.
	DeletePipeline(ctx context.Context, pipelineName string) error
	// OrderPipelines sets the display order of the team's pipelines.
	OrderPipelines(ctx context.Context, pipelineNames []string) error

	// PipelineConfig fetches and parses a pipeline's configuration.
	PipelineConfig(ctx context.Context, pipelineName string) (*PipelineConfig, error)
	// PipelineResources yields the resources of the given pipelines,
	// optionally filtered by resource type (empty matches every type).
	PipelineResources(ctx context.Context, pipelineNames []string, resourceType ResourceType) ([]PipelineConfigResource, error)
	// TriggerResourceCheck requests a check of one resource.
	TriggerResourceCheck(ctx context.Context, pipelineName, resourceName string) error
	// ResourceVersions lists the detected versions of a resource.
	ResourceVersions(ctx context.Context, pipelineName, resourceName string) ([]ResourceVersion, error)
	// PinResourceVersion pins a resource to one of its versions.
	PinResourceVersion(ctx context.Context, pipelineName, resourceName string, versionID int) error
	// UnpinResource removes a resource pin.
	UnpinResource(ctx context.Context, pipelineName, resourceName string) error

	// JobBuilds lists the recent builds of a job, most recent first.
	JobBuilds(ctx context.Context, pipelineName, jobName string) ([]Build, error)
	// TriggerJob queues a new build of a job.
	TriggerJob(ctx context.Context, pipelineName, jobName string) error
	// BuildPlan fetches the raw plan of a build.
	BuildPlan(ctx context.Context, buildID int) (BuildPlan, error)
	// AbortBuild aborts a running build.
	AbortBuild(ctx context.Context, buildID int) error
}
