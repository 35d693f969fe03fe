// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/ccwienk-org/cc-utils/concourse/client"
)

// DeployStatus is a bitfield describing the outcome of a deploy.
type DeployStatus int

const (
	DeploySucceeded DeployStatus = 1 << iota
	DeployFailed
	DeploySkipped
	DeployCreated
)

// OK reports whether the deploy requires no attention: succeeded (possibly
// with the created bit) or deliberately skipped.
func (s DeployStatus) OK() bool {
	return s&DeploySucceeded != 0 || s&DeploySkipped != 0
}

// DeployResult is the outcome of deploying one descriptor.
type DeployResult struct {
	Descriptor   *DefinitionDescriptor
	Status       DeployStatus
	ErrorDetails string
	Err          error
	Class        ErrorClass
}

// DefinitionDeployer pushes rendered pipelines to their target.
type DefinitionDeployer interface {
	Deploy(ctx context.Context, descriptor *DefinitionDescriptor) DeployResult
}

// NoOpDeployer reports success without side effects.
type NoOpDeployer struct {
	Log logr.Logger
}

func (d *NoOpDeployer) Deploy(_ context.Context, descriptor *DefinitionDescriptor) DeployResult {
	d.Log.Info("skipped deployment of pipeline (noop)", "pipeline", descriptor.PipelineName)
	return DeployResult{Descriptor: descriptor, Status: DeploySucceeded}
}

// FilesystemDeployer writes rendered pipelines to a directory.
type FilesystemDeployer struct {
	Log     logr.Logger
	FS      vfs.FileSystem
	BaseDir string
}

func (d *FilesystemDeployer) Deploy(_ context.Context, descriptor *DefinitionDescriptor) DeployResult {
	path := vfs.Join(d.FS, d.BaseDir, descriptor.PipelineName)
	if err := vfs.WriteFile(d.FS, path, descriptor.RenderedPipeline, 0644); err != nil {
		d.Log.Error(err, "unable to write pipeline", "pipeline", descriptor.PipelineName)
		return DeployResult{
			Descriptor:   descriptor,
			Status:       DeployFailed,
			ErrorDetails: err.Error(),
			Err:          err,
			Class:        ErrorClassInfrastructure,
		}
	}
	return DeployResult{Descriptor: descriptor, Status: DeploySucceeded}
}

// saveRaceBody is the exact error body concourse produces when concurrent
// saves of the same pipeline race each other. Brittle, but it is the only
// way to identify this known upstream quirk.
const saveRaceBody = "failed to save config: comparison with existing config failed during save"

// isSaveRace reports whether the error is the known concurrent-save 500.
func isSaveRace(err error) bool {
	httpErr, ok := err.(*client.HTTPError)
	return ok &&
		httpErr.StatusCode == http.StatusInternalServerError &&
		bytes.Equal(httpErr.Body, []byte(saveRaceBody))
}

// ClientFactory resolves a team-scoped concourse client.
type ClientFactory func(concourseCfgName, teamName string) (client.Client, error)

// ConcourseDeployer deploys rendered pipelines to concourse.
type ConcourseDeployer struct {
	log     logr.Logger
	clients ClientFactory

	unpausePipelines    bool
	unpauseNewPipelines bool
	exposePipelines     bool

	// sleep is replaceable for tests.
	sleep func(time.Duration)
}

// NewConcourseDeployer returns a deployer resolving clients through the
// given factory.
func NewConcourseDeployer(
	log logr.Logger,
	clients ClientFactory,
	unpausePipelines, unpauseNewPipelines, exposePipelines bool,
) *ConcourseDeployer {
	return &ConcourseDeployer{
		log:                 log,
		clients:             clients,
		unpausePipelines:    unpausePipelines,
		unpauseNewPipelines: unpauseNewPipelines,
		exposePipelines:     exposePipelines,
		sleep:               time.Sleep,
	}
}

func (d *ConcourseDeployer) Deploy(ctx context.Context, descriptor *DefinitionDescriptor) DeployResult {
	result, err := d.deploy(ctx, descriptor)
	if err != nil {
		d.log.Error(err, "unable to deploy pipeline", "pipeline", descriptor.PipelineName)
		return DeployResult{
			Descriptor:   descriptor,
			Status:       DeployFailed,
			ErrorDetails: err.Error(),
			Err:          err,
			Class:        ClassifyError(err),
		}
	}

	status := DeploySucceeded
	if result == client.PipelineCreated {
		status |= DeployCreated
	}
	return DeployResult{Descriptor: descriptor, Status: status}
}

func (d *ConcourseDeployer) deploy(
	ctx context.Context,
	descriptor *DefinitionDescriptor,
) (client.SetPipelineResult, error) {
	api, err := d.clients(descriptor.ConcourseTargetCfgName, descriptor.ConcourseTargetTeam)
	if err != nil {
		return "", err
	}

	pipelineName := descriptor.PipelineName
	result, err := api.SetPipeline(ctx, pipelineName, descriptor.RenderedPipeline)
	if err != nil {
		if !isSaveRace(err) {
			return "", err
		}
		// a concurrent save raced us; wait a random time and retry once
		d.sleep(time.Duration(5+rand.Intn(26)) * time.Second)
		result, err = api.SetPipeline(ctx, pipelineName, descriptor.RenderedPipeline)
		if err != nil {
			return "", err
		}
	}
	d.log.Info("deployed pipeline",
		"pipeline", pipelineName, "team", descriptor.ConcourseTargetTeam)

	if d.unpausePipelines {
		d.log.V(3).Info("unpausing pipeline", "pipeline", pipelineName)
		if err := api.UnpausePipeline(ctx, pipelineName); err != nil {
			return "", err
		}
	} else if d.unpauseNewPipelines && result == client.PipelineCreated {
		d.log.V(3).Info("unpausing new pipeline", "pipeline", pipelineName)
		if err := api.UnpausePipeline(ctx, pipelineName); err != nil {
			return "", err
		}
	}

	if d.exposePipelines {
		if err := api.ExposePipeline(ctx, pipelineName); err != nil {
			return "", err
		}
	}

	switch result {
	case client.PipelineCreated, client.PipelineUpdated:
		return result, nil
	default:
		return "", fmt.Errorf("unknown set-pipeline result %q", result)
	}
}
