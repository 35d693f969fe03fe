// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/model"
)

// defaultWorkers is the width of the replication pool.
const defaultWorkers = 16

// ResultProcessor aggregates the deploy results of one replication run.
type ResultProcessor interface {
	ProcessResults(ctx context.Context, results []DeployResult) (bool, error)
}

// PipelineReplicator runs the enumerate -> preprocess -> render -> deploy
// chain over a worker pool and hands the aggregated results to a result
// processor.
type PipelineReplicator struct {
	log logr.Logger

	enumerators     []DefinitionEnumerator
	preprocessor    *DefinitionDescriptorPreprocessor
	renderer        *Renderer
	deployer        DefinitionDeployer
	resultProcessor ResultProcessor

	// Workers is the pool width; defaults to 16.
	Workers int

	// accepted pipeline names; guarded by mu
	mu            sync.Mutex
	pipelineNames sets.String
}

// NewPipelineReplicator wires the replication chain. resultProcessor may
// be nil, in which case results are discarded after the run.
func NewPipelineReplicator(
	log logr.Logger,
	enumerators []DefinitionEnumerator,
	preprocessor *DefinitionDescriptorPreprocessor,
	renderer *Renderer,
	deployer DefinitionDeployer,
	resultProcessor ResultProcessor,
) *PipelineReplicator {
	return &PipelineReplicator{
		log:             log,
		enumerators:     enumerators,
		preprocessor:    preprocessor,
		renderer:        renderer,
		deployer:        deployer,
		resultProcessor: resultProcessor,
		Workers:         defaultWorkers,
		pipelineNames:   sets.NewString(),
	}
}

// pipelineNameConflict atomically records the name and reports whether it
// was already taken.
func (r *PipelineReplicator) pipelineNameConflict(pipelineName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipelineNames.Has(pipelineName) {
		return true
	}
	r.pipelineNames.Insert(pipelineName)
	return false
}

func (r *PipelineReplicator) processDefinitionDescriptor(
	ctx context.Context,
	descriptor *DefinitionDescriptor,
) DeployResult {
	if descriptor.EnumerationError != nil {
		return DeployResult{
			Descriptor:   descriptor,
			Status:       DeploySkipped,
			ErrorDetails: descriptor.EnumerationError.Error(),
			Err:          descriptor.EnumerationError,
			Class:        ClassifyError(descriptor.EnumerationError),
		}
	}

	descriptor = r.preprocessor.Process(descriptor)
	result := r.renderer.Render(descriptor)

	if r.pipelineNameConflict(result.Descriptor.PipelineName) {
		pipelineName := result.Descriptor.PipelineName
		r.log.Info("duplicate pipeline name", "pipeline", pipelineName)
		return DeployResult{
			Descriptor:   descriptor,
			Status:       DeploySkipped,
			ErrorDetails: fmt.Sprintf("duplicate pipeline name: %s", pipelineName),
		}
	}

	if result.Status != RenderSucceeded {
		return DeployResult{
			Descriptor:   descriptor,
			Status:       DeploySkipped,
			ErrorDetails: result.ErrorDetails,
			Err:          result.Err,
			Class:        result.Class,
		}
	}
	return r.deployer.Deploy(ctx, result.Descriptor)
}

// Replicate runs the full replication. It returns true iff every failed
// rendering was successfully notified (trivially true without failures).
func (r *PipelineReplicator) Replicate(ctx context.Context) (bool, error) {
	descriptors := make([]DefinitionDescriptor, 0)
	for _, enumerator := range r.enumerators {
		enumerated, err := enumerator.EnumerateDefinitionDescriptors(ctx)
		if err != nil {
			return false, fmt.Errorf("unable to enumerate definitions: %w", err)
		}
		descriptors = append(descriptors, enumerated...)
	}

	workers := r.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	work := make(chan *DefinitionDescriptor)
	results := make([]DeployResult, len(descriptors))
	resultIdx := 0
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for descriptor := range work {
				result := r.processDefinitionDescriptor(ctx, descriptor)
				resultMu.Lock()
				results[resultIdx] = result
				resultIdx++
				resultMu.Unlock()
			}
		}()
	}
	for i := range descriptors {
		work <- &descriptors[i]
	}
	close(work)
	// cleanup must observe the completed set of deploys
	wg.Wait()

	if r.resultProcessor == nil {
		for _, result := range results {
			if !result.Status.OK() {
				return false, nil
			}
		}
		return true, nil
	}
	return r.resultProcessor.ProcessResults(ctx, results)
}

// Notifier informs pipeline owners about broken definitions.
type Notifier interface {
	NotifyBrokenDefinitionOwners(ctx context.Context, result DeployResult) error
}

// ReplicationResultProcessor aggregates deploy results: cleanup of
// orphaned pipelines, bootstrap of new ones, alphabetical reordering and
// owner notification on failures.
type ReplicationResultProcessor struct {
	log     logr.Logger
	clients ClientFactory

	unpauseNewPipelines   bool
	removePipelines       bool
	removePipelinesFilter func(string) bool
	reorderPipelines      bool

	notifier Notifier
}

// ResultProcessorOption mutates a ReplicationResultProcessor.
type ResultProcessorOption func(*ReplicationResultProcessor)

// WithRemovePipelinesFilter protects pipeline names the filter matches
// from cleanup.
func WithRemovePipelinesFilter(filter func(string) bool) ResultProcessorOption {
	return func(p *ReplicationResultProcessor) {
		p.removePipelinesFilter = filter
	}
}

// WithNotifier sets the owner notifier used on failures.
func WithNotifier(notifier Notifier) ResultProcessorOption {
	return func(p *ReplicationResultProcessor) {
		p.notifier = notifier
	}
}

// WithoutCleanup disables removal of extra pipelines regardless of the
// job mapping's cleanup policy; used when only a subset of a team's
// pipelines is replicated.
func WithoutCleanup() ResultProcessorOption {
	return func(p *ReplicationResultProcessor) {
		p.removePipelines = false
	}
}

// WithoutReordering disables alphabetical pipeline reordering.
func WithoutReordering() ResultProcessorOption {
	return func(p *ReplicationResultProcessor) {
		p.reorderPipelines = false
	}
}

// NewReplicationResultProcessor returns a result processor honouring the
// job mapping's cleanup policy.
func NewReplicationResultProcessor(
	log logr.Logger,
	clients ClientFactory,
	jobMapping *model.JobMapping,
	unpauseNewPipelines bool,
	opts ...ResultProcessorOption,
) *ReplicationResultProcessor {
	processor := &ReplicationResultProcessor{
		log:                 log,
		clients:             clients,
		unpauseNewPipelines: unpauseNewPipelines,
		removePipelines:     true,
		reorderPipelines:    true,
	}
	if jobMapping != nil && jobMapping.EffectiveCleanupPolicy() == model.NoCleanup {
		log.Info("will not cleanup extra pipelines due to policy", "jobMapping", jobMapping.Name)
		processor.removePipelines = false
	}
	for _, opt := range opts {
		opt(processor)
	}
	return processor
}

// ProcessResults implements ResultProcessor. The returned bool is true
// iff every failure was successfully notified.
func (p *ReplicationResultProcessor) ProcessResults(
	ctx context.Context,
	results []DeployResult,
) (bool, error) {
	byTarget := map[string][]DeployResult{}
	for _, result := range results {
		key := result.Descriptor.ConcourseTargetKey()
		byTarget[key] = append(byTarget[key], result)
	}

	failed := make([]DeployResult, 0)
	for _, result := range results {
		if result.Status&DeploySucceeded != 0 {
			continue
		}
		// duplicate-name skips carry no error; they neither block cleanup
		// nor warrant a notification
		if result.Status&DeploySkipped != 0 && result.Err == nil {
			continue
		}
		failed = append(failed, result)
	}

	removePipelines := p.removePipelines
	if len(failed) > 0 {
		p.log.Info("failures occurred during pipeline-replication; will not cleanup pipelines")
		removePipelines = false
	}

	for _, targetResults := range byTarget {
		descriptor := targetResults[0].Descriptor
		api, err := p.clients(descriptor.ConcourseTargetCfgName, descriptor.ConcourseTargetTeam)
		if err != nil {
			return false, err
		}

		if removePipelines {
			if err := p.cleanupPipelines(ctx, api, targetResults); err != nil {
				return false, err
			}
		}

		if err := p.initialiseNewPipelineResources(ctx, api, targetResults); err != nil {
			p.log.Error(err, "unable to initialise new pipeline resources")
		}

		if p.reorderPipelines {
			pipelineNames, err := api.Pipelines(ctx)
			if err != nil {
				return false, err
			}
			sort.Strings(pipelineNames)
			if err := api.OrderPipelines(ctx, pipelineNames); err != nil {
				return false, err
			}
		}
	}

	p.log.Info("replicated pipelines", "count", len(results)-len(failed))
	if len(failed) == 0 {
		return true, nil
	}
	p.log.Info("errors occurred whilst replicating pipelines", "failed", len(failed))

	allNotificationsSucceeded := true
	for _, result := range failed {
		if result.Status&DeploySucceeded != 0 {
			continue
		}
		if result.Class != ErrorClassUser {
			p.log.Info("will not notify (likely the error is not on user-side)",
				"pipeline", result.Descriptor.PipelineName,
				"error", result.ErrorDetails,
			)
			continue
		}
		if p.notifier == nil {
			continue
		}
		if err := p.notifier.NotifyBrokenDefinitionOwners(ctx, result); err != nil {
			p.log.Error(err, "an error occurred whilst trying to send error notifications",
				"pipeline", result.Descriptor.PipelineName)
			allNotificationsSucceeded = false
		}
	}
	// signal an error only if error notifications failed
	return allNotificationsSucceeded, nil
}

func (p *ReplicationResultProcessor) cleanupPipelines(
	ctx context.Context,
	api client.Client,
	results []DeployResult,
) error {
	deployed := sets.NewString()
	for _, result := range results {
		deployed.Insert(result.Descriptor.PipelineName)
	}

	existing, err := api.Pipelines(ctx)
	if err != nil {
		return err
	}

	for _, pipelineName := range existing {
		if deployed.Has(pipelineName) {
			continue
		}
		if p.removePipelinesFilter != nil && p.removePipelinesFilter(pipelineName) {
			continue
		}
		p.log.Info("removing pipeline", "pipeline", pipelineName)
		if err := api.DeletePipeline(ctx, pipelineName); err != nil {
			return err
		}
	}
	return nil
}

func (p *ReplicationResultProcessor) initialiseNewPipelineResources(
	ctx context.Context,
	api client.Client,
	results []DeployResult,
) error {
	for _, result := range results {
		if result.Status&DeployCreated == 0 {
			continue
		}
		pipelineName := result.Descriptor.PipelineName

		if p.unpauseNewPipelines {
			p.log.Info("unpausing new pipeline", "pipeline", pipelineName)
			if err := api.UnpausePipeline(ctx, pipelineName); err != nil {
				return err
			}
		}

		p.log.Info("triggering initial resource checks", "pipeline", pipelineName)
		resources, err := api.PipelineResources(ctx, []string{pipelineName}, "")
		if err != nil {
			return err
		}
		for _, resource := range resources {
			if err := api.TriggerResourceCheck(ctx, pipelineName, resource.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// PipelineValidationError aggregates the failures of a validation run.
type PipelineValidationError struct {
	Failures []string
}

func (e *PipelineValidationError) Error() string {
	return strings.Join(e.Failures, "\n")
}

// ValidationResultProcessor fails the run on any non-succeeded result;
// used to validate pipeline definitions without deploying them.
type ValidationResultProcessor struct{}

func (ValidationResultProcessor) ProcessResults(
	_ context.Context,
	results []DeployResult,
) (bool, error) {
	failures := make([]string, 0)
	for _, result := range results {
		if result.Status == DeploySucceeded {
			continue
		}
		failures = append(failures, fmt.Sprintf(
			"%s: %s", result.Descriptor.PipelineName, result.ErrorDetails,
		))
	}
	if len(failures) > 0 {
		return false, &PipelineValidationError{Failures: failures}
	}
	return true, nil
}
