// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse_test

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/model"
)

// listEnumerator yields a fixed descriptor list.
type listEnumerator struct {
	descriptors []concourse.DefinitionDescriptor
}

func (e *listEnumerator) EnumerateDefinitionDescriptors(
	_ context.Context,
) ([]concourse.DefinitionDescriptor, error) {
	return e.descriptors, nil
}

// recordingNotifier records notified pipelines.
type recordingNotifier struct {
	notified []string
	fail     bool
}

func (n *recordingNotifier) NotifyBrokenDefinitionOwners(
	_ context.Context, result concourse.DeployResult,
) error {
	n.notified = append(n.notified, result.Descriptor.PipelineName)
	if n.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

func clientFactory(api client.Client) concourse.ClientFactory {
	return func(_, _ string) (client.Client, error) {
		return api, nil
	}
}

var _ = Describe("replicator", func() {

	var (
		ctx context.Context
		api *fakeConcourseClient
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = newFakeConcourseClient("main")
	})

	newDeployer := func() *concourse.ConcourseDeployer {
		return concourse.NewConcourseDeployer(logr.Discard(), clientFactory(api), false, true, true)
	}

	newReplicator := func(
		descriptors []concourse.DefinitionDescriptor,
		processor concourse.ResultProcessor,
	) *concourse.PipelineReplicator {
		return concourse.NewPipelineReplicator(
			logr.Discard(),
			[]concourse.DefinitionEnumerator{&listEnumerator{descriptors: descriptors}},
			&concourse.DefinitionDescriptorPreprocessor{},
			newRenderer(map[string]string{"default": "name: ${PIPELINE_NAME}"}),
			newDeployer(),
			processor,
		)
	}

	Context("ConcourseDeployer", func() {

		It("should deploy and expose pipelines and unpause new ones", func() {
			deployer := newDeployer()
			descriptor := newDescriptor("test-pipeline")
			descriptor.RenderedPipeline = []byte("name: test")

			result := deployer.Deploy(ctx, descriptor)
			Expect(result.Status.OK()).To(BeTrue())
			Expect(result.Status & concourse.DeployCreated).ToNot(BeZero())
			Expect(api.unpaused).To(ConsistOf("test-pipeline"))
			Expect(api.exposed).To(ConsistOf("test-pipeline"))

			// deploying again updates in place; no further unpause
			result = deployer.Deploy(ctx, descriptor)
			Expect(result.Status).To(Equal(concourse.DeploySucceeded))
			Expect(api.unpaused).To(HaveLen(1))
		})

		It("should retry once on the known save race", func() {
			api.saveRacesRemaining = 1
			deployer := concourse.NewConcourseDeployer(
				logr.Discard(), clientFactory(api), false, false, false,
			)
			var slept []time.Duration
			concourse.SetDeployerSleepForTesting(deployer, func(d time.Duration) {
				slept = append(slept, d)
			})

			descriptor := newDescriptor("racy-pipeline")
			descriptor.RenderedPipeline = []byte("name: racy")

			result := deployer.Deploy(ctx, descriptor)
			Expect(result.Status.OK()).To(BeTrue())
			Expect(api.pipelines).To(HaveKey("racy-pipeline"))

			Expect(slept).To(HaveLen(1))
			Expect(slept[0]).To(BeNumerically(">=", 5*time.Second))
			Expect(slept[0]).To(BeNumerically("<=", 30*time.Second))
		})

		It("should fail when the race persists", func() {
			api.saveRacesRemaining = 2
			deployer := concourse.NewConcourseDeployer(
				logr.Discard(), clientFactory(api), false, false, false,
			)
			setDeployerSleep(deployer)

			descriptor := newDescriptor("racy-pipeline")
			descriptor.RenderedPipeline = []byte("name: racy")

			result := deployer.Deploy(ctx, descriptor)
			Expect(result.Status).To(Equal(concourse.DeployFailed))
			Expect(result.Status.OK()).To(BeFalse())
		})
	})

	Context("PipelineReplicator", func() {

		It("should skip duplicate pipeline names", func() {
			descriptors := []concourse.DefinitionDescriptor{
				*newDescriptor("test-pipeline"),
				*newDescriptor("test-pipeline"),
			}

			var results []concourse.DeployResult
			capture := resultCaptor{results: &results}
			ok, err := newReplicator(descriptors, capture).Replicate(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			skipped := 0
			for _, result := range results {
				if result.Status == concourse.DeploySkipped {
					skipped++
					Expect(result.ErrorDetails).To(Equal("duplicate pipeline name: test-pipeline-master"))
				}
			}
			Expect(skipped).To(Equal(1))
			Expect(api.pipelines).To(HaveLen(1))
		})

		It("should short-circuit descriptors carrying enumeration errors", func() {
			broken := *newDescriptor("broken-pipeline")
			broken.EnumerationError = errors.New("repository not accessible")

			var results []concourse.DeployResult
			ok, err := newReplicator(
				[]concourse.DefinitionDescriptor{broken},
				resultCaptor{results: &results},
			).Replicate(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Status).To(Equal(concourse.DeploySkipped))
			Expect(results[0].ErrorDetails).To(ContainSubstring("repository not accessible"))
			Expect(api.pipelines).To(BeEmpty())
		})
	})

	Context("ReplicationResultProcessor", func() {

		jobMapping := &model.JobMapping{Name: "test-mapping"}

		newProcessor := func(opts ...concourse.ResultProcessorOption) *concourse.ReplicationResultProcessor {
			return concourse.NewReplicationResultProcessor(
				logr.Discard(), clientFactory(api), jobMapping, true, opts...,
			)
		}

		succeeded := func(name string) concourse.DeployResult {
			descriptor := newDescriptor(name)
			descriptor.PipelineName = name
			return concourse.DeployResult{Descriptor: descriptor, Status: concourse.DeploySucceeded}
		}

		It("should remove orphaned pipelines", func() {
			api.pipelines["orphaned"] = []byte("{}")
			api.pipelines["deployed"] = []byte("{}")

			ok, err := newProcessor().ProcessResults(ctx, []concourse.DeployResult{succeeded("deployed")})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(api.deleted).To(ConsistOf("orphaned"))
		})

		It("should suppress cleanup when any deploy failed", func() {
			api.pipelines["orphaned"] = []byte("{}")

			failed := succeeded("failed-pipeline")
			failed.Status = concourse.DeployFailed
			failed.Class = concourse.ErrorClassInternal

			ok, err := newProcessor().ProcessResults(ctx, []concourse.DeployResult{failed})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue()) // internal errors are not notified
			Expect(api.deleted).To(BeEmpty())
		})

		It("should not suppress cleanup for duplicate-name skips", func() {
			api.pipelines["orphaned"] = []byte("{}")
			api.pipelines["deployed"] = []byte("{}")

			skipped := succeeded("deployed")
			skipped.Status = concourse.DeploySkipped
			skipped.ErrorDetails = "duplicate pipeline name: deployed"

			ok, err := newProcessor().ProcessResults(
				ctx, []concourse.DeployResult{succeeded("deployed"), skipped},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(api.deleted).To(ConsistOf("orphaned"))
		})

		It("should suppress cleanup for skips carrying errors", func() {
			api.pipelines["orphaned"] = []byte("{}")

			skipped := succeeded("skipped-pipeline")
			skipped.Status = concourse.DeploySkipped
			skipped.ErrorDetails = "rendering failed"
			skipped.Err = errors.New("rendering failed")
			skipped.Class = concourse.ErrorClassInternal

			ok, err := newProcessor().ProcessResults(
				ctx, []concourse.DeployResult{succeeded("deployed"), skipped},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(api.deleted).To(BeEmpty())
		})

		It("should protect pipelines matched by the removal filter", func() {
			api.pipelines["protected-suffix"] = []byte("{}")
			api.pipelines["orphaned"] = []byte("{}")

			processor := newProcessor(concourse.WithRemovePipelinesFilter(func(name string) bool {
				return name == "protected-suffix"
			}))
			_, err := processor.ProcessResults(ctx, []concourse.DeployResult{succeeded("deployed")})
			Expect(err).ToNot(HaveOccurred())
			Expect(api.deleted).To(ConsistOf("orphaned"))
		})

		It("should honour the no-cleanup policy", func() {
			api.pipelines["orphaned"] = []byte("{}")

			processor := concourse.NewReplicationResultProcessor(
				logr.Discard(), clientFactory(api),
				&model.JobMapping{Name: "test-mapping", CleanupPolicy: model.NoCleanup},
				true,
			)
			_, err := processor.ProcessResults(ctx, []concourse.DeployResult{succeeded("deployed")})
			Expect(err).ToNot(HaveOccurred())
			Expect(api.deleted).To(BeEmpty())
		})

		It("should bootstrap newly created pipelines", func() {
			api.pipelines["new-pipeline"] = []byte("{}")
			api.resources["new-pipeline"] = []client.PipelineConfigResource{
				{Name: "repo-main", Type: client.ResourceTypeGit, PipelineName: "new-pipeline"},
			}

			created := succeeded("new-pipeline")
			created.Status = concourse.DeploySucceeded | concourse.DeployCreated

			ok, err := newProcessor().ProcessResults(ctx, []concourse.DeployResult{created})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(api.unpaused).To(ConsistOf("new-pipeline"))
			Expect(api.checks).To(ConsistOf("new-pipeline/repo-main"))
		})

		It("should reorder pipelines alphabetically", func() {
			api.pipelines["b-pipeline"] = []byte("{}")
			api.pipelines["a-pipeline"] = []byte("{}")

			_, err := newProcessor().ProcessResults(
				ctx, []concourse.DeployResult{succeeded("a-pipeline"), succeeded("b-pipeline")},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(api.ordered).To(HaveLen(1))
			Expect(api.ordered[0]).To(Equal([]string{"a-pipeline", "b-pipeline"}))
		})

		It("should notify owners only for user-class failures", func() {
			notifier := &recordingNotifier{}

			userFailure := succeeded("user-error")
			userFailure.Status = concourse.DeployFailed
			userFailure.Class = concourse.ErrorClassUser

			internalFailure := succeeded("template-error")
			internalFailure.Status = concourse.DeployFailed
			internalFailure.Class = concourse.ErrorClassInternal

			ok, err := newProcessor(concourse.WithNotifier(notifier)).ProcessResults(
				ctx, []concourse.DeployResult{userFailure, internalFailure},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(notifier.notified).To(ConsistOf("user-error"))
		})

		It("should report failed notifications", func() {
			notifier := &recordingNotifier{fail: true}

			userFailure := succeeded("user-error")
			userFailure.Status = concourse.DeployFailed
			userFailure.Class = concourse.ErrorClassUser

			ok, err := newProcessor(concourse.WithNotifier(notifier)).ProcessResults(
				ctx, []concourse.DeployResult{userFailure},
			)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("ValidationResultProcessor", func() {

		It("should aggregate failures into a validation error", func() {
			broken := newDescriptor("broken-pipeline")
			_, err := concourse.ValidationResultProcessor{}.ProcessResults(ctx, []concourse.DeployResult{
				{Descriptor: broken, Status: concourse.DeploySkipped, ErrorDetails: "boom"},
			})

			var validationErr *concourse.PipelineValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Error()).To(ContainSubstring("broken-pipeline: boom"))
		})

		It("should pass for succeeded results", func() {
			ok, err := concourse.ValidationResultProcessor{}.ProcessResults(ctx, []concourse.DeployResult{
				{Descriptor: newDescriptor("fine"), Status: concourse.DeploySucceeded},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})
})

// resultCaptor records results without further processing.
type resultCaptor struct {
	results *[]concourse.DeployResult
}

func (c resultCaptor) ProcessResults(
	_ context.Context, results []concourse.DeployResult,
) (bool, error) {
	*c.results = append(*c.results, results...)
	return true, nil
}

// setDeployerSleep removes the jittered save-race sleep.
func setDeployerSleep(deployer *concourse.ConcourseDeployer) {
	concourse.SetDeployerSleepForTesting(deployer, func(time.Duration) {})
}
