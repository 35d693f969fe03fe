// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse_test

import (
	"github.com/go-logr/logr"
	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/concourse"
)

func newDescriptor(pipelineName string) *concourse.DefinitionDescriptor {
	return &concourse.DefinitionDescriptor{
		PipelineName: pipelineName,
		MainRepo: concourse.RepoReference{
			Hostname: "github.com",
			Path:     "test/repo",
			Branch:   "master",
		},
		PipelineDefinition: map[string]interface{}{
			"base_definition": map[string]interface{}{
				"repo": map[string]interface{}{"trigger": true},
			},
			"jobs": map[string]interface{}{
				"build": map[string]interface{}{},
			},
		},
		TemplateName:           "default",
		ConcourseTargetCfgName: "concourse-test",
		ConcourseTargetTeam:    "main",
		JobMappingName:         "test-mapping",
		Committish:             "0123abc",
	}
}

func newRenderer(templates map[string]string) *concourse.Renderer {
	fs := memoryfs.New()
	Expect(fs.MkdirAll("/templates", 0755)).To(Succeed())
	for name, contents := range templates {
		Expect(vfs.WriteFile(fs, "/templates/"+name+".yaml", []byte(contents), 0644)).To(Succeed())
	}
	return concourse.NewRenderer(
		logr.Discard(),
		concourse.NewTemplateRetriever(fs, "/templates"),
		concourse.RenderOriginPipelineReplication,
	)
}

var _ = Describe("renderer", func() {

	Context("#MergeMaps", func() {

		It("should let later values win and merge nested maps", func() {
			base := map[string]interface{}{
				"jobs": map[string]interface{}{
					"build": map[string]interface{}{"timeout": "30m"},
				},
				"background_image": "old",
			}
			override := map[string]interface{}{
				"jobs": map[string]interface{}{
					"build":   map[string]interface{}{"timeout": "60m"},
					"release": map[string]interface{}{},
				},
				"background_image": "new",
			}

			merged := concourse.MergeMaps(base, override)
			Expect(merged["background_image"]).To(Equal("new"))
			jobs := merged["jobs"].(map[string]interface{})
			Expect(jobs).To(HaveKey("release"))
			Expect(jobs["build"].(map[string]interface{})["timeout"]).To(Equal("60m"))

			// inputs are not mutated
			Expect(base["background_image"]).To(Equal("old"))
		})
	})

	Context("#Render", func() {

		It("should instantiate the template with descriptor metadata", func() {
			renderer := newRenderer(map[string]string{
				"default": "name: ${PIPELINE_NAME}\nteam: ${TARGET_TEAM}\norigin: ${RENDER_ORIGIN}\n",
			})

			descriptor := newDescriptor("test-pipeline")
			result := renderer.Render(descriptor)
			Expect(result.Status).To(Equal(concourse.RenderSucceeded))
			Expect(string(descriptor.RenderedPipeline)).To(Equal(
				"name: test-pipeline-master\nteam: main\norigin: pipeline replication\n",
			))
		})

		It("should render deterministically", func() {
			renderer := newRenderer(map[string]string{
				"default": "definition: |\n  ${DEFINITION}",
			})

			first := newDescriptor("test-pipeline")
			second := newDescriptor("test-pipeline")
			Expect(renderer.Render(first).Status).To(Equal(concourse.RenderSucceeded))
			Expect(renderer.Render(second).Status).To(Equal(concourse.RenderSucceeded))
			Expect(first.RenderedPipeline).To(Equal(second.RenderedPipeline))
		})

		It("should fail descriptors without a main repository", func() {
			renderer := newRenderer(map[string]string{"default": "{}"})

			descriptor := newDescriptor("test-pipeline")
			descriptor.MainRepo = concourse.RepoReference{}

			result := renderer.Render(descriptor)
			Expect(result.Status).To(Equal(concourse.RenderFailed))
			Expect(result.ErrorDetails).To(ContainSubstring("no main repository"))
			Expect(result.Class).To(Equal(concourse.ErrorClassUser))
		})

		It("should classify missing templates as internal errors", func() {
			renderer := newRenderer(nil)

			result := renderer.Render(newDescriptor("test-pipeline"))
			Expect(result.Status).To(Equal(concourse.RenderFailed))
			Expect(result.Class).To(Equal(concourse.ErrorClassInternal))
		})
	})

	Context("descriptor", func() {

		It("should derive the effective pipeline name from the branch", func() {
			descriptor := newDescriptor("test-pipeline")
			Expect(descriptor.EffectivePipelineName()).To(Equal("test-pipeline-master"))

			descriptor.MainRepo.Branch = "feature/new"
			Expect(descriptor.EffectivePipelineName()).To(Equal("test-pipeline-feature-new"))

			// idempotent under preprocessing
			preprocessor := &concourse.DefinitionDescriptorPreprocessor{}
			descriptor = newDescriptor("test-pipeline")
			preprocessor.Process(descriptor)
			preprocessor.Process(descriptor)
			Expect(descriptor.PipelineName).To(Equal("test-pipeline-master"))
		})
	})
})
