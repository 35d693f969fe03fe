// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd_test

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/github"
	"github.com/ccwienk-org/cc-utils/model"
	"github.com/ccwienk-org/cc-utils/whd"
)

const configDocument = `
concourse:
  concourse-test:
    externalUrl: https://concourse.example.org
    job_mapping: production
    teams:
      main:
        username: bot
        password: secret
job_mapping:
  production:
    mappings:
      test:
        concourse_target_team: main
        github_orgs:
        - name: test
          github_cfg: github_test
        trusted_teams:
        - test/admins
webhook_dispatcher:
  whd:
    concourse_cfgs:
    - concourse-test
github:
  github_test:
    httpUrl: https://github.com
    apiUrl: https://api.github.com
    technical_users:
    - username: bot
      auth_token: token
      email_address: bot@example.org
`

const pipelineDefinitionsDocument = `test-pipeline:
  base_definition:
    repo:
      trigger: true
  jobs:
    build:
      abort_outdated_jobs: always
`

// testEnv bundles a dispatcher with its fakes.
type testEnv struct {
	dispatcher *whd.Dispatcher
	api        *fakeConcourse
	gh         *fakeGithub
	pipelines  *fakePipelines
	reloads    int
}

func newTestEnv() *testEnv {
	factory, err := model.NewConfigFactory([]byte(configDocument))
	Expect(err).ToNot(HaveOccurred())
	whdCfg, err := factory.WebhookDispatcherConfig("whd")
	Expect(err).ToNot(HaveOccurred())

	env := &testEnv{
		api:       newFakeConcourse("main"),
		gh:        newFakeGithub(),
		pipelines: &fakePipelines{},
	}
	env.dispatcher = whd.NewDispatcher(
		logr.Discard(),
		factory,
		whdCfg,
		func(_, _ string) (client.Client, error) { return env.api, nil },
		func(_ string) (github.Client, error) { return env.gh, nil },
		env.pipelines,
		func(_ context.Context) (*model.ConfigFactory, error) {
			env.reloads++
			return factory, nil
		},
	)
	whd.SetDispatcherSleepForTesting(env.dispatcher, func(time.Duration) {})
	return env
}

func parsePushEvent(payload string) *whd.PushEvent {
	event, err := whd.ParsePushEvent([]byte(payload), "delivery-1", "github.com")
	Expect(err).ToNot(HaveOccurred())
	return event
}

var _ = Describe("dispatcher", func() {

	var (
		ctx context.Context
		env *testEnv
	)

	BeforeEach(func() {
		ctx = context.Background()
		env = newTestEnv()
		env.gh.repositories["test/repo"] = &github.Repository{
			Owner: "test", Name: "repo", DefaultBranch: "master",
		}
	})

	Describe("push events", func() {

		gitResource := func(source map[string]interface{}) client.PipelineConfigResource {
			return client.PipelineConfigResource{
				Name:   "repo-main",
				Type:   client.ResourceTypeGit,
				Source: source,
			}
		}

		It("should trigger checks for resources tracking the pushed branch", func() {
			env.api.addPipeline(&client.PipelineConfig{
				PipelineName: "test-pipeline-master",
				Resources: []client.PipelineConfigResource{
					gitResource(map[string]interface{}{
						"hostname": "github.com", "repo_path": "test/repo", "branch": "master",
					}),
				},
			})

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"before": "oldsha",
				"commits": [{"message": "fix", "modified": ["pkg/thing.go"]}],
				"head_commit": {"message": "fix"},
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.api.checks).To(ConsistOf("test-pipeline-master/repo-main"))
			Expect(env.pipelines.replicated).To(BeEmpty())
		})

		It("should not trigger checks for commits marked with skip ci", func() {
			env.api.addPipeline(&client.PipelineConfig{
				PipelineName: "test-pipeline-master",
				Resources: []client.PipelineConfigResource{
					gitResource(map[string]interface{}{
						"hostname": "github.com", "repo_path": "test/repo", "branch": "master",
					}),
				},
			})

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"head_commit": {"message": "chore [skip ci]"},
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.api.checks).To(BeEmpty())
		})

		It("should honour disable_ci_skip", func() {
			env.api.addPipeline(&client.PipelineConfig{
				PipelineName: "test-pipeline-master",
				Resources: []client.PipelineConfigResource{
					gitResource(map[string]interface{}{
						"hostname": "github.com", "repo_path": "test/repo", "branch": "master",
						"disable_ci_skip": true,
					}),
				},
			})

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"head_commit": {"message": "chore [skip ci]"},
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.api.checks).To(ConsistOf("test-pipeline-master/repo-main"))
		})

		It("should replicate pipelines when the definitions file changed", func() {
			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"commits": [{"modified": [".ci/pipeline_definitions"]}],
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.pipelines.replicated).To(HaveLen(1))
			Expect(env.pipelines.replicated[0]).To(Equal(concourse.RepoReference{
				Hostname: "github.com", Path: "test/repo", Branch: "master",
			}))
		})

		It("should reload the config and retry on a stale job mapping", func() {
			env.pipelines.replicateErrs = []error{concourse.ErrJobMappingNotFound}

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"commits": [{"modified": [".ci/pipeline_definitions"]}],
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.reloads).To(Equal(1))
			Expect(env.pipelines.replicated).To(HaveLen(2))
		})

		It("should abort obsolete builds of jobs that opted in", func() {
			env.gh.files["test/repo:.ci/pipeline_definitions@master"] =
				[]byte(pipelineDefinitionsDocument)
			env.api.addPipeline(&client.PipelineConfig{
				PipelineName: "test-pipeline-master",
				Resources: []client.PipelineConfigResource{
					gitResource(map[string]interface{}{
						"hostname": "github.com", "repo_path": "test/repo", "branch": "master",
					}),
				},
				Jobs: []client.PipelineConfigJob{
					{Name: "build", Plan: []client.JobPlanStep{{Get: "repo-main", Trigger: true}}},
				},
			})
			env.api.builds["test-pipeline-master/build"] = []client.Build{
				{ID: 1, Name: "1", Status: client.BuildStatusStarted, JobName: "build"},
				{ID: 2, Name: "2", Status: client.BuildStatusSucceeded, JobName: "build"},
			}
			env.api.plans[1] = client.BuildPlan{Raw: []byte(`{"get": {"version": {"ref": "oldsha"}}}`)}

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"before": "oldsha",
				"forced": true,
				"head_commit": {"message": "rewrite"},
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.api.aborted).To(ConsistOf(1))
		})

		It("should not abort builds of unrelated revisions", func() {
			env.gh.files["test/repo:.ci/pipeline_definitions@master"] =
				[]byte(pipelineDefinitionsDocument)
			env.api.addPipeline(&client.PipelineConfig{
				PipelineName: "test-pipeline-master",
				Resources: []client.PipelineConfigResource{
					gitResource(map[string]interface{}{
						"hostname": "github.com", "repo_path": "test/repo", "branch": "master",
					}),
				},
				Jobs: []client.PipelineConfigJob{
					{Name: "build", Plan: []client.JobPlanStep{{Get: "repo-main", Trigger: true}}},
				},
			})
			env.api.builds["test-pipeline-master/build"] = []client.Build{
				{ID: 1, Name: "1", Status: client.BuildStatusStarted, JobName: "build"},
			}
			env.api.plans[1] = client.BuildPlan{Raw: []byte(`{"get": {"version": {"ref": "othersha"}}}`)}

			env.dispatcher.DispatchPushEvent(ctx, parsePushEvent(`{
				"ref": "refs/heads/master",
				"before": "oldsha",
				"head_commit": {"message": "change"},
				"repository": {"full_name": "test/repo"}
			}`))
			env.dispatcher.Wait()

			Expect(env.api.aborted).To(BeEmpty())
		})
	})

	Describe("create events", func() {

		It("should replicate pipelines for new branches", func() {
			event, err := whd.ParseCreateEvent([]byte(`{
				"ref": "feature-branch",
				"ref_type": "branch",
				"repository": {"full_name": "test/repo"}
			}`), "delivery-2", "github.com")
			Expect(err).ToNot(HaveOccurred())

			env.dispatcher.DispatchCreateEvent(ctx, event)
			env.dispatcher.Wait()

			Expect(env.pipelines.replicated).To(HaveLen(1))
			Expect(env.pipelines.replicated[0].Branch).To(Equal("feature-branch"))
		})

		It("should ignore tag creation", func() {
			event, err := whd.ParseCreateEvent([]byte(`{
				"ref": "v1.0.0",
				"ref_type": "tag",
				"repository": {"full_name": "test/repo"}
			}`), "delivery-3", "github.com")
			Expect(err).ToNot(HaveOccurred())

			env.dispatcher.DispatchCreateEvent(ctx, event)
			env.dispatcher.Wait()

			Expect(env.pipelines.replicated).To(BeEmpty())
		})
	})

	Describe("pull-request events", func() {

		It("should not process closed pull requests", func() {
			event, err := whd.ParsePullRequestEvent([]byte(`{
				"action": "closed",
				"number": 1,
				"repository": {"full_name": "test/repo"}
			}`), "delivery-4", "github.com")
			Expect(err).ToNot(HaveOccurred())

			Expect(env.dispatcher.DispatchPullRequestEvent(ctx, event)).To(BeFalse())
		})
	})
})
