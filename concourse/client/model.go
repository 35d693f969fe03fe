// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/url"
	"strings"
)

// SetPipelineResult reports whether a pipeline deploy created a new
// pipeline or updated an existing one.
type SetPipelineResult string

const (
	PipelineCreated SetPipelineResult = "created"
	PipelineUpdated SetPipelineResult = "updated"
)

// ResourceType is the concourse resource type of a pipeline resource.
type ResourceType string

const (
	ResourceTypeGit         ResourceType = "git"
	ResourceTypePullRequest ResourceType = "pull-request"
)

// BuildStatus is the lifecycle state of a concourse build.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusStarted   BuildStatus = "started"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusErrored   BuildStatus = "errored"
	BuildStatusAborted   BuildStatus = "aborted"
)

// IsRunning reports whether the build has not yet finished.
func (s BuildStatus) IsRunning() bool {
	return s == BuildStatusPending || s == BuildStatusStarted
}

// PipelineConfig is the parsed configuration of one pipeline.
type PipelineConfig struct {
	PipelineName string               `json:"-"`
	Resources []PipelineConfigResource `json:"resources"`
	Jobs      []PipelineConfigJob      `json:"jobs"`
}

// PipelineConfigResource is a resource declared in a pipeline
// configuration.
type PipelineConfigResource struct {
	Name   string                 `json:"name"`
	Type   ResourceType           `json:"type"`
	Source map[string]interface{} `json:"source"`

	// PipelineName is the pipeline the resource was read from; set by the
	// client, not part of the wire payload.
	PipelineName string `json:"-"`
	// FailingToCheck is merged in from the resource-listing endpoint.
	FailingToCheck bool `json:"-"`
}

// sourceString returns a string-valued source attribute.
func (r *PipelineConfigResource) sourceString(key string) string {
	if v, ok := r.Source[key].(string); ok {
		return v
	}
	return ""
}

// RequiredLabel returns the PR label the resource requires, if any.
func (r *PipelineConfigResource) RequiredLabel() string {
	return r.sourceString("label")
}

// GithubSource describes the github coordinates of a git or pull-request
// resource.
type GithubSource struct {
	Hostname      string
	RepoPath      string
	Branch        string
	Label         string
	DisableCISkip bool
}

// GithubSource derives the github coordinates from the resource's source
// attributes. The repository may either be given directly (hostname +
// repo_path) or via a clone uri.
func (r *PipelineConfigResource) GithubSource() GithubSource {
	src := GithubSource{
		Hostname:      strings.ToLower(r.sourceString("hostname")),
		RepoPath:      r.sourceString("repo_path"),
		Branch:        r.sourceString("branch"),
		Label:         r.sourceString("label"),
		DisableCISkip: r.Source["disable_ci_skip"] == true,
	}
	if src.Hostname == "" || src.RepoPath == "" {
		if uri := r.sourceString("uri"); uri != "" {
			if u, err := url.Parse(uri); err == nil {
				src.Hostname = strings.ToLower(u.Hostname())
				src.RepoPath = strings.TrimSuffix(u.Path, ".git")
			}
		}
	}
	return src
}

// MatchesRepository reports whether the resource tracks the given
// repository.
func (s GithubSource) MatchesRepository(hostname, repoPath string) bool {
	return strings.EqualFold(s.Hostname, hostname) &&
		strings.TrimPrefix(s.RepoPath, "/") == repoPath
}

// PipelineConfigJob is a job declared in a pipeline configuration.
type PipelineConfigJob struct {
	Name string         `json:"name"`
	Plan []JobPlanStep  `json:"plan"`
}

// JobPlanStep is one step of a job's build plan. Only get steps are
// modelled; other step kinds carry empty Get names.
type JobPlanStep struct {
	Get     string   `json:"get"`
	Trigger bool     `json:"trigger"`
	Passed  []string `json:"passed"`
}

// Triggers reports whether the job is triggered by the given resource.
func (j *PipelineConfigJob) Triggers(resourceName string) bool {
	for _, step := range j.Plan {
		if step.Get == resourceName && step.Trigger {
			return true
		}
	}
	return false
}

// Build is a (possibly running) build of a concourse job.
type Build struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	Status       BuildStatus `json:"status"`
	JobName      string      `json:"job_name"`
	PipelineName string      `json:"pipeline_name"`
}

// BuildPlan is the raw plan document of a build.
type BuildPlan struct {
	Raw []byte
}

// ContainsVersionRef reports whether the plan pins a resource version
// referencing the given commit ref.
func (p BuildPlan) ContainsVersionRef(ref string) bool {
	if ref == "" {
		return false
	}
	return strings.Contains(string(p.Raw), ref)
}

// ResourceVersion is one detected version of a pipeline resource.
type ResourceVersion struct {
	ID      int               `json:"id"`
	Version map[string]string `json:"version"`
	Enabled bool              `json:"enabled"`
}
