// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package whd

import (
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// RefType is the kind of git ref a create event refers to.
type RefType string

const (
	RefTypeBranch     RefType = "branch"
	RefTypeTag        RefType = "tag"
	RefTypeRepository RefType = "repository"
)

// PullRequestAction is the action field of a pull-request event.
type PullRequestAction string

const (
	ActionOpened      PullRequestAction = "opened"
	ActionReopened    PullRequestAction = "reopened"
	ActionLabeled     PullRequestAction = "labeled"
	ActionSynchronize PullRequestAction = "synchronize"
	ActionClosed      PullRequestAction = "closed"
)

// Repository is the repository object embedded in webhook payloads.
type Repository struct {
	// FullName is owner/name.
	FullName string `json:"full_name"`
}

// Owner returns the owner part of the full name.
func (r Repository) Owner() string {
	owner, _, _ := strings.Cut(r.FullName, "/")
	return owner
}

// commit is one commit of a push event payload.
type commit struct {
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// eventMeta carries per-delivery metadata not part of the payload body.
type eventMeta struct {
	delivery string
	hostname string
}

// Delivery is the unique id github assigned to the delivery.
func (m eventMeta) Delivery() string { return m.delivery }

// Hostname is the github instance the event originates from.
func (m eventMeta) Hostname() string { return m.hostname }

// PushEvent is a github push webhook payload.
type PushEvent struct {
	eventMeta

	Ref        string     `json:"ref"`
	Before     string     `json:"before"`
	Forced     bool       `json:"forced"`
	Commits    []commit   `json:"commits"`
	HeadCommit *commit    `json:"head_commit"`
	Repository Repository `json:"repository"`
}

// ParsePushEvent parses a push event payload.
func ParsePushEvent(data []byte, delivery, hostname string) (*PushEvent, error) {
	event := &PushEvent{eventMeta: eventMeta{delivery: delivery, hostname: hostname}}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unable to parse push event: %w", err)
	}
	return event, nil
}

// ModifiedPaths returns every path touched by any commit of the push.
func (e *PushEvent) ModifiedPaths() []string {
	paths := sets.NewString()
	for _, c := range e.Commits {
		paths.Insert(c.Added...)
		paths.Insert(c.Removed...)
		paths.Insert(c.Modified...)
	}
	return paths.List()
}

// CommitMessage returns the head commit's message, if any.
func (e *PushEvent) CommitMessage() string {
	if e.HeadCommit == nil {
		return ""
	}
	return e.HeadCommit.Message
}

// PreviousRef is the commit the pushed ref pointed to before the push.
func (e *PushEvent) PreviousRef() string {
	return e.Before
}

// IsForcedPush reports whether the push rewrote history.
func (e *PushEvent) IsForcedPush() bool {
	return e.Forced
}

// CreateEvent is a github create webhook payload.
type CreateEvent struct {
	eventMeta

	Ref        string     `json:"ref"`
	RefType    RefType    `json:"ref_type"`
	Repository Repository `json:"repository"`
}

// ParseCreateEvent parses a create event payload.
func ParseCreateEvent(data []byte, delivery, hostname string) (*CreateEvent, error) {
	event := &CreateEvent{eventMeta: eventMeta{delivery: delivery, hostname: hostname}}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unable to parse create event: %w", err)
	}
	return event, nil
}

// label is a label object of a pull-request payload.
type label struct {
	Name string `json:"name"`
}

// PullRequestEvent is a github pull_request webhook payload.
type PullRequestEvent struct {
	eventMeta

	Action PullRequestAction `json:"action"`
	Number int               `json:"number"`
	// Label is set for labeled/unlabeled actions.
	LabelObj    *label     `json:"label"`
	PullRequest struct {
		Labels []label `json:"labels"`
		Head   struct {
			Ref  string      `json:"ref"`
			Repo *Repository `json:"repo"`
		} `json:"head"`
	} `json:"pull_request"`
	Sender     struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository Repository `json:"repository"`
}

// ParsePullRequestEvent parses a pull_request event payload.
func ParsePullRequestEvent(data []byte, delivery, hostname string) (*PullRequestEvent, error) {
	event := &PullRequestEvent{eventMeta: eventMeta{delivery: delivery, hostname: hostname}}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unable to parse pull-request event: %w", err)
	}
	return event, nil
}

// Label returns the label the event was triggered for (labeled action).
func (e *PullRequestEvent) Label() string {
	if e.LabelObj == nil {
		return ""
	}
	return e.LabelObj.Name
}

// LabelNames returns the labels currently present on the pull request.
func (e *PullRequestEvent) LabelNames() []string {
	names := make([]string, 0, len(e.PullRequest.Labels))
	for _, l := range e.PullRequest.Labels {
		names = append(names, l.Name)
	}
	return names
}

// HasLabel reports whether the pull request carries the given label.
func (e *PullRequestEvent) HasLabel(name string) bool {
	for _, l := range e.PullRequest.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// HeadRef is the branch name of the pull request's source.
func (e *PullRequestEvent) HeadRef() string {
	return e.PullRequest.Head.Ref
}

// HeadRepository is the pull request's source repository; for pull
// requests from forks it differs from the target repository.
func (e *PullRequestEvent) HeadRepository() Repository {
	if e.PullRequest.Head.Repo != nil {
		return *e.PullRequest.Head.Repo
	}
	return e.Repository
}

// AbortObsoleteJobs controls whether running builds made obsolete by a
// push are aborted.
type AbortObsoleteJobs string

const (
	AbortNever           AbortObsoleteJobs = "never"
	AbortOnForcePushOnly AbortObsoleteJobs = "on_force_push_only"
	AbortAlways          AbortObsoleteJobs = "always"
)

// AbortConfigFromJobDefinition reads the abort behaviour from a job's
// definition document. The second return value is false when the job does
// not configure any.
func AbortConfigFromJobDefinition(jobDefinition map[string]interface{}) (AbortObsoleteJobs, bool, error) {
	raw, ok := jobDefinition["abort_outdated_jobs"]
	if !ok {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("abort_outdated_jobs: expected string, got %T", raw)
	}
	switch cfg := AbortObsoleteJobs(value); cfg {
	case AbortNever, AbortOnForcePushOnly, AbortAlways:
		return cfg, true, nil
	default:
		return "", false, fmt.Errorf("unknown abort_outdated_jobs value %q", value)
	}
}

// Pipeline is a concourse pipeline affected by a webhook event.
type Pipeline struct {
	PipelineName        string
	TargetTeam          string
	EffectiveDefinition map[string]interface{}
}
