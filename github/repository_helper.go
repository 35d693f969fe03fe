// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
)

// RepositoryHelper binds a Client to one repository.
type RepositoryHelper struct {
	client Client
	repo   *Repository
}

// NewRepositoryHelper resolves the repository and returns a helper bound
// to it. ErrNotFound is returned when the repository does not exist or is
// not accessible.
func NewRepositoryHelper(ctx context.Context, client Client, owner, name string) (*RepositoryHelper, error) {
	repo, err := client.Repository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve repository %s/%s: %w", owner, name, err)
	}
	return &RepositoryHelper{client: client, repo: repo}, nil
}

// Repository returns the bound repository.
func (h *RepositoryHelper) Repository() *Repository {
	return h.repo
}

// Client returns the underlying host-scoped client.
func (h *RepositoryHelper) Client() Client {
	return h.client
}

// FileContents reads a file at the given ref; ref may be empty for the
// default branch.
func (h *RepositoryHelper) FileContents(ctx context.Context, path, ref string) ([]byte, error) {
	return h.client.FileContents(ctx, h.repo.Owner, h.repo.Name, path, ref)
}

// BranchHeadCommit resolves the head commit of a branch.
func (h *RepositoryHelper) BranchHeadCommit(ctx context.Context, branch string) (*Commit, error) {
	return h.client.BranchHeadCommit(ctx, h.repo.Owner, h.repo.Name, branch)
}

// PullRequestFiles lists the files changed by a pull request.
func (h *RepositoryHelper) PullRequestFiles(ctx context.Context, number int) ([]PullRequestFile, error) {
	return h.client.PullRequestFiles(ctx, h.repo.Owner, h.repo.Name, number)
}

// PullRequestLabels lists the labels currently on a pull request.
func (h *RepositoryHelper) PullRequestLabels(ctx context.Context, number int) ([]string, error) {
	return h.client.PullRequestLabels(ctx, h.repo.Owner, h.repo.Name, number)
}

// AddLabelsToPullRequest adds labels to a pull request.
func (h *RepositoryHelper) AddLabelsToPullRequest(ctx context.Context, number int, labels ...string) error {
	return h.client.AddLabelsToPullRequest(ctx, h.repo.Owner, h.repo.Name, number, labels...)
}

// RemoveLabelFromPullRequest removes one label from a pull request.
func (h *RepositoryHelper) RemoveLabelFromPullRequest(ctx context.Context, number int, label string) error {
	return h.client.RemoveLabelFromPullRequest(ctx, h.repo.Owner, h.repo.Name, number, label)
}

// AddCommentToPullRequest posts a comment on a pull request.
func (h *RepositoryHelper) AddCommentToPullRequest(ctx context.Context, number int, comment string) error {
	return h.client.CreateComment(ctx, h.repo.Owner, h.repo.Name, number, comment)
}

// IsOrgMember reports whether the user is a member of the given
// organisation.
func (h *RepositoryHelper) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	return h.client.IsOrgMember(ctx, org, login)
}

// IsTeamMember reports whether the user is a member of the given team.
func (h *RepositoryHelper) IsTeamMember(ctx context.Context, org, team, login string) (bool, error) {
	return h.client.IsTeamMember(ctx, org, team, login)
}
