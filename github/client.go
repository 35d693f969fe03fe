// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"errors"
)

// ErrNotFound is returned for repositories, files or users that do not
// exist or are not visible to the technical user.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err signals a missing github entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Repository is a github repository.
type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Archived      bool
}

// Path returns owner/name.
func (r Repository) Path() string {
	return r.Owner + "/" + r.Name
}

// User is a github account.
type User struct {
	Login string
	Email string
}

// Commit is a git commit as reported by the github API.
type Commit struct {
	SHA            string
	AuthorLogin    string
	CommitterLogin string
}

// PullRequestFile is a file changed by a pull request.
type PullRequestFile struct {
	Filename string
}

// Client is the narrow surface of the github REST API this system
// depends on. Implementations are host-scoped; one client serves all
// organisations of one github instance.
type Client interface {
	// Repository fetches repository metadata.
	Repository(ctx context.Context, owner, name string) (*Repository, error)
	// Repositories lists the repositories of an organisation.
	Repositories(ctx context.Context, org string) ([]Repository, error)
	// Branches lists the branch names of a repository.
	Branches(ctx context.Context, owner, name string) ([]string, error)
	// FileContents reads a file at the given ref; ref may be empty for the
	// default branch.
	FileContents(ctx context.Context, owner, name, path, ref string) ([]byte, error)
	// BranchHeadCommit resolves the head commit of a branch.
	BranchHeadCommit(ctx context.Context, owner, name, branch string) (*Commit, error)

	// User fetches a user's public profile.
	User(ctx context.Context, login string) (*User, error)
	// IsOrgMember reports whether the user is a member of the organisation.
	IsOrgMember(ctx context.Context, org, login string) (bool, error)
	// IsTeamMember reports whether the user is a member of the team
	// (team given as org/team-slug).
	IsTeamMember(ctx context.Context, org, team, login string) (bool, error)
	// TeamMembers lists the members of a team.
	TeamMembers(ctx context.Context, org, team string) ([]User, error)
	// OrgMembers lists the members of an organisation.
	OrgMembers(ctx context.Context, org string) ([]User, error)

	// PullRequestFiles lists the files changed by a pull request.
	PullRequestFiles(ctx context.Context, owner, name string, number int) ([]PullRequestFile, error)
	// PullRequestLabels lists the labels currently on a pull request.
	PullRequestLabels(ctx context.Context, owner, name string, number int) ([]string, error)
	// AddLabelsToPullRequest adds labels to a pull request.
	AddLabelsToPullRequest(ctx context.Context, owner, name string, number int, labels ...string) error
	// RemoveLabelFromPullRequest removes one label from a pull request.
	RemoveLabelFromPullRequest(ctx context.Context, owner, name string, number int, label string) error
	// CreateComment posts a comment on a pull request or issue.
	CreateComment(ctx context.Context, owner, name string, number int, body string) error
}
