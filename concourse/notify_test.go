// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse_test

import (
	"context"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/github"
)

// notifyGithubClient adds user profiles and commit authorship to the
// plain file-serving fake.
type notifyGithubClient struct {
	*fakeGithubClient
	users      map[string]*github.User
	headCommit *github.Commit
}

func (c *notifyGithubClient) User(_ context.Context, login string) (*github.User, error) {
	if user, ok := c.users[login]; ok {
		return user, nil
	}
	return &github.User{Login: login}, nil
}

func (c *notifyGithubClient) BranchHeadCommit(_ context.Context, _, _, _ string) (*github.Commit, error) {
	if c.headCommit == nil {
		return nil, github.ErrNotFound
	}
	return c.headCommit, nil
}

type sentMail struct {
	recipients []string
	subject    string
	body       string
}

type recordingMailer struct {
	sent []sentMail
}

func (m *recordingMailer) Send(recipients []string, subject, body string) error {
	m.sent = append(m.sent, sentMail{recipients: recipients, subject: subject, body: body})
	return nil
}

var _ = Describe("BrokenDefinitionNotifier", func() {

	var (
		ctx      context.Context
		gh       *notifyGithubClient
		mailer   *recordingMailer
		notifier *concourse.BrokenDefinitionNotifier
	)

	result := func() concourse.DeployResult {
		return concourse.DeployResult{
			Descriptor: &concourse.DefinitionDescriptor{
				PipelineName: "test-pipeline-master",
				MainRepo: concourse.RepoReference{
					Hostname: "github.com", Path: "test/repo", Branch: "master",
				},
			},
			Status:       concourse.DeployFailed,
			ErrorDetails: "template rendering failed",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		gh = &notifyGithubClient{
			fakeGithubClient: newFakeGithubClient(),
			users:            map[string]*github.User{},
		}
		gh.addRepository("test", "repo", "master", false)
		mailer = &recordingMailer{}
		notifier = concourse.NewBrokenDefinitionNotifier(
			logr.Discard(),
			func(_ string) (github.Client, error) { return gh, nil },
			mailer,
		)
	})

	It("should mail the codeowners", func() {
		gh.addFile("test", "repo", "CODEOWNERS", "master", []byte("* @alice\n"))
		gh.users["alice"] = &github.User{Login: "alice", Email: "alice@test.example"}

		Expect(notifier.NotifyBrokenDefinitionOwners(ctx, result())).To(Succeed())

		Expect(mailer.sent).To(HaveLen(1))
		Expect(mailer.sent[0].recipients).To(ConsistOf("alice@test.example"))
		Expect(mailer.sent[0].subject).To(
			Equal("Your pipeline definition in test/repo is erroneous"))
		Expect(mailer.sent[0].body).To(ContainSubstring("test-pipeline-master"))
		Expect(mailer.sent[0].body).To(ContainSubstring("template rendering failed"))
	})

	It("should fall back to the head commit's author and committer", func() {
		gh.headCommit = &github.Commit{
			SHA: "0123abc", AuthorLogin: "author", CommitterLogin: "committer",
		}
		gh.users["author"] = &github.User{Login: "author", Email: "author@test.example"}
		gh.users["committer"] = &github.User{Login: "committer", Email: "committer@test.example"}

		Expect(notifier.NotifyBrokenDefinitionOwners(ctx, result())).To(Succeed())

		Expect(mailer.sent).To(HaveLen(1))
		Expect(mailer.sent[0].recipients).To(
			ConsistOf("author@test.example", "committer@test.example"))
	})

	It("should skip the notification when no recipient can be determined", func() {
		gh.headCommit = &github.Commit{SHA: "0123abc", AuthorLogin: "ghost"}

		Expect(notifier.NotifyBrokenDefinitionOwners(ctx, result())).To(Succeed())
		Expect(mailer.sent).To(BeEmpty())
	})
})
