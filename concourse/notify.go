// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package concourse

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ccwienk-org/cc-utils/github"
)

// MailSender sends a notification mail; satisfied by mail.Mailer.
type MailSender interface {
	Send(recipients []string, subject, body string) error
}

// BrokenDefinitionNotifier mails the owners of a repository whose
// pipeline definition failed to render. Recipients are taken from the
// repository's CODEOWNERS; if none expose a public address, the head
// commit's author and committer serve as fallback.
type BrokenDefinitionNotifier struct {
	log     logr.Logger
	clients GithubClientFactory
	mailer  MailSender
}

// NewBrokenDefinitionNotifier wires a notifier.
func NewBrokenDefinitionNotifier(
	log logr.Logger,
	clients GithubClientFactory,
	mailer MailSender,
) *BrokenDefinitionNotifier {
	return &BrokenDefinitionNotifier{log: log, clients: clients, mailer: mailer}
}

// NotifyBrokenDefinitionOwners implements Notifier.
func (n *BrokenDefinitionNotifier) NotifyBrokenDefinitionOwners(
	ctx context.Context,
	result DeployResult,
) error {
	mainRepo := result.Descriptor.MainRepo
	owner, name := mainRepo.OwnerAndName()

	client, err := n.clients(mainRepo.Hostname)
	if err != nil {
		return err
	}
	helper, err := github.NewRepositoryHelper(ctx, client, owner, name)
	if err != nil {
		return err
	}

	entries, err := github.EnumerateCodeowners(ctx, helper, mainRepo.Branch)
	if err != nil {
		return err
	}
	recipients := github.ResolveEmailAddresses(ctx, n.log, client, entries)

	// in case no codeowners are available, resort to the committer
	if len(recipients) == 0 {
		recipients = n.committerAddresses(ctx, client, helper, mainRepo.Branch)
	}

	if len(recipients) == 0 {
		n.log.Info("unable to determine recipient; please make sure that CODEOWNERS "+
			"and committers have exposed a public e-mail address in their profile",
			"pipeline", result.Descriptor.PipelineName,
			"repository", mainRepo.URL(), "branch", mainRepo.Branch)
		return nil
	}

	n.log.Info("sending notification e-mail",
		"repository", mainRepo.URL(), "recipients", recipients)
	subject := fmt.Sprintf("Your pipeline definition in %s is erroneous", mainRepo.Path)
	body := fmt.Sprintf(
		"The pipeline definition for %s on branch %s failed to be rendered.\n"+
			"Error details:\n%s\n",
		result.Descriptor.PipelineName, mainRepo.Branch, result.ErrorDetails,
	)
	return n.mailer.Send(recipients, subject, body)
}

// committerAddresses returns the public addresses of the head commit's
// author and committer.
func (n *BrokenDefinitionNotifier) committerAddresses(
	ctx context.Context,
	client github.Client,
	helper *github.RepositoryHelper,
	branch string,
) []string {
	head, err := helper.BranchHeadCommit(ctx, branch)
	if err != nil {
		n.log.Error(err, "unable to resolve head commit", "branch", branch)
		return nil
	}

	logins := sets.NewString()
	for _, login := range []string{head.AuthorLogin, head.CommitterLogin} {
		if login != "" {
			logins.Insert(login)
		}
	}

	addresses := sets.NewString()
	for _, login := range logins.List() {
		user, err := client.User(ctx, login)
		if err != nil {
			n.log.Error(err, "unable to resolve user", "login", login)
			continue
		}
		if user.Email != "" {
			addresses.Insert(user.Email)
		}
	}
	return addresses.List()
}
