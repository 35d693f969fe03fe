// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
)

// codeownersPaths are the canonical locations github considers for a
// CODEOWNERS file, in lookup order.
var codeownersPaths = []string{
	"CODEOWNERS",
	".github/CODEOWNERS",
	"docs/CODEOWNERS",
}

// EnumerateCodeowners collects the owner entries of the repository's
// CODEOWNERS files at the given ref. Entries are returned as written
// (`@user`, `@org/team` or plain email addresses); path patterns are
// dropped.
func EnumerateCodeowners(
	ctx context.Context,
	helper *RepositoryHelper,
	ref string,
) ([]string, error) {
	entries := make([]string, 0)
	seen := sets.NewString()

	for _, path := range codeownersPaths {
		data, err := helper.FileContents(ctx, path, ref)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("unable to read %s: %w", path, err)
		}
		for _, entry := range parseCodeownersEntries(string(data)) {
			if seen.Has(entry) {
				continue
			}
			seen.Insert(entry)
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// parseCodeownersEntries extracts the owner tokens of a CODEOWNERS
// document. The first token of each line is the path pattern; every
// following token is an owner.
func parseCodeownersEntries(content string) []string {
	entries := make([]string, 0)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, field := range fields[1:] {
			if strings.HasPrefix(field, "@") || strings.Contains(field, "@") {
				entries = append(entries, field)
			}
		}
	}
	return entries
}

// ResolveEmailAddresses resolves CODEOWNERS entries to email addresses.
// `@org/team` entries expand to the team members' public addresses,
// `@user` entries to the user's public address, plain addresses pass
// through. Users without a public email are skipped with a log entry.
func ResolveEmailAddresses(
	ctx context.Context,
	log logr.Logger,
	client Client,
	entries []string,
) []string {
	addresses := sets.NewString()

	for _, entry := range entries {
		switch {
		case !strings.HasPrefix(entry, "@"):
			// plain email address
			addresses.Insert(strings.ToLower(entry))

		case strings.Contains(entry, "/"):
			parts := strings.SplitN(strings.TrimPrefix(entry, "@"), "/", 2)
			members, err := client.TeamMembers(ctx, parts[0], parts[1])
			if err != nil {
				log.Error(err, "unable to resolve team", "team", entry)
				continue
			}
			for _, member := range members {
				if email := memberEmail(ctx, client, member); email != "" {
					addresses.Insert(email)
				} else {
					log.V(3).Info("team member has no public email", "login", member.Login)
				}
			}

		default:
			user, err := client.User(ctx, strings.TrimPrefix(entry, "@"))
			if err != nil {
				log.Error(err, "unable to resolve user", "user", entry)
				continue
			}
			if email := memberEmail(ctx, client, *user); email != "" {
				addresses.Insert(email)
			} else {
				log.V(3).Info("user has no public email", "login", user.Login)
			}
		}
	}
	return addresses.List()
}

func memberEmail(ctx context.Context, client Client, user User) string {
	if user.Email != "" {
		return strings.ToLower(user.Email)
	}
	// listing endpoints omit emails; fetch the full profile
	full, err := client.User(ctx, user.Login)
	if err != nil || full.Email == "" {
		return ""
	}
	return strings.ToLower(full.Email)
}
