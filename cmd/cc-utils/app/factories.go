// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/ccwienk-org/cc-utils/concourse"
	"github.com/ccwienk-org/cc-utils/concourse/client"
	"github.com/ccwienk-org/cc-utils/github"
	"github.com/ccwienk-org/cc-utils/model"
	"github.com/ccwienk-org/cc-utils/pkg/logger"
)

// newGithubClientFactory resolves host-scoped github clients from the
// configuration document. The first technical user's token is used.
func newGithubClientFactory(factory func() *model.ConfigFactory) concourse.GithubClientFactory {
	return func(hostname string) (github.Client, error) {
		cfg, err := factory().GithubConfigForHostname(hostname)
		if err != nil {
			return nil, err
		}
		creds, err := cfg.Credentials("")
		if err != nil {
			return nil, err
		}
		return github.NewRESTClient(
			logger.Log, cfg.APIURL, creds.AuthToken, cfg.DisableTLSValidation,
		), nil
	}
}

// newConcourseClientFactory resolves team-scoped concourse clients from
// the configuration document.
func newConcourseClientFactory(factory func() *model.ConfigFactory) concourse.ClientFactory {
	return func(concourseCfgName, teamName string) (client.Client, error) {
		cfg, err := factory().ConcourseConfig(concourseCfgName)
		if err != nil {
			return nil, err
		}
		creds, err := cfg.TeamCredentials(teamName)
		if err != nil {
			return nil, err
		}
		return client.NewClient(
			logger.Log, cfg.ExternalURL, teamName, creds.Username, creds.Password,
		), nil
	}
}

// githubHostnames maps github-cfg names referenced by the job mappings to
// their hostnames.
func githubHostnames(factory *model.ConfigFactory, mappingSet *model.JobMappingSet) (map[string]string, error) {
	hostnames := map[string]string{}
	for _, mapping := range mappingSet.Mappings {
		for _, org := range mapping.GithubOrganisations {
			if org.GithubCfgName == "" {
				continue
			}
			if _, ok := hostnames[org.GithubCfgName]; ok {
				continue
			}
			cfg, err := factory.GithubConfig(org.GithubCfgName)
			if err != nil {
				return nil, err
			}
			hostnames[org.GithubCfgName] = cfg.Hostname()
		}
	}
	return hostnames, nil
}
