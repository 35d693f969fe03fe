// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"regexp"
	"strings"
)

// CleanupPolicy controls whether pipelines absent from the current
// replication run are removed from the backend.
type CleanupPolicy string

const (
	// CleanupExtraPipelines removes pipelines not produced by the run.
	CleanupExtraPipelines CleanupPolicy = "cleanup_extra_pipelines"
	// NoCleanup leaves existing pipelines untouched.
	NoCleanup CleanupPolicy = "no_cleanup"
)

// ConcourseConfig describes one concourse installation.
type ConcourseConfig struct {
	Name string `json:"-"`
	// ExternalURL is the url the concourse API is reachable at.
	ExternalURL string `json:"externalUrl"`
	// JobMappingSetName references the job mapping set to replicate into
	// this installation.
	JobMappingSetName string `json:"job_mapping"`
	// Teams holds per-team API credentials, keyed by team name.
	Teams map[string]TeamCredentials `json:"teams"`
}

// TeamCredentials are the basic-auth credentials of one concourse team.
type TeamCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TeamCredentials returns the credentials for the given team.
func (c *ConcourseConfig) TeamCredentials(teamName string) (TeamCredentials, error) {
	if creds, ok := c.Teams[teamName]; ok {
		return creds, nil
	}
	return TeamCredentials{}, fmt.Errorf(
		"credentials for team %q in concourse config %q: %w",
		teamName, c.Name, ErrConfigElementNotFound,
	)
}

// JobMappingSet groups the job mappings replicated into one concourse
// installation.
type JobMappingSet struct {
	Name     string                 `json:"-"`
	Mappings map[string]*JobMapping `json:"mappings"`
}

// JobMapping returns the mapping with the given name.
func (s *JobMappingSet) JobMapping(name string) (*JobMapping, error) {
	if mapping, ok := s.Mappings[name]; ok {
		return mapping, nil
	}
	return nil, fmt.Errorf("job mapping %q in set %q: %w", name, s.Name, ErrConfigElementNotFound)
}

// JobMappingFor returns the mapping covering the given repository.
func (s *JobMappingSet) JobMappingFor(hostname, org, repository string) (*JobMapping, error) {
	for _, mapping := range s.Mappings {
		if mapping.Matches(hostname, org, repository) {
			return mapping, nil
		}
	}
	return nil, fmt.Errorf(
		"job mapping for %s/%s/%s in set %q: %w",
		hostname, org, repository, s.Name, ErrConfigElementNotFound,
	)
}

// JobMapping links a set of github organisations to a concourse team.
type JobMapping struct {
	Name string `json:"-"`
	// TeamName is the concourse team pipelines are replicated into.
	TeamName string `json:"concourse_target_team"`
	// GithubOrganisations lists the organisations whose repositories are
	// covered by this mapping.
	GithubOrganisations []GithubOrganisation `json:"github_orgs"`
	// CleanupPolicy defaults to CleanupExtraPipelines.
	CleanupPolicy CleanupPolicy `json:"cleanup_policy"`
	// TrustedTeams lists teams whose members may cause PR labels to be
	// applied automatically; entries have the form `org/team` or
	// `host/org/team`.
	TrustedTeams []string `json:"trusted_teams"`
	// EmptyTrustedTeamsDenies controls label-policy behaviour when
	// TrustedTeams is set but no entry matches the event's host: if true,
	// labelling is denied outright instead of falling back to
	// org-membership.
	EmptyTrustedTeamsDenies bool `json:"empty_trusted_teams_denies"`
	// UnpausePipelines unpauses every deployed pipeline.
	UnpausePipelines bool `json:"unpause_pipelines"`
	// UnpauseNewPipelines unpauses newly created pipelines only.
	UnpauseNewPipelines bool `json:"unpause_new_pipelines"`
	// ExposePipelines makes deployed pipelines publicly visible.
	ExposePipelines bool `json:"expose_pipelines"`
}

func (m *JobMapping) validate() error {
	switch m.CleanupPolicy {
	case "", CleanupExtraPipelines, NoCleanup:
	default:
		return fmt.Errorf("invalid cleanup policy %q", m.CleanupPolicy)
	}
	for _, raw := range m.TrustedTeams {
		if _, err := ParseTrustedTeam(raw); err != nil {
			return err
		}
	}
	for i := range m.GithubOrganisations {
		if err := m.GithubOrganisations[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveCleanupPolicy returns the configured policy, defaulting to
// CleanupExtraPipelines.
func (m *JobMapping) EffectiveCleanupPolicy() CleanupPolicy {
	if m.CleanupPolicy == "" {
		return CleanupExtraPipelines
	}
	return m.CleanupPolicy
}

// Matches reports whether the mapping covers the given repository.
func (m *JobMapping) Matches(hostname, org, repository string) bool {
	for i := range m.GithubOrganisations {
		if m.GithubOrganisations[i].Matches(hostname, org, repository) {
			return true
		}
	}
	return false
}

// TrustedTeamsFor returns the trusted teams applicable for the given
// hostname. Entries without a host part apply to every host.
func (m *JobMapping) TrustedTeamsFor(hostname string) []TrustedTeam {
	teams := make([]TrustedTeam, 0, len(m.TrustedTeams))
	for _, raw := range m.TrustedTeams {
		team, err := ParseTrustedTeam(raw)
		if err != nil {
			continue
		}
		if team.MatchesHostname(hostname) {
			teams = append(teams, team)
		}
	}
	return teams
}

// TrustedTeam identifies a github team whose members are privileged.
type TrustedTeam struct {
	// Hostname restricts the team to one github instance; empty matches
	// every instance.
	Hostname string
	Org      string
	Team     string
}

// ParseTrustedTeam parses `org/team` or `host/org/team`.
func ParseTrustedTeam(raw string) (TrustedTeam, error) {
	parts := strings.Split(raw, "/")
	switch len(parts) {
	case 2:
		return TrustedTeam{Org: parts[0], Team: parts[1]}, nil
	case 3:
		return TrustedTeam{Hostname: parts[0], Org: parts[1], Team: parts[2]}, nil
	default:
		return TrustedTeam{}, fmt.Errorf("invalid trusted team %q: expected org/team or host/org/team", raw)
	}
}

// MatchesHostname reports whether the team applies to the given github
// instance.
func (t TrustedTeam) MatchesHostname(hostname string) bool {
	return t.Hostname == "" || strings.EqualFold(t.Hostname, hostname)
}

func (t TrustedTeam) String() string {
	if t.Hostname == "" {
		return t.Org + "/" + t.Team
	}
	return t.Hostname + "/" + t.Org + "/" + t.Team
}

// GithubOrganisation selects repositories of one github organisation.
type GithubOrganisation struct {
	// OrgName is the organisation's login name.
	OrgName string `json:"name"`
	// GithubCfgName references the github config of the hosting instance.
	GithubCfgName string `json:"github_cfg"`
	// IncludeRepositories / ExcludeRepositories are anchored regular
	// expressions over repository names. An empty include list includes
	// every repository.
	IncludeRepositories []string `json:"include_repositories"`
	ExcludeRepositories []string `json:"exclude_repositories"`

	includePatterns []*regexp.Regexp
	excludePatterns []*regexp.Regexp
	hostname        string
}

func (o *GithubOrganisation) compile() error {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		compiled := make([]*regexp.Regexp, 0, len(patterns))
		for _, pattern := range patterns {
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return nil, fmt.Errorf("invalid repository filter %q: %w", pattern, err)
			}
			compiled = append(compiled, re)
		}
		return compiled, nil
	}

	var err error
	if o.includePatterns, err = compile(o.IncludeRepositories); err != nil {
		return err
	}
	if o.excludePatterns, err = compile(o.ExcludeRepositories); err != nil {
		return err
	}
	return nil
}

// BindHostname associates the organisation with its github instance's
// hostname (resolved from the referenced github config).
func (o *GithubOrganisation) BindHostname(hostname string) {
	o.hostname = hostname
}

// Matches reports whether the given repository belongs to this organisation
// and passes the include/exclude filters.
func (o *GithubOrganisation) Matches(hostname, org, repository string) bool {
	if !strings.EqualFold(org, o.OrgName) {
		return false
	}
	if o.hostname != "" && !strings.EqualFold(hostname, o.hostname) {
		return false
	}
	return o.MatchesRepository(repository)
}

// MatchesRepository applies the include/exclude filters to a repository
// name. Excludes win over includes.
func (o *GithubOrganisation) MatchesRepository(repository string) bool {
	if o.includePatterns == nil && o.excludePatterns == nil {
		// tolerate use without prior validation
		if err := o.compile(); err != nil {
			return false
		}
	}
	for _, re := range o.excludePatterns {
		if re.MatchString(repository) {
			return false
		}
	}
	if len(o.includePatterns) == 0 {
		return true
	}
	for _, re := range o.includePatterns {
		if re.MatchString(repository) {
			return true
		}
	}
	return false
}
