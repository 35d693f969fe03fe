// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"net/url"
	"strings"
)

// GithubConfig describes one github instance and the technical users
// available for it.
type GithubConfig struct {
	Name string `json:"-"`
	// HTTPURL is the browsable base url, e.g. https://github.com.
	HTTPURL string `json:"httpUrl"`
	// APIURL is the REST API base url.
	APIURL string `json:"apiUrl"`
	// SSHURL is the git-over-ssh url.
	SSHURL string `json:"sshUrl"`
	// DisableTLSValidation skips certificate checks for self-hosted
	// instances with private CAs.
	DisableTLSValidation bool `json:"disable_tls_validation"`
	// TechnicalUsers lists the credentials available for this instance.
	TechnicalUsers []BasicCredentials `json:"technical_users"`
}

// BasicCredentials are username/token credentials of a technical user.
type BasicCredentials struct {
	Username     string `json:"username"`
	AuthToken    string `json:"auth_token"`
	EmailAddress string `json:"email_address"`
}

// Hostname returns the hostname of the instance's http url.
func (c *GithubConfig) Hostname() string {
	u, err := url.Parse(c.HTTPURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MatchesHostname reports whether the given repository hostname belongs to
// this instance.
func (c *GithubConfig) MatchesHostname(hostname string) bool {
	return strings.EqualFold(hostname, c.Hostname())
}

// MatchesAPIURL reports whether the given API url belongs to this instance.
func (c *GithubConfig) MatchesAPIURL(apiURL string) bool {
	return apiURL == c.APIURL
}

// Credentials returns a technical user's credentials. If name is empty, the
// first configured user is returned.
func (c *GithubConfig) Credentials(name string) (BasicCredentials, error) {
	if len(c.TechnicalUsers) == 0 {
		return BasicCredentials{}, fmt.Errorf(
			"technical users for github config %q: %w", c.Name, ErrConfigElementNotFound,
		)
	}
	if name == "" {
		return c.TechnicalUsers[0], nil
	}
	for _, creds := range c.TechnicalUsers {
		if creds.Username == name {
			return creds, nil
		}
	}
	return BasicCredentials{}, fmt.Errorf(
		"technical user %q for github config %q: %w", name, c.Name, ErrConfigElementNotFound,
	)
}

// EmailConfig describes the SMTP relay used for failure notifications.
type EmailConfig struct {
	Name string `json:"-"`
	// Host and Port locate the SMTP server.
	Host string `json:"host"`
	Port int    `json:"port"`
	// Credentials authenticate against the relay; may be empty for open
	// relays.
	Credentials TeamCredentials `json:"credentials"`
	// UseTLS enables STARTTLS.
	UseTLS bool `json:"use_tls"`
	// SenderName is the from-address used for notifications.
	SenderName string `json:"sender_name"`
}

// Address returns host:port.
func (c *EmailConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookDispatcherConfig names the concourse installations the dispatcher
// serves.
type WebhookDispatcherConfig struct {
	Name string `json:"-"`
	// ConcourseConfigNames references the concourse configs whose job
	// mappings are consulted when dispatching events.
	ConcourseConfigNames []string `json:"concourse_cfgs"`
}
