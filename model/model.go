// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"errors"
	"fmt"

	"github.com/ghodss/yaml"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// ErrConfigElementNotFound is returned when a named configuration element
// does not exist in the factory's backing document.
var ErrConfigElementNotFound = errors.New("config element not found")

// ConfigFactory provides typed access to the named configuration elements
// of a single configuration document.
type ConfigFactory struct {
	concourse          map[string]*ConcourseConfig
	jobMappingSets     map[string]*JobMappingSet
	webhookDispatchers map[string]*WebhookDispatcherConfig
	github             map[string]*GithubConfig
	email              map[string]*EmailConfig
}

// configDocument is the raw wire shape of a configuration document. The
// top-level keys group elements by type, the second-level keys name them.
type configDocument struct {
	Concourse          map[string]*ConcourseConfig         `json:"concourse"`
	JobMappings        map[string]*JobMappingSet           `json:"job_mapping"`
	WebhookDispatchers map[string]*WebhookDispatcherConfig `json:"webhook_dispatcher"`
	Github             map[string]*GithubConfig            `json:"github"`
	Email              map[string]*EmailConfig             `json:"email"`
}

// NewConfigFactory parses a configuration document.
func NewConfigFactory(data []byte) (*ConfigFactory, error) {
	doc := configDocument{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse config document: %w", err)
	}

	factory := &ConfigFactory{
		concourse:          doc.Concourse,
		jobMappingSets:     doc.JobMappings,
		webhookDispatchers: doc.WebhookDispatchers,
		github:             doc.Github,
		email:              doc.Email,
	}

	for name, cfg := range factory.concourse {
		cfg.Name = name
	}
	for name, set := range factory.jobMappingSets {
		set.Name = name
		for mappingName, mapping := range set.Mappings {
			mapping.Name = mappingName
		}
	}
	for name, cfg := range factory.webhookDispatchers {
		cfg.Name = name
	}
	for name, cfg := range factory.github {
		cfg.Name = name
	}
	for name, cfg := range factory.email {
		cfg.Name = name
	}

	for _, set := range factory.jobMappingSets {
		for _, mapping := range set.Mappings {
			if err := mapping.validate(); err != nil {
				return nil, fmt.Errorf("job mapping %q: %w", mapping.Name, err)
			}
		}
	}
	return factory, nil
}

// LoadConfigFactory reads a configuration document from a file.
func LoadConfigFactory(fs vfs.FileSystem, path string) (*ConfigFactory, error) {
	data, err := vfs.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config document %q: %w", path, err)
	}
	return NewConfigFactory(data)
}

// ConcourseConfig returns the concourse configuration with the given name.
func (f *ConfigFactory) ConcourseConfig(name string) (*ConcourseConfig, error) {
	if cfg, ok := f.concourse[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("concourse config %q: %w", name, ErrConfigElementNotFound)
}

// JobMappingSet returns the job mapping set with the given name.
func (f *ConfigFactory) JobMappingSet(name string) (*JobMappingSet, error) {
	if set, ok := f.jobMappingSets[name]; ok {
		return set, nil
	}
	return nil, fmt.Errorf("job mapping set %q: %w", name, ErrConfigElementNotFound)
}

// WebhookDispatcherConfig returns the webhook dispatcher configuration with
// the given name.
func (f *ConfigFactory) WebhookDispatcherConfig(name string) (*WebhookDispatcherConfig, error) {
	if cfg, ok := f.webhookDispatchers[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("webhook dispatcher config %q: %w", name, ErrConfigElementNotFound)
}

// GithubConfig returns the github configuration with the given name.
func (f *ConfigFactory) GithubConfig(name string) (*GithubConfig, error) {
	if cfg, ok := f.github[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("github config %q: %w", name, ErrConfigElementNotFound)
}

// GithubConfigForHostname returns the first github configuration matching
// the given repository hostname.
func (f *ConfigFactory) GithubConfigForHostname(hostname string) (*GithubConfig, error) {
	for _, cfg := range f.github {
		if cfg.MatchesHostname(hostname) {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("github config for hostname %q: %w", hostname, ErrConfigElementNotFound)
}

// EmailConfig returns the email configuration with the given name.
func (f *ConfigFactory) EmailConfig(name string) (*EmailConfig, error) {
	if cfg, ok := f.email[name]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("email config %q: %w", name, ErrConfigElementNotFound)
}
