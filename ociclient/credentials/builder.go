// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"bytes"
	"os"

	dockerconfig "github.com/docker/cli/cli/config"
	"github.com/go-logr/logr"
)

// KeyringBuilder is a builder to create an oci keyring based on docker
// config files.
type KeyringBuilder struct {
	log                  logr.Logger
	configFiles          []string
	disableDefaultConfig bool
}

// NewBuilder creates a new keyring builder.
func NewBuilder(log logr.Logger) *KeyringBuilder {
	return &KeyringBuilder{
		log: log,
	}
}

// FromConfigFiles adds docker config files as credential sources.
func (b *KeyringBuilder) FromConfigFiles(files ...string) *KeyringBuilder {
	b.configFiles = append(b.configFiles, files...)
	return b
}

// DisableDefaultConfig disables the fallback to the default docker config file.
func (b *KeyringBuilder) DisableDefaultConfig() *KeyringBuilder {
	b.disableDefaultConfig = true
	return b
}

// Build creates the keyring from all configured sources.
func (b *KeyringBuilder) Build() (*GeneralOciKeyring, error) {
	store := New()

	for _, configFile := range b.configFiles {
		dockerConfigBytes, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}

		dockerConfig, err := dockerconfig.LoadFromReader(bytes.NewBuffer(dockerConfigBytes))
		if err != nil {
			return nil, err
		}

		// currently only support the default credential store.
		credStore := dockerConfig.GetCredentialsStore("")
		if err := store.Add(credStore); err != nil {
			return nil, err
		}
	}

	if len(b.configFiles) == 0 && !b.disableDefaultConfig {
		dockerConfig, err := dockerconfig.Load(dockerconfig.Dir())
		if err != nil {
			b.log.V(5).Info("unable to load default docker config", "error", err.Error())
			return store, nil
		}
		credStore := dockerConfig.GetCredentialsStore("")
		if err := store.Add(credStore); err != nil {
			return nil, err
		}
	}

	return store, nil
}
