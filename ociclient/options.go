// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package ociclient

import (
	"net/http"

	"github.com/ccwienk-org/cc-utils/ociclient/cache"
	"github.com/ccwienk-org/cc-utils/ociclient/credentials"
)

// Options contains all client options to configure the oci client.
type Options struct {
	// Paths are docker config file paths the keyring is built from.
	Paths []string
	// AllowPlainHttp allows the fallback to http if the registry does not support https
	AllowPlainHttp bool
	// Keyring sets the used keyring.
	// A default keyring with the docker configuration is created if not specified.
	Keyring credentials.Keyring
	// CacheConfig contains the cache configuration.
	// The cache is only used for blob reads.
	CacheConfig *CacheConfig
	// Cache sets the cache for the client. Takes precedence over CacheConfig.
	Cache cache.Cache
	// HTTPClient sets the default http client.
	HTTPClient *http.Client
}

// CacheConfig contains the configuration for the cache of an oci client.
type CacheConfig struct {
	// BasePath is the os filesystem directory backing the cache.
	BasePath string
	// InMemoryOverlay enables an additional in-memory cache layer.
	InMemoryOverlay bool
}

// Option is the interface to specify different client options
type Option interface {
	ApplyOption(options *Options)
}

// ApplyOptions applies the given options to the options object.
func (o *Options) ApplyOptions(opts []Option) *Options {
	for _, opt := range opts {
		if opt != nil {
			opt.ApplyOption(o)
		}
	}
	return o
}

// WithCache configures a cache for the oci client
type WithCache struct {
	cache.Cache
}

func (c WithCache) ApplyOption(options *Options) {
	options.Cache = c.Cache
}

// WithCacheConfig configures the client-managed cache.
type WithCacheConfig CacheConfig

func (c WithCacheConfig) ApplyOption(options *Options) {
	cfg := CacheConfig(c)
	options.CacheConfig = &cfg
}

// WithKeyring sets the keyring used by the client.
type WithKeyring struct {
	credentials.Keyring
}

func (c WithKeyring) ApplyOption(options *Options) {
	options.Keyring = c.Keyring
}

// WithConfigFiles adds docker config files the default keyring is built from.
type WithConfigFiles []string

func (c WithConfigFiles) ApplyOption(options *Options) {
	options.Paths = append(options.Paths, c...)
}

// AllowPlainHttp sets whether the client may fall back to http.
type AllowPlainHttp bool

func (c AllowPlainHttp) ApplyOption(options *Options) {
	options.AllowPlainHttp = bool(c)
}

// WithHTTPClient configures the http client.
type WithHTTPClient http.Client

func (c WithHTTPClient) ApplyOption(options *Options) {
	client := http.Client(c)
	options.HTTPClient = &client
}
