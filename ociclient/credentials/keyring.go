// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	dockercreds "github.com/docker/cli/cli/config/credentials"
	dockerconfigtypes "github.com/docker/cli/cli/config/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Keyring retrieves credentials for oci registries.
// It also implements the go-containerregistry keychain contract so it can
// back an authenticated registry transport.
type Keyring interface {
	authn.Keychain
	// Get retrieves credentials from the keyring for a given resource url.
	Get(resourceURL string) (dockerconfigtypes.AuthConfig, bool)
}

// GeneralOciKeyring is a general implementation of an oci keyring that can
// be extended with other credentials.
type GeneralOciKeyring struct {
	// index is an additional index structure that also supports paths as keys
	index *IndexNode
	store map[string]dockerconfigtypes.AuthConfig
}

type IndexNode struct {
	Segment  string
	Address  string
	Children []*IndexNode
}

func (n *IndexNode) Set(path, address string) {
	splitPath := strings.Split(path, "/")
	if len(splitPath) == 0 || (len(splitPath) == 1 && len(splitPath[0]) == 0) {
		n.Address = address
		return
	}
	child := n.FindSegment(splitPath[0])
	if child == nil {
		child = &IndexNode{
			Segment: splitPath[0],
		}
		n.Children = append(n.Children, child)
	}
	child.Set(strings.Join(splitPath[1:], "/"), address)
}

func (n *IndexNode) FindSegment(segment string) *IndexNode {
	for _, child := range n.Children {
		if child.Segment == segment {
			return child
		}
	}
	return nil
}

func (n *IndexNode) Find(path string) (string, bool) {
	splitPath := strings.Split(path, "/")
	if len(splitPath) == 0 || (len(splitPath) == 1 && len(splitPath[0]) == 0) {
		return n.Address, true
	}
	child := n.FindSegment(splitPath[0])
	if child == nil {
		// returns the current address if no more specific auth config is defined
		return n.Address, true
	}
	return child.Find(strings.Join(splitPath[1:], "/"))
}

// New creates a new empty general oci keyring.
func New() *GeneralOciKeyring {
	return &GeneralOciKeyring{
		index: &IndexNode{},
		store: make(map[string]dockerconfigtypes.AuthConfig),
	}
}

var _ Keyring = &GeneralOciKeyring{}

// Size returns the size of the keyring
func (o *GeneralOciKeyring) Size() int {
	return len(o.store)
}

func (o *GeneralOciKeyring) Get(resourceURL string) (dockerconfigtypes.AuthConfig, bool) {
	if auth, ok := o.get(resourceURL); ok {
		return auth, true
	}
	// if the resource is not directly resolvable try to treat it as an image
	// reference; this canonicalizes dockerhub references to index.docker.io
	if ref, err := name.ParseReference(resourceURL); err == nil {
		if auth, ok := o.get(ref.Context().Name()); ok {
			return auth, true
		}
	}
	return dockerconfigtypes.AuthConfig{}, false
}

func (o *GeneralOciKeyring) get(resourceURL string) (dockerconfigtypes.AuthConfig, bool) {
	address, ok := o.index.Find(resourceURL)
	if !ok {
		return dockerconfigtypes.AuthConfig{}, false
	}
	if auth, ok := o.store[address]; ok {
		return auth, ok
	}
	return dockerconfigtypes.AuthConfig{}, false
}

// GetCredentials returns the username and password for a given url.
func (o *GeneralOciKeyring) GetCredentials(url string) (string, string, error) {
	auth, ok := o.Get(url)
	if !ok {
		return "", "", fmt.Errorf("authentication for %s cannot be found", url)
	}
	return auth.Username, auth.Password, nil
}

// Resolve implements the authn.Keychain interface.
// Anonymous access is returned for targets without matching credentials.
func (o *GeneralOciKeyring) Resolve(target authn.Resource) (authn.Authenticator, error) {
	auth, ok := o.Get(target.String())
	if !ok {
		return authn.Anonymous, nil
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		Auth:          auth.Auth,
		IdentityToken: auth.IdentityToken,
		RegistryToken: auth.RegistryToken,
	}), nil
}

// AddAuthConfig adds an auth config for an address
func (o *GeneralOciKeyring) AddAuthConfig(address string, auth dockerconfigtypes.AuthConfig) error {
	// normalize host name
	var err error
	address, err = normalizeHost(address)
	if err != nil {
		return err
	}
	// dockerhub credentials are commonly keyed by the legacy v1 endpoint
	if strings.HasPrefix(address, "index.docker.io") || strings.HasPrefix(address, "registry-1.docker.io") {
		address = "index.docker.io"
	}
	o.store[address] = auth
	o.index.Set(address, address)
	return nil
}

// Add adds all addresses of a docker credential store.
func (o *GeneralOciKeyring) Add(store dockercreds.Store) error {
	auths, err := store.GetAll()
	if err != nil {
		return err
	}
	for address, auth := range auths {
		if err := o.AddAuthConfig(address, auth); err != nil {
			return err
		}
	}
	return nil
}

func normalizeHost(u string) (string, error) {
	if !strings.Contains(u, "://") {
		u = "dummy://" + u
	}
	host, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	return path.Join(host.Host, host.Path), nil
}
