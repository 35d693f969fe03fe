// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// ErrNotFound is returned if a requested item is not cached.
var ErrNotFound = errors.New("not found")

// Cache describes a blob cache addressed by descriptor.
type Cache interface {
	// Get reads a cached blob. Returns ErrNotFound for uncached blobs.
	Get(desc ocispecv1.Descriptor) (io.ReadCloser, error)
	// Info returns file info of a cached blob. Returns ErrNotFound for uncached blobs.
	Info(desc ocispecv1.Descriptor) (os.FileInfo, error)
	// Add caches the content of the given reader under the descriptor's digest.
	Add(desc ocispecv1.Descriptor, reader io.ReadCloser) error
}

// Options holds the configurable parameters of a cache.
type Options struct {
	// BasePath is the os filesystem directory backing the cache.
	// A temporary directory is created if unset.
	BasePath string
	// InMemoryOverlay enables an additional in-memory layer on top of the
	// filesystem-backed cache.
	InMemoryOverlay bool
}

// Option modifies cache options.
type Option interface {
	ApplyOption(*Options)
}

// ApplyOptions applies all options to the given options object.
func (o *Options) ApplyOptions(opts []Option) *Options {
	for _, opt := range opts {
		if opt != nil {
			opt.ApplyOption(o)
		}
	}
	return o
}

// WithBasePath configures the os filesystem directory backing the cache.
type WithBasePath string

func (p WithBasePath) ApplyOption(opts *Options) {
	opts.BasePath = string(p)
}

// WithInMemoryOverlay enables or disables the in-memory overlay.
type WithInMemoryOverlay bool

func (w WithInMemoryOverlay) ApplyOption(opts *Options) {
	opts.InMemoryOverlay = bool(w)
}

type inMemoryCache struct {
	mux sync.RWMutex
	fs  vfs.FileSystem
}

// NewInMemoryCache creates a cache that only stores in memory.
func NewInMemoryCache() Cache {
	return &inMemoryCache{
		fs: memoryfs.New(),
	}
}

func (c *inMemoryCache) Info(desc ocispecv1.Descriptor) (os.FileInfo, error) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	info, err := c.fs.Stat(path(desc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return info, nil
}

func (c *inMemoryCache) Get(desc ocispecv1.Descriptor) (io.ReadCloser, error) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	file, err := c.fs.OpenFile(path(desc), os.O_RDONLY, os.ModePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (c *inMemoryCache) Add(desc ocispecv1.Descriptor, reader io.ReadCloser) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	defer reader.Close()

	file, err := c.fs.Create(path(desc))
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, reader)
	return err
}
