// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package ociclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	distributionspecv1 "github.com/opencontainers/distribution-spec/specs-go/v1"
	"github.com/opencontainers/go-digest"
	ocispecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ccwienk-org/cc-utils/oci"
	"github.com/ccwienk-org/cc-utils/ociclient/cache"
	"github.com/ccwienk-org/cc-utils/ociclient/credentials"
)

type client struct {
	log            logr.Logger
	cache          cache.Cache
	keyring        credentials.Keyring
	httpClient     *http.Client
	transport      http.RoundTripper
	allowPlainHttp bool
}

var _ oci.Client = &client{}

// NewClient creates a new OCI Client.
func NewClient(log logr.Logger, opts ...Option) (oci.Client, error) {
	options := &Options{}
	options.ApplyOptions(opts)

	if options.Keyring == nil {
		keyring, err := credentials.NewBuilder(log.WithName("ociKeyring")).
			FromConfigFiles(options.Paths...).
			Build()
		if err != nil {
			return nil, err
		}
		options.Keyring = keyring
	}

	if options.Cache == nil && options.CacheConfig != nil {
		cacheOpts := make([]cache.Option, 0)
		if len(options.CacheConfig.BasePath) != 0 {
			cacheOpts = append(cacheOpts, cache.WithBasePath(options.CacheConfig.BasePath))
		}
		cacheOpts = append(cacheOpts, cache.WithInMemoryOverlay(options.CacheConfig.InMemoryOverlay))
		c, err := cache.NewCache(log, cacheOpts...)
		if err != nil {
			return nil, err
		}
		options.Cache = c
	}

	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	trp := options.HTTPClient.Transport
	if trp == nil {
		trp = http.DefaultTransport
	}

	return &client{
		log:            log,
		keyring:        options.Keyring,
		allowPlainHttp: options.AllowPlainHttp,
		httpClient:     options.HTTPClient,
		transport:      trp,
		cache:          options.Cache,
	}, nil
}

func (c *client) ManifestRaw(ctx context.Context, ref string, accept string) ([]byte, string, error) {
	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PullScope)
	if err != nil {
		return nil, "", err
	}

	u := c.routeURL(repo, "manifests", manifestReference(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	if len(accept) != 0 {
		req.Header.Set("Accept", accept)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("unable to get %q: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("%q: %w", ref, oci.ErrManifestNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", registryError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("unable to read response body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *client) PutManifest(ctx context.Context, ref string, mediaType string, data []byte) error {
	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PushScope)
	if err != nil {
		return err
	}

	u := c.routeURL(repo, "manifests", manifestReference(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(data))

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to put %q: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return registryError(resp)
	}
	return nil
}

func (c *client) Blob(ctx context.Context, ref string, dgst string) (io.ReadCloser, int64, error) {
	desc := ocispecv1.Descriptor{Digest: digest.Digest(dgst)}

	if c.cache != nil {
		info, err := c.cache.Info(desc)
		if err != nil && err != cache.ErrNotFound {
			return nil, 0, err
		}
		if err == nil {
			reader, err := c.cache.Get(desc)
			if err == nil {
				return reader, info.Size(), nil
			}
		}
	}

	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PullScope)
	if err != nil {
		return nil, 0, err
	}

	u := c.routeURL(repo, "blobs", dgst)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("unable to get %q: %w", u, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s in %q: %w", dgst, ref, oci.ErrBlobNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, 0, registryError(resp)
	}

	size := resp.ContentLength

	// try to cache
	if c.cache != nil {
		if err := c.cache.Add(desc, resp.Body); err != nil {
			// the body is already consumed at this point, the blob has to be re-fetched
			return nil, 0, fmt.Errorf("unable to cache blob %s: %w", dgst, err)
		}
		reader, err := c.cache.Get(desc)
		if err != nil {
			return nil, 0, err
		}
		return reader, size, nil
	}

	return resp.Body, size, nil
}

func (c *client) HeadBlob(ctx context.Context, ref string, dgst string) (bool, error) {
	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PullScope)
	if err != nil {
		return false, err
	}

	u := c.routeURL(repo, "blobs", dgst)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("unable to head %q: %w", u, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, registryError(resp)
	}
}

func (c *client) PutBlob(ctx context.Context, ref string, dgst string, size int64, data io.Reader) error {
	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PushScope)
	if err != nil {
		return err
	}

	// initiate a new upload session
	u := c.routeURL(repo, "blobs", "uploads") + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unable to initiate blob upload for %q: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		// some registries short-circuit if the blob already exists
		return nil
	}
	if resp.StatusCode != http.StatusAccepted {
		return registryError(resp)
	}

	location, err := resp.Location()
	if err != nil {
		return fmt.Errorf("missing upload location for %q: %w", ref, err)
	}
	query := location.Query()
	query.Set("digest", dgst)
	location.RawQuery = query.Encode()

	uploadReq, err := http.NewRequestWithContext(ctx, http.MethodPut, location.String(), data)
	if err != nil {
		return err
	}
	uploadReq.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		uploadReq.ContentLength = size
		uploadReq.Header.Set("Content-Length", strconv.FormatInt(size, 10))
	}

	uploadResp, err := httpClient.Do(uploadReq)
	if err != nil {
		return fmt.Errorf("unable to upload blob %s to %q: %w", dgst, ref, err)
	}
	defer uploadResp.Body.Close()

	if uploadResp.StatusCode != http.StatusCreated && uploadResp.StatusCode != http.StatusNoContent {
		return registryError(uploadResp)
	}
	return nil
}

// Tags lists all tags for a given ref.
// Implements the distribution spec defined in https://github.com/opencontainers/distribution-spec/blob/main/spec.md#api.
func (c *client) Tags(ctx context.Context, ref string) ([]string, error) {
	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PullScope)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.routeURL(repo, "tags", "list"))
	if err != nil {
		return nil, err
	}
	// ECR returns an error if n > 1000:
	// https://github.com/google/go-containerregistry/issues/681
	u.RawQuery = "n=1000"

	var tags []string
	err = doRequestWithPaging(ctx, u, func(ctx context.Context, u *url.URL) (*http.Response, error) {
		resp, err := c.doRequest(ctx, httpClient, u)
		if err != nil {
			return nil, err
		}

		var data bytes.Buffer
		if _, err := io.Copy(&data, resp.Body); err != nil {
			return nil, fmt.Errorf("unable to read response body: %w", err)
		}
		if err := resp.Body.Close(); err != nil {
			return nil, fmt.Errorf("unable to close body reader: %w", err)
		}

		tagList := &distributionspecv1.TagList{}
		if err := json.Unmarshal(data.Bytes(), tagList); err != nil {
			return nil, fmt.Errorf("unable to decode tagList list: %w", err)
		}
		tags = append(tags, tagList.Tags...)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (c *client) ToDigestHash(ctx context.Context, ref string) (string, error) {
	imageRef := oci.ParseImageRef(ref)
	if imageRef.HasDigestTag() {
		return ref, nil
	}

	repo, httpClient, err := c.repositoryClient(ctx, ref, transport.PullScope)
	if err != nil {
		return "", err
	}

	u := c.routeURL(repo, "manifests", manifestReference(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", oci.AcceptPreferMultiarch)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to head %q: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%q: %w", ref, oci.ErrManifestNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", registryError(resp)
	}

	dgst := resp.Header.Get("Docker-Content-Digest")
	if len(dgst) == 0 {
		// registries are not required to return the digest header on HEAD
		data, _, err := c.ManifestRaw(ctx, ref, oci.AcceptPreferMultiarch)
		if err != nil {
			return "", err
		}
		dgst = digest.FromBytes(data).String()
	}
	return imageRef.WithDigest(dgst).String(), nil
}

// repositoryClient returns the parsed repository and an http client
// authenticated for it with the requested scopes.
func (c *client) repositoryClient(ctx context.Context, ref string, scopes ...string) (name.Repository, *http.Client, error) {
	parseOpts := []name.Option{}
	if c.allowPlainHttp {
		parseOpts = append(parseOpts, name.Insecure)
	}
	repo, err := name.ParseReference(oci.ParseImageRef(ref).RefWithoutTag(), parseOpts...)
	if err != nil {
		return name.Repository{}, nil, fmt.Errorf("unable to parse ref: %w", err)
	}

	auth, err := c.keyring.Resolve(repo.Context())
	if err != nil {
		return name.Repository{}, nil, fmt.Errorf("unable to get authentication: %w", err)
	}

	for i, scope := range scopes {
		scopes[i] = repo.Scope(scope)
	}
	trp, err := transport.NewWithContext(ctx, repo.Context().Registry, auth, c.transport, scopes)
	if err != nil {
		return name.Repository{}, nil, fmt.Errorf("unable to create transport: %w", err)
	}

	httpClient := &http.Client{
		Transport:     trp,
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
		Timeout:       c.httpClient.Timeout,
	}
	return repo.Context(), httpClient, nil
}

// routeURL builds a distribution api endpoint for the given repository.
func (c *client) routeURL(repo name.Repository, elem ...string) string {
	u := url.URL{
		Scheme: repo.Registry.Scheme(),
		Host:   repo.RegistryStr(),
		Path:   path.Join(append([]string{"/v2", repo.RepositoryStr()}, elem...)...),
	}
	return u.String()
}

// manifestReference returns the tag or digest part of an image reference
// for usage in the manifests route. Untagged references default to latest.
func manifestReference(ref string) string {
	imageRef := oci.ParseImageRef(ref)
	if tag := imageRef.Tag(); len(tag) != 0 {
		return tag
	}
	return "latest"
}

// doRequest does an authenticated request to the given oci registry
func (c *client) doRequest(ctx context.Context, httpClient *http.Client, url *url.URL) (*http.Response, error) {
	req := &http.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: make(http.Header),
	}
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("unable to get %q: %w", url.String(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, registryError(resp)
	}
	return resp, nil
}

// registryError decodes a distribution spec error response.
func registryError(resp *http.Response) error {
	var data bytes.Buffer
	if _, err := io.Copy(&data, resp.Body); err != nil {
		return fmt.Errorf("unable to read response body: %w", err)
	}

	errRes := &distributionspecv1.ErrorResponse{}
	if err := json.Unmarshal(data.Bytes(), errRes); err != nil {
		return fmt.Errorf("registry returned status code %d: %s", resp.StatusCode, data.String())
	}
	errMsg := ""
	for _, err := range errRes.Detail() {
		errMsg = errMsg + fmt.Sprintf("; Code: %q, Message: %q, Detail: %q", err.Code, err.Message, err.Detail)
	}
	return fmt.Errorf("registry call failed with status code %d: %v", resp.StatusCode, errMsg)
}

type pagingFunc func(ctx context.Context, url *url.URL) (*http.Response, error)

// doRequestWithPaging implements the oci spec paging for repositories and tags.
func doRequestWithPaging(ctx context.Context, u *url.URL, pFunc pagingFunc) error {
	nextUrl := u
	for {
		resp, err := pFunc(ctx, nextUrl)
		if err != nil {
			return err
		}

		// parse next url
		link := resp.Header.Get("Link")
		if len(link) == 0 {
			return nil
		}
		splitLink := strings.Split(link, ";")
		next := strings.NewReplacer(">", "", "<", "").Replace(splitLink[0])
		nextUrl, err = url.Parse(next)
		if err != nil {
			return fmt.Errorf("unable to parse next url %q: %w", next, err)
		}
	}
}
