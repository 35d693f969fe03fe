// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const perPage = 100

// restClient implements Client against the github REST API (v3). One
// instance serves all organisations of one github installation.
type restClient struct {
	log    logr.Logger
	apiURL string
	token  string
	client *http.Client
}

// NewRESTClient returns a host-scoped client for the github API at
// apiURL, authenticated with the given token. Requests are retried on
// transport errors and secondary rate limits. disableTLSValidation is
// meant for self-hosted instances with private CAs.
func NewRESTClient(log logr.Logger, apiURL, token string, disableTLSValidation bool) Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	if disableTLSValidation {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		rc.HTTPClient.Transport = transport
	}

	return &restClient{
		log:    log,
		apiURL: strings.TrimSuffix(apiURL, "/"),
		token:  token,
		client: rc.StandardClient(),
	}
}

func (c *restClient) url(elem ...string) string {
	escaped := make([]string, 0, len(elem)+1)
	escaped = append(escaped, c.apiURL)
	for _, e := range elem {
		escaped = append(escaped, url.PathEscape(e))
	}
	return strings.Join(escaped, "/")
}

// doRequest issues an authenticated request. A 404 (and github's 403 for
// membership probes of non-members) is mapped onto ErrNotFound.
func (c *restClient) doRequest(
	ctx context.Context,
	method, rawURL string,
	body []byte,
	accept string,
	expectedStatus ...int,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	for _, status := range expectedStatus {
		if resp.StatusCode == status {
			return resp, nil
		}
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrNotFound)
	}
	return nil, fmt.Errorf(
		"unexpected response from %s: %d - %s", rawURL, resp.StatusCode, string(respBody),
	)
}

func (c *restClient) getJSON(ctx context.Context, rawURL string, into interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, rawURL, nil, "", http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("unable to parse response of %s: %w", rawURL, err)
	}
	return nil
}

// paged fetches all pages of a list endpoint. fetch parses one page and
// returns the number of items it contained.
func (c *restClient) paged(ctx context.Context, rawURL string, fetch func(pageURL string) (int, error)) error {
	for page := 1; ; page++ {
		pageURL := fmt.Sprintf("%s?per_page=%d&page=%d", rawURL, perPage, page)
		count, err := fetch(pageURL)
		if err != nil {
			return err
		}
		if count < perPage {
			return nil
		}
	}
}

type repositoryPayload struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Archived      bool   `json:"archived"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (p repositoryPayload) repository() Repository {
	return Repository{
		Owner:         p.Owner.Login,
		Name:          p.Name,
		DefaultBranch: p.DefaultBranch,
		Archived:      p.Archived,
	}
}

func (c *restClient) Repository(ctx context.Context, owner, name string) (*Repository, error) {
	payload := repositoryPayload{}
	if err := c.getJSON(ctx, c.url("repos", owner, name), &payload); err != nil {
		return nil, err
	}
	repo := payload.repository()
	return &repo, nil
}

func (c *restClient) Repositories(ctx context.Context, org string) ([]Repository, error) {
	repos := make([]Repository, 0)
	err := c.paged(ctx, c.url("orgs", org, "repos"), func(pageURL string) (int, error) {
		page := []repositoryPayload{}
		if err := c.getJSON(ctx, pageURL, &page); err != nil {
			return 0, err
		}
		for _, payload := range page {
			repos = append(repos, payload.repository())
		}
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

func (c *restClient) Branches(ctx context.Context, owner, name string) ([]string, error) {
	branches := make([]string, 0)
	err := c.paged(ctx, c.url("repos", owner, name, "branches"), func(pageURL string) (int, error) {
		page := []struct {
			Name string `json:"name"`
		}{}
		if err := c.getJSON(ctx, pageURL, &page); err != nil {
			return 0, err
		}
		for _, branch := range page {
			branches = append(branches, branch.Name)
		}
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

func (c *restClient) FileContents(ctx context.Context, owner, name, path, ref string) ([]byte, error) {
	contentsURL := c.apiURL + "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) +
		"/contents/" + path
	if ref != "" {
		contentsURL += "?ref=" + url.QueryEscape(ref)
	}
	resp, err := c.doRequest(
		ctx, http.MethodGet, contentsURL, nil, "application/vnd.github.raw", http.StatusOK,
	)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *restClient) BranchHeadCommit(ctx context.Context, owner, name, branch string) (*Commit, error) {
	payload := struct {
		Commit struct {
			SHA    string `json:"sha"`
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Committer struct {
				Login string `json:"login"`
			} `json:"committer"`
		} `json:"commit"`
	}{}
	if err := c.getJSON(ctx, c.url("repos", owner, name, "branches", branch), &payload); err != nil {
		return nil, err
	}
	return &Commit{
		SHA:            payload.Commit.SHA,
		AuthorLogin:    payload.Commit.Author.Login,
		CommitterLogin: payload.Commit.Committer.Login,
	}, nil
}

type userPayload struct {
	Login string `json:"login"`
	Email string `json:"email"`
}

func (c *restClient) User(ctx context.Context, login string) (*User, error) {
	payload := userPayload{}
	if err := c.getJSON(ctx, c.url("users", login), &payload); err != nil {
		return nil, err
	}
	return &User{Login: payload.Login, Email: payload.Email}, nil
}

func (c *restClient) IsOrgMember(ctx context.Context, org, login string) (bool, error) {
	resp, err := c.doRequest(
		ctx, http.MethodGet, c.url("orgs", org, "members", login), nil, "",
		http.StatusNoContent,
	)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

func (c *restClient) IsTeamMember(ctx context.Context, org, team, login string) (bool, error) {
	payload := struct {
		State string `json:"state"`
	}{}
	err := c.getJSON(ctx, c.url("orgs", org, "teams", team, "memberships", login), &payload)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return payload.State == "active", nil
}

func (c *restClient) members(ctx context.Context, rawURL string) ([]User, error) {
	users := make([]User, 0)
	err := c.paged(ctx, rawURL, func(pageURL string) (int, error) {
		page := []userPayload{}
		if err := c.getJSON(ctx, pageURL, &page); err != nil {
			return 0, err
		}
		for _, payload := range page {
			users = append(users, User{Login: payload.Login, Email: payload.Email})
		}
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (c *restClient) TeamMembers(ctx context.Context, org, team string) ([]User, error) {
	return c.members(ctx, c.url("orgs", org, "teams", team, "members"))
}

func (c *restClient) OrgMembers(ctx context.Context, org string) ([]User, error) {
	return c.members(ctx, c.url("orgs", org, "members"))
}

func (c *restClient) PullRequestFiles(
	ctx context.Context,
	owner, name string,
	number int,
) ([]PullRequestFile, error) {
	files := make([]PullRequestFile, 0)
	listURL := c.url("repos", owner, name, "pulls", strconv.Itoa(number), "files")
	err := c.paged(ctx, listURL, func(pageURL string) (int, error) {
		page := []struct {
			Filename string `json:"filename"`
		}{}
		if err := c.getJSON(ctx, pageURL, &page); err != nil {
			return 0, err
		}
		for _, file := range page {
			files = append(files, PullRequestFile{Filename: file.Filename})
		}
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c *restClient) PullRequestLabels(
	ctx context.Context,
	owner, name string,
	number int,
) ([]string, error) {
	labels := []struct {
		Name string `json:"name"`
	}{}
	listURL := c.url("repos", owner, name, "issues", strconv.Itoa(number), "labels")
	if err := c.getJSON(ctx, listURL, &labels); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.Name)
	}
	return names, nil
}

func (c *restClient) AddLabelsToPullRequest(
	ctx context.Context,
	owner, name string,
	number int,
	labels ...string,
) error {
	body, err := json.Marshal(map[string][]string{"labels": labels})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(
		ctx, http.MethodPost,
		c.url("repos", owner, name, "issues", strconv.Itoa(number), "labels"),
		body, "", http.StatusOK,
	)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *restClient) RemoveLabelFromPullRequest(
	ctx context.Context,
	owner, name string,
	number int,
	label string,
) error {
	resp, err := c.doRequest(
		ctx, http.MethodDelete,
		c.url("repos", owner, name, "issues", strconv.Itoa(number), "labels", label),
		nil, "", http.StatusOK, http.StatusNoContent,
	)
	if err != nil {
		// removing a label that is already gone is not an error
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *restClient) CreateComment(
	ctx context.Context,
	owner, name string,
	number int,
	body string,
) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(
		ctx, http.MethodPost,
		c.url("repos", owner, name, "issues", strconv.Itoa(number), "comments"),
		payload, "", http.StatusCreated,
	)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
