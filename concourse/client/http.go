// SPDX-FileCopyrightText: 2021 SAP SE or an SAP affiliate company and Gardener contributors.
//
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// skyTokenPath is concourse's dex token endpoint.
	skyTokenPath = "/sky/issuer/token"
	// flyClientID / flyClientSecret are the fixed oauth client credentials
	// the fly cli uses.
	flyClientID     = "fly"
	flyClientSecret = "Zmx5"

	configVersionHeader = "X-Concourse-Config-Version"
)

type httpClient struct {
	log logr.Logger

	externalURL string
	team        string
	username    string
	password    string

	client *http.Client

	tokenMu sync.Mutex
	token   string
}

// NewClient returns a team-scoped client for the concourse installation at
// externalURL. Requests are retried on transport errors and transient
// gateway failures; application-level errors (including the known
// save-race 500) are surfaced to the caller unretried.
func NewClient(log logr.Logger, externalURL, team, username, password string) Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true, nil
		}
		return false, nil
	}

	return &httpClient{
		log:         log,
		externalURL: strings.TrimSuffix(externalURL, "/"),
		team:        team,
		username:    username,
		password:    password,
		client:      rc.StandardClient(),
	}
}

func (c *httpClient) Team() string {
	return c.team
}

func (c *httpClient) login(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("scope", "openid profile email federated:id groups")

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.externalURL+skyTokenPath, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(flyClientID, flyClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to obtain token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: body, URL: req.URL.String()}
	}

	token := struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("unable to parse token response: %w", err)
	}
	c.token = token.AccessToken
	if c.token == "" {
		c.token = token.IDToken
	}
	if c.token == "" {
		return "", fmt.Errorf("token response contained no usable token")
	}
	return c.token, nil
}

func (c *httpClient) resetToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}

func (c *httpClient) teamURL(elem ...string) string {
	parts := append([]string{c.externalURL, "api", "v1", "teams", c.team}, elem...)
	return strings.Join(parts, "/")
}

func (c *httpClient) apiURL(elem ...string) string {
	parts := append([]string{c.externalURL, "api", "v1"}, elem...)
	return strings.Join(parts, "/")
}

// doRequest issues an authenticated request. A 401 triggers one token
// refresh and retry. A 404 is mapped onto ErrNotFound; every other
// unexpected status yields an HTTPError carrying the response body.
func (c *httpClient) doRequest(
	ctx context.Context,
	method, rawURL string,
	body []byte,
	header http.Header,
	expectedStatus ...int,
) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.login(ctx)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		for key, values := range header {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.resetToken()
			continue
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
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody, URL: rawURL}
	}
}

func (c *httpClient) doJSON(
	ctx context.Context,
	method, rawURL string,
	body []byte,
	into interface{},
	expectedStatus ...int,
) error {
	header := http.Header{}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	resp, err := c.doRequest(ctx, method, rawURL, body, header, expectedStatus...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if into == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("unable to parse response of %s: %w", rawURL, err)
	}
	return nil
}

func (c *httpClient) SetPipeline(
	ctx context.Context,
	pipelineName string,
	pipelineDefinition []byte,
) (SetPipelineResult, error) {
	configURL := c.teamURL("pipelines", pipelineName, "config")

	// fetch the current config version; a 404 means the pipeline does not
	// exist yet
	configVersion := ""
	exists := true
	resp, err := c.doRequest(ctx, http.MethodGet, configURL, nil, nil, http.StatusOK)
	if err != nil {
		if !IsNotFound(err) {
			return "", err
		}
		exists = false
	} else {
		configVersion = resp.Header.Get(configVersionHeader)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-yaml")
	if configVersion != "" {
		header.Set(configVersionHeader, configVersion)
	}
	resp, err = c.doRequest(
		ctx, http.MethodPut, configURL, pipelineDefinition, header,
		http.StatusOK, http.StatusCreated,
	)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !exists || resp.StatusCode == http.StatusCreated {
		return PipelineCreated, nil
	}
	return PipelineUpdated, nil
}

func (c *httpClient) UnpausePipeline(ctx context.Context, pipelineName string) error {
	return c.doJSON(
		ctx, http.MethodPut, c.teamURL("pipelines", pipelineName, "unpause"),
		nil, nil, http.StatusOK,
	)
}

func (c *httpClient) ExposePipeline(ctx context.Context, pipelineName string) error {
	return c.doJSON(
		ctx, http.MethodPut, c.teamURL("pipelines", pipelineName, "expose"),
		nil, nil, http.StatusOK,
	)
}

func (c *httpClient) Pipelines(ctx context.Context) ([]string, error) {
	pipelines := []struct {
		Name string `json:"name"`
	}{}
	if err := c.doJSON(ctx, http.MethodGet, c.teamURL("pipelines"), nil, &pipelines, http.StatusOK); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pipelines))
	for _, pipeline := range pipelines {
		names = append(names, pipeline.Name)
	}
	return names, nil
}

func (c *httpClient) DeletePipeline(ctx context.Context, pipelineName string) error {
	return c.doJSON(
		ctx, http.MethodDelete, c.teamURL("pipelines", pipelineName),
		nil, nil, http.StatusNoContent, http.StatusOK,
	)
}

func (c *httpClient) OrderPipelines(ctx context.Context, pipelineNames []string) error {
	body, err := json.Marshal(pipelineNames)
	if err != nil {
		return err
	}
	return c.doJSON(
		ctx, http.MethodPut, c.teamURL("pipelines", "ordering"),
		body, nil, http.StatusOK,
	)
}

func (c *httpClient) PipelineConfig(ctx context.Context, pipelineName string) (*PipelineConfig, error) {
	payload := struct {
		Config PipelineConfig `json:"config"`
	}{}
	err := c.doJSON(
		ctx, http.MethodGet, c.teamURL("pipelines", pipelineName, "config"),
		nil, &payload, http.StatusOK,
	)
	if err != nil {
		return nil, err
	}
	cfg := payload.Config
	cfg.PipelineName = pipelineName
	for i := range cfg.Resources {
		cfg.Resources[i].PipelineName = pipelineName
	}
	return &cfg, nil
}

func (c *httpClient) PipelineResources(
	ctx context.Context,
	pipelineNames []string,
	resourceType ResourceType,
) ([]PipelineConfigResource, error) {
	resources := make([]PipelineConfigResource, 0)
	for _, pipelineName := range pipelineNames {
		cfg, err := c.PipelineConfig(ctx, pipelineName)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}

		failing, err := c.failingResources(ctx, pipelineName)
		if err != nil {
			return nil, err
		}

		for _, resource := range cfg.Resources {
			if resourceType != "" && resource.Type != resourceType {
				continue
			}
			resource.FailingToCheck = failing[resource.Name]
			resources = append(resources, resource)
		}
	}
	return resources, nil
}

func (c *httpClient) failingResources(ctx context.Context, pipelineName string) (map[string]bool, error) {
	listed := []struct {
		Name           string `json:"name"`
		FailingToCheck bool   `json:"failing_to_check"`
	}{}
	err := c.doJSON(
		ctx, http.MethodGet, c.teamURL("pipelines", pipelineName, "resources"),
		nil, &listed, http.StatusOK,
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	failing := make(map[string]bool, len(listed))
	for _, resource := range listed {
		failing[resource.Name] = resource.FailingToCheck
	}
	return failing, nil
}

func (c *httpClient) TriggerResourceCheck(ctx context.Context, pipelineName, resourceName string) error {
	return c.doJSON(
		ctx, http.MethodPost,
		c.teamURL("pipelines", pipelineName, "resources", resourceName, "check"),
		[]byte(`{}`), nil, http.StatusOK, http.StatusCreated,
	)
}

func (c *httpClient) ResourceVersions(
	ctx context.Context,
	pipelineName, resourceName string,
) ([]ResourceVersion, error) {
	versions := []ResourceVersion{}
	err := c.doJSON(
		ctx, http.MethodGet,
		c.teamURL("pipelines", pipelineName, "resources", resourceName, "versions"),
		nil, &versions, http.StatusOK,
	)
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (c *httpClient) PinResourceVersion(
	ctx context.Context,
	pipelineName, resourceName string,
	versionID int,
) error {
	return c.doJSON(
		ctx, http.MethodPut,
		c.teamURL(
			"pipelines", pipelineName, "resources", resourceName,
			"versions", strconv.Itoa(versionID), "pin",
		),
		nil, nil, http.StatusOK,
	)
}

func (c *httpClient) UnpinResource(ctx context.Context, pipelineName, resourceName string) error {
	return c.doJSON(
		ctx, http.MethodPut,
		c.teamURL("pipelines", pipelineName, "resources", resourceName, "unpin"),
		nil, nil, http.StatusOK,
	)
}

func (c *httpClient) JobBuilds(ctx context.Context, pipelineName, jobName string) ([]Build, error) {
	builds := []Build{}
	err := c.doJSON(
		ctx, http.MethodGet,
		c.teamURL("pipelines", pipelineName, "jobs", jobName, "builds"),
		nil, &builds, http.StatusOK,
	)
	if err != nil {
		return nil, err
	}
	return builds, nil
}

func (c *httpClient) TriggerJob(ctx context.Context, pipelineName, jobName string) error {
	return c.doJSON(
		ctx, http.MethodPost,
		c.teamURL("pipelines", pipelineName, "jobs", jobName, "builds"),
		nil, nil, http.StatusOK, http.StatusCreated,
	)
}

func (c *httpClient) BuildPlan(ctx context.Context, buildID int) (BuildPlan, error) {
	resp, err := c.doRequest(
		ctx, http.MethodGet, c.apiURL("builds", strconv.Itoa(buildID), "plan"),
		nil, nil, http.StatusOK,
	)
	if err != nil {
		return BuildPlan{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return BuildPlan{}, fmt.Errorf("unable to read build plan: %w", err)
	}
	return BuildPlan{Raw: raw}, nil
}

func (c *httpClient) AbortBuild(ctx context.Context, buildID int) error {
	return c.doJSON(
		ctx, http.MethodPut, c.apiURL("builds", strconv.Itoa(buildID), "abort"),
		nil, nil, http.StatusOK, http.StatusNoContent,
	)
}
