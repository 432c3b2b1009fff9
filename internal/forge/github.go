package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize caps response bodies; index documents are small
	// but GitHub can return large error pages.
	maxResponseSize = 50 * 1024 * 1024

	// requestRetryCeiling bounds the retry window for a single API call.
	requestRetryCeiling = 2 * time.Minute
)

// GitHubClient implements ContentClient against the GitHub REST API.
// Tokens are supplied per call because installation tokens are scoped
// per repository.
type GitHubClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ ContentClient = (*GitHubClient)(nil)

// NewGitHubClient creates a client against the public GitHub API.
func NewGitHubClient() *GitHubClient {
	return &GitHubClient{
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithBaseURL returns a client pointed at a custom base URL (httptest
// servers, GitHub Enterprise).
func (c *GitHubClient) WithBaseURL(baseURL string) *GitHubClient {
	return &GitHubClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: c.HTTPClient,
	}
}

type ghRepo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type ghBranch struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type ghContent struct {
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// GetRepo fetches repository metadata and the head commit of the
// default branch.
func (c *GitHubClient) GetRepo(ctx context.Context, token, fullName string) (*RepoInfo, error) {
	var repo ghRepo
	if err := c.getJSON(ctx, token, "/repos/"+fullName, &repo); err != nil {
		return nil, err
	}

	var branch ghBranch
	if err := c.getJSON(ctx, token, "/repos/"+fullName+"/branches/"+repo.DefaultBranch, &branch); err != nil {
		return nil, err
	}

	return &RepoInfo{
		FullName:      repo.FullName,
		DefaultBranch: repo.DefaultBranch,
		HeadSHA:       branch.Commit.SHA,
	}, nil
}

// GetFile fetches a file's content and blob SHA via the contents API.
func (c *GitHubClient) GetFile(ctx context.Context, token, fullName, path, ref string) (*IndexFile, error) {
	url := "/repos/" + fullName + "/contents/" + strings.TrimPrefix(path, "/")
	if ref != "" {
		url += "?ref=" + ref
	}

	var content ghContent
	if err := c.getJSON(ctx, token, url, &content); err != nil {
		return nil, err
	}

	var data []byte
	switch content.Encoding {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("decoding %s content: %w", path, err)
		}
		data = decoded
	case "", "none":
		data = []byte(content.Content)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q for %s", content.Encoding, path)
	}

	return &IndexFile{Content: data, SHA: content.SHA}, nil
}

// getJSON performs an authenticated GET with retry. Rate limits and
// 5xx responses are retried with exponential backoff; other API errors
// stop immediately.
func (c *GitHubClient) getJSON(ctx context.Context, token, path string, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = requestRetryCeiling

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
		case resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
			return fmt.Errorf("rate limited: %s", path)
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error %d: %s", resp.StatusCode, path)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("API error %d for %s: %s", resp.StatusCode, path, truncate(body, 200)))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s response: %w", path, err))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
