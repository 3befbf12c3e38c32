// Package ghub is a small GitHub REST client: create/merge pull requests
// and delete branches, idempotent on "PR already exists".
package ghub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the GitHub REST API root.
const DefaultBaseURL = "https://api.github.com"

const maxResponseSize = 4 * 1024 * 1024

// PullRequest is the subset of PR data the workflow consumes.
type PullRequest struct {
	Number  int    `json:"number"`
	URL     string `json:"html_url"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HeadSHA string `json:"-"`
	Head    struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// Client talks to the GitHub REST API with a token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root, for tests and GitHub Enterprise.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a GitHub client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is a decoded GitHub error body.
type apiError struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("github api request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read github response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Message
		for _, e := range apiErr.Errors {
			msg += "; " + e.Message
		}
		return resp.StatusCode, fmt.Errorf("github api status %d: %s", resp.StatusCode, msg)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode github response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// CreatePR opens a pull request. If a PR for the same head already exists,
// the existing PR is returned instead of an error.
func (c *Client) CreatePR(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	var pr PullRequest
	status, err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/pulls", map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}, &pr)
	if err == nil {
		pr.HeadSHA = pr.Head.SHA
		c.logger.Info("Pull request created", "repo", repo, "number", pr.Number)
		return &pr, nil
	}

	// 422 "A pull request already exists" — look it up and reuse it.
	if status == http.StatusUnprocessableEntity {
		existing, findErr := c.findPRByHead(ctx, repo, head)
		if findErr == nil && existing != nil {
			c.logger.Info("Reusing existing pull request", "repo", repo, "number", existing.Number)
			return existing, nil
		}
	}
	return nil, fmt.Errorf("create pr for %s: %w", repo, err)
}

func (c *Client) findPRByHead(ctx context.Context, repo, head string) (*PullRequest, error) {
	owner := repo
	if i := strings.IndexByte(repo, '/'); i > 0 {
		owner = repo[:i]
	}

	var prs []PullRequest
	_, err := c.do(ctx, http.MethodGet,
		"/repos/"+repo+"/pulls?state=open&head="+owner+":"+head, nil, &prs)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no open pr with head %s", head)
	}

	pr := prs[0]
	pr.HeadSHA = pr.Head.SHA
	return &pr, nil
}

// MergeResult is the outcome of a merge call.
type MergeResult struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

// MergePR merges a pull request and returns the merge commit hash.
func (c *Client) MergePR(ctx context.Context, repo string, number int, method, message string) (string, error) {
	if method == "" {
		method = "merge"
	}

	var result MergeResult
	_, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number),
		map[string]string{
			"merge_method":   method,
			"commit_message": message,
		}, &result)
	if err != nil {
		return "", fmt.Errorf("merge pr #%d in %s: %w", number, repo, err)
	}
	if !result.Merged {
		return "", fmt.Errorf("merge pr #%d in %s: %s", number, repo, result.Message)
	}

	c.logger.Info("Pull request merged", "repo", repo, "number", number, "sha", result.SHA)
	return result.SHA, nil
}

// DeleteBranch removes a branch ref. A 422 (already deleted) is not an error.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	status, err := c.do(ctx, http.MethodDelete,
		"/repos/"+repo+"/git/refs/heads/"+branch, nil, nil)
	if err != nil {
		if status == http.StatusUnprocessableEntity || status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete branch %s in %s: %w", branch, repo, err)
	}
	return nil
}
