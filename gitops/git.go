// Package gitops wraps the git CLI for workspace provisioning and branch
// pushes. All operations run against a per-run working directory.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Client executes git commands in run workspaces.
type Client struct {
	logger *slog.Logger

	// AuthorName and AuthorEmail identify the automated commits.
	AuthorName  string
	AuthorEmail string
}

// NewClient creates a git client.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:      logger,
		AuthorName:  "taskpilot",
		AuthorEmail: "taskpilot@vydata.dev",
	}
}

// run executes one git command, returning combined output.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	c.logger.Debug("Running git", "args", strings.Join(args, " "), "dir", dir)
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %w: %s",
			args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// Clone clones url at branch into dir. An empty branch clones the default.
func (c *Client) Clone(ctx context.Context, url, branch, dir string) error {
	args := []string{"clone", "--depth", "50"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)

	if _, err := c.run(ctx, "", args...); err != nil {
		return fmt.Errorf("clone %s: %w", redactURL(url), err)
	}
	return nil
}

// Checkout switches to branch, optionally creating it.
func (c *Client) Checkout(ctx context.Context, dir, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)

	if _, err := c.run(ctx, dir, args...); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// AddAll stages every change in the workspace.
func (c *Client) AddAll(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "add", "-A")
	return err
}

// Commit records the staged changes with the configured author.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	_, err := c.run(ctx, dir,
		"-c", "user.name="+c.AuthorName,
		"-c", "user.email="+c.AuthorEmail,
		"commit", "-m", message)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Push pushes branch to remoteURL (which may embed a token).
func (c *Client) Push(ctx context.Context, dir, branch, remoteURL string) error {
	if _, err := c.run(ctx, dir, "push", remoteURL, "HEAD:"+branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// DiffNamesCached lists staged file paths. Callers use it to verify a
// non-empty change set before committing.
func (c *Client) DiffNamesCached(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "diff", "--name-only", "--cached")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HeadSHA returns the current commit hash.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// redactURL strips embedded credentials from a remote URL for logging.
func redactURL(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
