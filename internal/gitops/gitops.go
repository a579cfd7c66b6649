// Package gitops clones repositories, manages fix branches, and publishes
// pull requests through the forge REST API.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/asaproj/asa/internal/faults"
)

// BranchPrefix is the namespace for generated fix branches.
const BranchPrefix = "asa/fix-"

// FixBranch returns the branch name for a task's fix.
func FixBranch(taskID string) string {
	return BranchPrefix + taskID
}

// Repo identifies a repository parsed from its HTTPS URL.
type Repo struct {
	Host  string
	Owner string
	Name  string
	URL   string
}

// ParseRepoURL validates and decomposes an HTTPS repository URL.
func ParseRepoURL(raw string) (*Repo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidRepoURL, err)
	}
	if u.Scheme != "https" {
		return nil, faults.Newf(faults.KindInvalidRepoURL, "only https URLs are accepted, got %q", raw)
	}
	if u.Host == "" {
		return nil, faults.Newf(faults.KindInvalidRepoURL, "missing host in %q", raw)
	}

	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, faults.Newf(faults.KindInvalidRepoURL, "expected owner/name path in %q", raw)
	}

	return &Repo{Host: u.Host, Owner: parts[0], Name: parts[1], URL: raw}, nil
}

// Client provides git operations for one working tree.
type Client struct {
	// Dir is the root directory of the clone.
	Dir string

	// Token, when set, is injected into HTTPS remote URLs for clone and
	// push. It never appears in errors or logs.
	Token string

	CloneTimeout time.Duration
	PushTimeout  time.Duration
}

// NewClient creates a git client for the given directory.
func NewClient(dir, token string, cloneTimeout, pushTimeout time.Duration) *Client {
	return &Client{Dir: dir, Token: token, CloneTimeout: cloneTimeout, PushTimeout: pushTimeout}
}

// Clone clones the repository into the client's directory.
func (c *Client) Clone(ctx context.Context, repoURL string) error {
	if c.CloneTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CloneTimeout)
		defer cancel()
	}

	_, err := gitExec(ctx, "", "clone", "--depth", "50", c.authURL(repoURL), c.Dir)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return faults.Newf(faults.KindNetworkTimeout, "clone exceeded %s", c.CloneTimeout)
		}
		return c.classify(err)
	}
	return nil
}

// CreateBranch creates and checks out a new branch at HEAD.
func (c *Client) CreateBranch(ctx context.Context, name string) error {
	_, err := gitExec(ctx, c.Dir, "checkout", "-b", name)
	return c.redact(err)
}

// CommitAll stages everything and commits with the service identity.
func (c *Client) CommitAll(ctx context.Context, message string) error {
	if _, err := gitExec(ctx, c.Dir, "add", "-A"); err != nil {
		return c.redact(err)
	}
	_, err := gitExec(ctx, c.Dir,
		"-c", "user.name=asa-bot",
		"-c", "user.email=asa-bot@users.noreply.localhost",
		"commit", "-m", message)
	return c.redact(err)
}

// Push pushes the branch to origin.
func (c *Client) Push(ctx context.Context, branch string) error {
	if c.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.PushTimeout)
		defer cancel()
	}

	args := []string{"push", "origin", branch}
	if c.Token != "" {
		// Re-point origin through the token for the push only.
		origin, err := gitExec(ctx, c.Dir, "remote", "get-url", "origin")
		if err != nil {
			return c.redact(err)
		}
		args = []string{"push", c.authURL(strings.TrimSpace(origin)), branch}
	}

	if _, err := gitExec(ctx, c.Dir, args...); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return faults.Newf(faults.KindNetworkTimeout, "push exceeded %s", c.PushTimeout)
		}
		return c.classify(err)
	}
	return nil
}

// HeadSHA returns the current commit hash.
func (c *Client) HeadSHA(ctx context.Context) (string, error) {
	out, err := gitExec(ctx, c.Dir, "rev-parse", "HEAD")
	if err != nil {
		return "", c.redact(err)
	}
	return strings.TrimSpace(out), nil
}

// DiffStat returns a summary of uncommitted changes.
func (c *Client) DiffStat(ctx context.Context) (string, error) {
	out, err := gitExec(ctx, c.Dir, "diff", "--stat")
	if err != nil {
		return "", c.redact(err)
	}
	return out, nil
}

// authURL injects the token into an HTTPS URL.
func (c *Client) authURL(repoURL string) string {
	if c.Token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", c.Token)
	return u.String()
}

// classify maps git failures to error kinds, with the token scrubbed.
func (c *Client) classify(err error) error {
	err = c.redact(err)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "403"), strings.Contains(msg, "401"), strings.Contains(msg, "could not read username"):
		return faults.Wrap(faults.KindGitAuthFailed, err)
	case strings.Contains(msg, "could not resolve host"), strings.Contains(msg, "connection"):
		return faults.Wrap(faults.KindNetworkConnection, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"):
		return faults.Wrap(faults.KindInvalidRepoURL, err)
	}
	return err
}

// redact removes the token from an error's text.
func (c *Client) redact(err error) error {
	if err == nil || c.Token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), c.Token, "***")
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}
