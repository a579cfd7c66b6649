package gitops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/asaproj/asa/internal/faults"
)

// Forge opens pull requests through a GitHub-compatible REST API.
type Forge struct {
	apiBase string
	token   string
	client  *http.Client
}

// NewForge creates a forge client.
func NewForge(apiBase, token string, client *http.Client) *Forge {
	if client == nil {
		client = http.DefaultClient
	}
	return &Forge{apiBase: apiBase, token: token, client: client}
}

// PullRequest is the subset of the forge response the service keeps.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

type createPRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

// CreatePR opens a pull request from head into base.
func (f *Forge) CreatePR(ctx context.Context, repo *Repo, head, base, title, body string) (*PullRequest, error) {
	payload, err := json.Marshal(createPRRequest{Title: title, Head: head, Base: base, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode pull request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", f.apiBase, repo.Owner, repo.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Classify(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindNetworkConnection, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden && bytes.Contains(data, []byte("rate limit")):
		return nil, faults.New(faults.KindForgeRateLimit, "forge rate limit hit")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.KindForgeRateLimit, "forge rate limit hit")
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, faults.Newf(faults.KindGitAuthFailed, "forge returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusCreated:
		return nil, fmt.Errorf("forge returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var pr PullRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("decode pull request response: %w", err)
	}
	return &pr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
