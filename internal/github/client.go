// Package github implements the pull request collaborator of the merge gate
// against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rogersf/taskforge/internal/workflow"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

const defaultTimeout = 15 * time.Second

// Client talks to the pulls endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

var _ workflow.PullRequestClient = (*Client)(nil)

// NewClient returns a client for baseURL, or the public API when empty.
func NewClient(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type pullResponse struct {
	Merged bool   `json:"merged"`
	State  string `json:"state"`
}

type mergeBody struct {
	CommitTitle string `json:"commit_title,omitempty"`
	MergeMethod string `json:"merge_method,omitempty"`
}

type mergeResponse struct {
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

// GetPullRequestState reads GET /repos/{repo}/pulls/{number}. Any non-2xx
// response reports the PR as not merged; only transport and decode failures
// are errors.
func (c *Client) GetPullRequestState(ctx context.Context, q workflow.PRQuery) (workflow.PRState, error) {
	resp, err := c.do(ctx, http.MethodGet, c.pullURL(q.Repo, q.Number), q.Token, nil)
	if err != nil {
		return workflow.PRState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return workflow.PRState{Merged: false}, nil
	}
	var pr pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return workflow.PRState{}, fmt.Errorf("decode pull request: %w", err)
	}
	return workflow.PRState{Merged: pr.Merged}, nil
}

// MergePullRequest calls PUT /repos/{repo}/pulls/{number}/merge. Responses
// meaning the PR cannot be merged right now (405, 409, 422) are reported as
// Merged=false rather than errors.
func (c *Client) MergePullRequest(ctx context.Context, req workflow.MergeRequest) (workflow.PRState, error) {
	body, err := json.Marshal(mergeBody{CommitTitle: req.CommitTitle, MergeMethod: req.MergeMethod})
	if err != nil {
		return workflow.PRState{}, err
	}
	resp, err := c.do(ctx, http.MethodPut, c.pullURL(req.Repo, req.Number)+"/merge", req.Token, body)
	if err != nil {
		return workflow.PRState{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var mr mergeResponse
		if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
			return workflow.PRState{}, fmt.Errorf("decode merge response: %w", err)
		}
		return workflow.PRState{Merged: mr.Merged}, nil
	case http.StatusMethodNotAllowed, http.StatusConflict, http.StatusUnprocessableEntity:
		return workflow.PRState{Merged: false}, nil
	default:
		return workflow.PRState{}, statusError("merge pull request", resp)
	}
}

func (c *Client) pullURL(repo string, number int) string {
	return fmt.Sprintf("%s/repos/%s/pulls/%d", c.BaseURL, repo, number)
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := strings.TrimSpace(token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s failed with status %s: %s", op, resp.Status, strings.TrimSpace(string(msg)))
}
