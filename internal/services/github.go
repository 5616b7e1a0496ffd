package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const githubAPI = "https://api.github.com"

// GitHubService reads pull request changes and reports commit statuses
type GitHubService struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type CommitState string

const (
	CommitStatePending CommitState = "pending"
	CommitStateSuccess CommitState = "success"
	CommitStateFailure CommitState = "failure"
	CommitStateError   CommitState = "error"
)

type CommitStatus struct {
	State       CommitState `json:"state"`
	TargetURL   string      `json:"target_url,omitempty"`
	Description string      `json:"description,omitempty"`
	Context     string      `json:"context"`
}

type pullRequestFile struct {
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

func NewGitHubService(token string) *GitHubService {
	return &GitHubService{
		token:      token,
		baseURL:    githubAPI,
		httpClient: &http.Client{},
	}
}

// WithBaseURL points the service at another API host, e.g. GitHub Enterprise
func (g *GitHubService) WithBaseURL(baseURL string) *GitHubService {
	g.baseURL = strings.TrimSuffix(baseURL, "/")
	return g
}

func (g *GitHubService) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ChangedFiles lists the files a pull request touches. Renamed files contribute both
// their old and new path so moves out of a chart directory still select it.
func (g *GitHubService) ChangedFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var files []string
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=100&page=%d", g.baseURL, owner, repo, number, page)
		req, err := g.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to list pull request files: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("failed to list pull request files: status %d, body: %s", resp.StatusCode, string(body))
		}

		var batch []pullRequestFile
		err = json.NewDecoder(resp.Body).Decode(&batch)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode pull request files: %w", err)
		}

		for _, f := range batch {
			files = append(files, f.Filename)
			if f.PreviousFilename != "" {
				files = append(files, f.PreviousFilename)
			}
		}

		if len(batch) < 100 {
			return files, nil
		}
	}
}

// SetCommitStatus reports a status for sha under status.Context
func (g *GitHubService) SetCommitStatus(ctx context.Context, owner, repo, sha string, status CommitStatus) error {
	bodyBytes, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", g.baseURL, owner, repo, sha)
	req, err := g.newRequest(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set commit status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to set commit status: status %d, body: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SplitRepository splits "owner/repo" as found in GITHUB_REPOSITORY
func SplitRepository(s string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/repo", s)
	}
	return owner, repo, nil
}
