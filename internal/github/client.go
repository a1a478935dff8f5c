package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client calls the GitHub REST API with per-request installation tokens.
// Tokens are minted per event and passed explicitly; the client holds no
// credentials.
type Client struct {
	// BaseURL of the GitHub API. Overridable for tests.
	BaseURL string

	client *http.Client
	log    *slog.Logger
}

// NewClient creates a GitHub API client.
func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		BaseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// CreateComment posts an issue comment on a pull request and returns the
// comment id.
func (c *Client) CreateComment(ctx context.Context, token, org, repo string, prNumber int, body string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.BaseURL, org, repo, prNumber)

	payload, _ := json.Marshal(map[string]string{"body": body})
	resp, err := c.do(ctx, http.MethodPost, url, token, payload)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return 0, apiError(resp)
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return result.ID, nil
}

// UpdateComment replaces the body of an existing issue comment.
func (c *Client) UpdateComment(ctx context.Context, token, org, repo string, commentID int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d", c.BaseURL, org, repo, commentID)

	payload, _ := json.Marshal(map[string]string{"body": body})
	resp, err := c.do(ctx, http.MethodPatch, url, token, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// GetFileContents fetches a file via the contents API and base64-decodes
// it. Returns (nil, false, nil) when the file does not exist; any other
// non-2xx is a hard failure.
func (c *Client) GetFileContents(ctx context.Context, token, org, repo, path string) ([]byte, bool, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.BaseURL, org, repo, path)

	resp, err := c.do(ctx, http.MethodGet, url, token, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, apiError(resp)
	}

	var result struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}

	// The contents API wraps base64 at 60 columns
	raw := strings.ReplaceAll(result.Content, "\n", "")
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode file content: %w", err)
	}
	return decoded, true, nil
}

func (c *Client) do(ctx context.Context, method, url, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("github api error: %d - %s", resp.StatusCode, string(body))
}

// --- PR comment bodies ---

// BuildingComment is posted when a deployment starts.
func BuildingComment(commitSHA string) string {
	return fmt.Sprintf("🚀 **Deployment in progress**\n\nBuilding commit `%s`...\n\n_This comment will be updated when the deployment completes._", shortSHA(commitSHA))
}

// SuccessComment replaces the building comment when a deployment succeeds.
func SuccessComment(commitSHA, deployedURL string) string {
	return fmt.Sprintf("✅ **Deployment successful**\n\nCommit `%s` has been deployed.\n\n🔗 **Preview URL:** %s\n\n_This deployment will be automatically cleaned up when the PR is closed._", shortSHA(commitSHA), deployedURL)
}

// FailureComment replaces the building comment when a deployment fails.
func FailureComment(commitSHA, errorMessage string) string {
	return fmt.Sprintf("❌ **Deployment failed**\n\nFailed to deploy commit `%s`.\n\n**Error:**\n```\n%s\n```\n\n_Please check the build logs for more details._", shortSHA(commitSHA), errorMessage)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
