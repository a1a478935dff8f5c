package github

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Repository is the repository fragment common to webhook events.
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// Installation carries the GitHub App installation id on webhook events.
type Installation struct {
	ID int64 `json:"id"`
}

// PullRequestEvent is the payload of a pull_request webhook.
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository   Repository    `json:"repository"`
	Installation *Installation `json:"installation"`
}

// PushEvent is the payload of a push webhook.
type PushEvent struct {
	Ref          string        `json:"ref"`
	After        string        `json:"after"`
	Repository   Repository    `json:"repository"`
	Installation *Installation `json:"installation"`
}

// Branch returns the branch name for a branch push, or "" for other refs.
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// IsDefaultBranchPush reports whether the push targets main or master.
func (e *PushEvent) IsDefaultBranchPush() bool {
	return e.Ref == "refs/heads/main" || e.Ref == "refs/heads/master"
}

// ParsePullRequestEvent parses a pull_request payload. The installation id
// is required; events without one cannot be acted on.
func ParsePullRequestEvent(body []byte) (*PullRequestEvent, error) {
	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse pull_request event: %w", err)
	}
	if event.Installation == nil || event.Installation.ID == 0 {
		return nil, fmt.Errorf("pull_request event has no installation id")
	}
	if event.Number == 0 {
		event.Number = event.PullRequest.Number
	}
	return &event, nil
}

// ParsePushEvent parses a push payload. The installation id is required.
func ParsePushEvent(body []byte) (*PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse push event: %w", err)
	}
	if event.Installation == nil || event.Installation.ID == 0 {
		return nil, fmt.Errorf("push event has no installation id")
	}
	return &event, nil
}
