package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage defines the interface for all database operations.
type Storage interface {
	// Workers
	GetWorker(ctx context.Context, zone string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	SyncWorkers(ctx context.Context, endpoints map[string]string) error
	UpdateWorkerHeartbeat(ctx context.Context, zone string) (bool, error)

	// Authorized organizations
	GetAuthorizedOrg(ctx context.Context, org string) (*AuthorizedOrg, error)
	ListAuthorizedOrgs(ctx context.Context) ([]*AuthorizedOrg, error)
	UpsertAuthorizedOrg(ctx context.Context, org string, zones, domainPatterns []string) error
	DeleteAuthorizedOrg(ctx context.Context, org string) (bool, error)

	// Job contexts
	StoreJobContext(ctx context.Context, jc *JobContext) error
	GetJobContext(ctx context.Context, jobID string) (*JobContext, error)

	// PR comments
	GetPRComment(ctx context.Context, org, repo string, prNumber int) (int64, error)
	UpsertPRComment(ctx context.Context, org, repo string, prNumber int, commentID int64) error
	DeletePRComment(ctx context.Context, org, repo string, prNumber int) error

	// Lifecycle
	Close() error
}

// Worker is a registered deployment worker. At most one enabled worker
// exists per zone; disabled workers are invisible to reads.
type Worker struct {
	Zone      string
	Endpoint  string
	Enabled   bool
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthorizedOrg grants a GitHub organization access to zones and domains.
type AuthorizedOrg struct {
	GitHubOrg      string
	Zones          []string
	DomainPatterns []string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanUseZone reports whether the org may deploy into the zone.
// Comparison is case-insensitive.
func (o *AuthorizedOrg) CanUseZone(zone string) bool {
	for _, z := range o.Zones {
		if strings.EqualFold(z, zone) {
			return true
		}
	}
	return false
}

// CanUseDomain reports whether the org may deploy to the hostname.
// Patterns are either exact hostnames or wildcards of the form
// "*.suffix.tld". A wildcard matches any strictly longer hostname ending
// in ".suffix.tld", and also the apex "suffix.tld" itself.
func (o *AuthorizedOrg) CanUseDomain(hostname string) bool {
	host := strings.ToLower(hostname)
	for _, p := range o.DomainPatterns {
		pattern := strings.ToLower(p)
		if rest, ok := strings.CutPrefix(pattern, "*."); ok {
			if host == rest {
				return true
			}
			suffix := "." + rest
			if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}

// JobContext correlates a dispatched job with the GitHub state needed to
// reconcile its status callback. Created at dispatch, never mutated except
// to fill in the PR comment id, and retained indefinitely.
type JobContext struct {
	JobID          string
	InstallationID int64
	GitHubOrg      string
	GitHubRepo     string
	PRCommentID    *int64
	CommitSHA      string
	CreatedAt      time.Time
}
