// Package protocol defines the wire types exchanged between central and
// workers, and the identifiers shared across both sides.
package protocol

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state a worker reports for a job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusBuilding JobStatus = "building"
	StatusSuccess  JobStatus = "success"
	StatusFailed   JobStatus = "failed"
	StatusCleaned  JobStatus = "cleaned"
)

// Terminal reports whether no further status updates follow.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCleaned
}

// SiteType identifies the static site generator used by a repository.
type SiteType string

const (
	SiteSvelteKit SiteType = "sveltekit"
	SiteVite      SiteType = "vite"
	SiteZola      SiteType = "zola"
	SiteCustom    SiteType = "custom"
	SiteAuto      SiteType = "auto"
)

// Defaults returns the default build command and output directory for the
// site type. ok is false for custom and auto, which carry no defaults.
func (t SiteType) Defaults() (command, outputDir string, ok bool) {
	switch t {
	case SiteSvelteKit:
		return "npm ci && npm run build", "build", true
	case SiteVite:
		return "npm ci && npm run build", "dist", true
	case SiteZola:
		return "zola build", "public", true
	}
	return "", "", false
}

// BuildJob is dispatched to a worker's /build endpoint.
type BuildJob struct {
	JobID       string   `json:"job_id"`
	RepoURL     string   `json:"repo_url"`
	GitToken    string   `json:"git_token"`
	Branch      string   `json:"branch"`
	CommitSHA   string   `json:"commit_sha"`
	PRNumber    *int     `json:"pr_number,omitempty"`
	Domain      string   `json:"domain"`
	SiteType    SiteType `json:"site_type"`
	CallbackURL string   `json:"callback_url"`
	RepoName    string   `json:"repo_name"`
	OrgName     string   `json:"org_name"`
	Subdomain   *string  `json:"subdomain,omitempty"`

	// Overrides for custom builds; empty means use the site type defaults.
	BuildCommand string `json:"build_command,omitempty"`
	OutputDir    string `json:"output_dir,omitempty"`
}

// SiteID returns the site identifier for this job's artifacts.
func (j *BuildJob) SiteID() string {
	return SiteID(j.OrgName, j.RepoName, j.PRNumber)
}

// CleanupJob is dispatched to a worker's /cleanup endpoint.
type CleanupJob struct {
	JobID       string  `json:"job_id"`
	SiteID      string  `json:"site_id"`
	CallbackURL string  `json:"callback_url"`
	Domain      *string `json:"domain,omitempty"`
}

// StatusUpdate is posted back from a worker to central's /api/status.
type StatusUpdate struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	DeployedURL  *string   `json:"deployed_url,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// Heartbeat is posted from a worker to central's /api/workers/heartbeat.
type Heartbeat struct {
	Zone string `json:"zone"`
}

// SiteID composes the filesystem and route identifier for a deployed site:
// lower(org)-lower(repo)-{pr-N|main}.
func SiteID(org, repo string, prNumber *int) string {
	suffix := "main"
	if prNumber != nil {
		suffix = fmt.Sprintf("pr-%d", *prNumber)
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToLower(org), strings.ToLower(repo), suffix)
}

// PreviewURL returns the public URL for a deployed hostname.
func PreviewURL(domain string) string {
	return "https://" + domain
}
