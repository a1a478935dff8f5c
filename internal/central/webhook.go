// Package central implements the control plane: it turns GitHub webhook
// events into signed build and cleanup jobs for zone workers, reconciles
// worker status callbacks into PR comments, and serves the admin API.
package central

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/github"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/storage"
)

// tokenMinter mints installation tokens. Satisfied by *github.App.
type tokenMinter interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// backgroundTimeout bounds the work done after a webhook is accepted.
const backgroundTimeout = 5 * time.Minute

// WebhookHandler receives GitHub webhook events. The HTTP response only
// acknowledges receipt; config resolution, authorization, and dispatch
// happen in the background so GitHub's delivery timeout is never a factor.
type WebhookHandler struct {
	store         storage.Storage
	app           tokenMinter
	gh            *github.Client
	dispatcher    *Dispatcher
	webhookSecret string
	callbackURL   string
	log           *slog.Logger

	wg sync.WaitGroup
}

// NewWebhookHandler creates the webhook intake handler.
func NewWebhookHandler(store storage.Storage, app tokenMinter, gh *github.Client, dispatcher *Dispatcher, webhookSecret, callbackURL string, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		store:         store,
		app:           app,
		gh:            gh,
		dispatcher:    dispatcher,
		webhookSecret: webhookSecret,
		callbackURL:   callbackURL,
		log:           log,
	}
}

// ServeHTTP verifies the webhook signature, parses the event, and accepts
// it with 202. Everything that can fail for reasons GitHub cannot fix
// happens after the response.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !auth.VerifyWebhookSignature(h.webhookSecret, r.Header.Get(auth.HeaderGitHubSignature), body) {
		h.log.Warn("webhook signature verification failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "pull_request":
		event, err := github.ParsePullRequestEvent(body)
		if err != nil {
			h.log.Warn("bad pull_request payload", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch event.Action {
		case "opened", "synchronize", "reopened":
			h.accept(w)
			h.spawn(func(ctx context.Context) { h.processPullRequest(ctx, event) })
		case "closed":
			h.accept(w)
			h.spawn(func(ctx context.Context) { h.processPRClosed(ctx, event) })
		default:
			h.log.Debug("ignoring pull_request action", "action", event.Action)
			h.accept(w)
		}

	case "push":
		event, err := github.ParsePushEvent(body)
		if err != nil {
			h.log.Warn("bad push payload", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !event.IsDefaultBranchPush() {
			h.log.Debug("ignoring push", "ref", event.Ref)
			h.accept(w)
			return
		}
		h.accept(w)
		h.spawn(func(ctx context.Context) { h.processPush(ctx, event) })

	default:
		h.log.Debug("ignoring event", "event", r.Header.Get("X-GitHub-Event"))
		h.accept(w)
	}
}

func (h *WebhookHandler) accept(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"accepted"}`)
}

func (h *WebhookHandler) spawn(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until all in-flight background work finishes. Used during
// shutdown and by tests.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

// resolve runs the shared gating pipeline: installation token, deploy
// config, org authorization, zone authorization, worker lookup. Any nil
// return means the event was dropped (and logged).
func (h *WebhookHandler) resolve(ctx context.Context, installationID int64, org, repo string) (token string, cfg *DeployConfig, authz *storage.AuthorizedOrg, worker *storage.Worker) {
	token, err := h.app.InstallationToken(ctx, installationID)
	if err != nil {
		h.log.Error("could not mint installation token", "org", org, "repo", repo, "error", err)
		return "", nil, nil, nil
	}

	cfg, err = fetchDeployConfig(ctx, h.gh, token, org, repo)
	if err != nil {
		h.log.Error("could not fetch deploy config", "org", org, "repo", repo, "error", err)
		return "", nil, nil, nil
	}
	if cfg == nil {
		h.log.Info("no deploy config, skipping", "org", org, "repo", repo)
		return "", nil, nil, nil
	}
	if !cfg.Deployable() {
		h.log.Info("deployments disabled or no zone configured", "org", org, "repo", repo)
		return "", nil, nil, nil
	}

	authz, err = h.store.GetAuthorizedOrg(ctx, org)
	if err != nil {
		if err == storage.ErrNotFound {
			h.log.Warn("org not authorized", "org", org)
		} else {
			h.log.Error("could not look up org", "org", org, "error", err)
		}
		return "", nil, nil, nil
	}
	if !authz.CanUseZone(cfg.Zone) {
		h.log.Warn("org not authorized for zone", "org", org, "zone", cfg.Zone)
		return "", nil, nil, nil
	}

	worker, err = h.store.GetWorker(ctx, cfg.Zone)
	if err != nil {
		h.log.Warn("no worker for zone", "zone", cfg.Zone, "error", err)
		return "", nil, nil, nil
	}

	return token, cfg, authz, worker
}

func (h *WebhookHandler) processPullRequest(ctx context.Context, event *github.PullRequestEvent) {
	org := event.Repository.Owner.Login
	repo := event.Repository.Name

	token, cfg, authz, worker := h.resolve(ctx, event.Installation.ID, org, repo)
	if worker == nil {
		return
	}

	domain := cfg.PRDomain(repo, event.Number)
	if domain == "" {
		h.log.Warn("could not resolve preview hostname", "org", org, "repo", repo, "pr", event.Number)
		return
	}
	if !authz.CanUseDomain(domain) {
		h.log.Warn("org not authorized for domain", "org", org, "domain", domain)
		return
	}

	jobID := uuid.NewString()
	sha := event.PullRequest.Head.SHA
	commentID := h.ensurePRComment(ctx, token, org, repo, event.Number, sha)

	jc := &storage.JobContext{
		JobID:          jobID,
		InstallationID: event.Installation.ID,
		GitHubOrg:      org,
		GitHubRepo:     repo,
		PRCommentID:    commentID,
		CommitSHA:      sha,
	}
	if err := h.store.StoreJobContext(ctx, jc); err != nil {
		h.log.Error("could not store job context", "job_id", jobID, "error", err)
	}

	pr := event.Number
	job := &protocol.BuildJob{
		JobID:        jobID,
		RepoURL:      event.Repository.CloneURL,
		GitToken:     token,
		Branch:       event.PullRequest.Head.Ref,
		CommitSHA:    sha,
		PRNumber:     &pr,
		Domain:       domain,
		SiteType:     cfg.SiteType(),
		CallbackURL:  h.callbackURL,
		RepoName:     repo,
		OrgName:      org,
		BuildCommand: cfg.BuildCommand,
		OutputDir:    cfg.OutputDir,
	}

	h.log.Info("dispatching preview build",
		"job_id", jobID, "org", org, "repo", repo, "pr", pr,
		"zone", cfg.Zone, "domain", domain, "commit", sha)

	if err := h.dispatcher.DispatchBuild(ctx, worker.Endpoint, job); err != nil {
		h.log.Error("build dispatch failed", "job_id", jobID, "zone", cfg.Zone, "error", err)
		h.updateCommentBestEffort(ctx, token, org, repo, commentID,
			github.FailureComment(sha, "Could not reach the deployment worker"))
	}
}

func (h *WebhookHandler) processPRClosed(ctx context.Context, event *github.PullRequestEvent) {
	org := event.Repository.Owner.Login
	repo := event.Repository.Name

	_, cfg, _, worker := h.resolve(ctx, event.Installation.ID, org, repo)
	if worker == nil {
		return
	}

	pr := event.Number
	var domain *string
	if d := cfg.PRDomain(repo, pr); d != "" {
		domain = &d
	}

	job := &protocol.CleanupJob{
		JobID:       uuid.NewString(),
		SiteID:      protocol.SiteID(org, repo, &pr),
		CallbackURL: h.callbackURL,
		Domain:      domain,
	}

	h.log.Info("dispatching cleanup",
		"job_id", job.JobID, "site_id", job.SiteID, "org", org, "repo", repo, "pr", pr)

	if err := h.dispatcher.DispatchCleanup(ctx, worker.Endpoint, job); err != nil {
		h.log.Error("cleanup dispatch failed", "job_id", job.JobID, "error", err)
		return
	}

	if err := h.store.DeletePRComment(ctx, org, repo, pr); err != nil {
		h.log.Warn("could not delete PR comment record", "org", org, "repo", repo, "pr", pr, "error", err)
	}
}

func (h *WebhookHandler) processPush(ctx context.Context, event *github.PushEvent) {
	org := event.Repository.Owner.Login
	repo := event.Repository.Name

	token, cfg, authz, worker := h.resolve(ctx, event.Installation.ID, org, repo)
	if worker == nil {
		return
	}

	domain := cfg.MainDomain(repo)
	if domain == "" {
		h.log.Warn("could not resolve hostname", "org", org, "repo", repo)
		return
	}
	if !authz.CanUseDomain(domain) {
		h.log.Warn("org not authorized for domain", "org", org, "domain", domain)
		return
	}

	jobID := uuid.NewString()

	jc := &storage.JobContext{
		JobID:          jobID,
		InstallationID: event.Installation.ID,
		GitHubOrg:      org,
		GitHubRepo:     repo,
		CommitSHA:      event.After,
	}
	if err := h.store.StoreJobContext(ctx, jc); err != nil {
		h.log.Error("could not store job context", "job_id", jobID, "error", err)
	}

	var subdomain *string
	if cfg.Subdomain != "" {
		subdomain = &cfg.Subdomain
	}

	job := &protocol.BuildJob{
		JobID:        jobID,
		RepoURL:      event.Repository.CloneURL,
		GitToken:     token,
		Branch:       event.Branch(),
		CommitSHA:    event.After,
		Domain:       domain,
		SiteType:     cfg.SiteType(),
		CallbackURL:  h.callbackURL,
		RepoName:     repo,
		OrgName:      org,
		Subdomain:    subdomain,
		BuildCommand: cfg.BuildCommand,
		OutputDir:    cfg.OutputDir,
	}

	h.log.Info("dispatching production build",
		"job_id", jobID, "org", org, "repo", repo,
		"zone", cfg.Zone, "domain", domain, "commit", event.After)

	if err := h.dispatcher.DispatchBuild(ctx, worker.Endpoint, job); err != nil {
		h.log.Error("build dispatch failed", "job_id", jobID, "zone", cfg.Zone, "error", err)
	}
}

// ensurePRComment updates the existing tracking comment for the PR, or
// creates one and records its id. Comment failures never block a deploy.
func (h *WebhookHandler) ensurePRComment(ctx context.Context, token, org, repo string, prNumber int, sha string) *int64 {
	body := github.BuildingComment(sha)

	if id, err := h.store.GetPRComment(ctx, org, repo, prNumber); err == nil {
		h.updateCommentBestEffort(ctx, token, org, repo, &id, body)
		return &id
	} else if err != storage.ErrNotFound {
		h.log.Error("could not look up PR comment", "org", org, "repo", repo, "pr", prNumber, "error", err)
		return nil
	}

	id, err := h.gh.CreateComment(ctx, token, org, repo, prNumber, body)
	if err != nil {
		h.log.Warn("could not create PR comment", "org", org, "repo", repo, "pr", prNumber, "error", err)
		return nil
	}
	if err := h.store.UpsertPRComment(ctx, org, repo, prNumber, id); err != nil {
		h.log.Error("could not record PR comment", "org", org, "repo", repo, "pr", prNumber, "error", err)
	}
	return &id
}

func (h *WebhookHandler) updateCommentBestEffort(ctx context.Context, token, org, repo string, commentID *int64, body string) {
	if commentID == nil {
		return
	}
	if err := h.gh.UpdateComment(ctx, token, org, repo, *commentID, body); err != nil {
		h.log.Warn("could not update PR comment", "org", org, "repo", repo, "comment_id", *commentID, "error", err)
	}
}
