package central

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/github"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/storage"
)

// StatusHandler receives signed status callbacks from workers and
// reconciles terminal statuses into PR comment updates. The worker gets
// its 200 before any GitHub call; a slow comment update must never make
// a worker think the callback failed.
type StatusHandler struct {
	store  storage.Storage
	app    tokenMinter
	gh     *github.Client
	signer *auth.Signer
	log    *slog.Logger

	wg sync.WaitGroup
}

// NewStatusHandler creates the status callback handler.
func NewStatusHandler(store storage.Storage, app tokenMinter, gh *github.Client, signer *auth.Signer, log *slog.Logger) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{store: store, app: app, gh: gh, signer: signer, log: log}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.signer.Verify(r.Header.Get(auth.HeaderWorkerSignature), r.Header.Get(auth.HeaderTimestamp), body); err != nil {
		h.log.Warn("status callback signature verification failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var update protocol.StatusUpdate
	if err := json.Unmarshal(body, &update); err != nil || update.JobID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		h.reconcile(ctx, &update)
	}()
}

// Wait blocks until in-flight reconciliations finish.
func (h *StatusHandler) Wait() {
	h.wg.Wait()
}

func (h *StatusHandler) reconcile(ctx context.Context, update *protocol.StatusUpdate) {
	jc, err := h.store.GetJobContext(ctx, update.JobID)
	if err != nil {
		if err == storage.ErrNotFound {
			// Job contexts outlive restarts, so this means a worker is
			// reporting a job central never dispatched. Harmless.
			h.log.Warn("status for unknown job", "job_id", update.JobID, "status", update.Status)
		} else {
			h.log.Error("could not load job context", "job_id", update.JobID, "error", err)
		}
		return
	}

	h.log.Info("job status",
		"job_id", update.JobID, "status", update.Status,
		"org", jc.GitHubOrg, "repo", jc.GitHubRepo)

	if update.Status != protocol.StatusSuccess && update.Status != protocol.StatusFailed {
		return
	}
	if jc.PRCommentID == nil {
		return
	}

	token, err := h.app.InstallationToken(ctx, jc.InstallationID)
	if err != nil {
		h.log.Error("could not mint installation token", "job_id", update.JobID, "error", err)
		return
	}

	var body string
	if update.Status == protocol.StatusSuccess {
		url := "(deployed, URL unavailable)"
		if update.DeployedURL != nil {
			url = *update.DeployedURL
		}
		body = github.SuccessComment(jc.CommitSHA, url)
	} else {
		msg := "Unknown error"
		if update.ErrorMessage != nil {
			msg = *update.ErrorMessage
		}
		body = github.FailureComment(jc.CommitSHA, msg)
	}

	if err := h.gh.UpdateComment(ctx, token, jc.GitHubOrg, jc.GitHubRepo, *jc.PRCommentID, body); err != nil {
		h.log.Warn("could not update PR comment", "job_id", update.JobID, "comment_id", *jc.PRCommentID, "error", err)
	}
}
