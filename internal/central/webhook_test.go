package central

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/github"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/storage"
)

const (
	testHookSecret   = "hook-secret"
	testSharedSecret = "shared-secret"
)

type staticMinter struct{ token string }

func (m staticMinter) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	return m.token, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeGitHub serves the contents API and the comment endpoints.
type fakeGitHub struct {
	mu           sync.Mutex
	repoConfig   string // body of {org}/{repo}/.deploy.json, empty = 404
	orgConfig    string // body of {org}/.github/.deploy.json, empty = 404
	created      int
	updated      int
	lastBody     string
	nextComment  int64
	commentPaths []string
}

func (f *fakeGitHub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/.github/contents/.deploy.json"):
			serveContents(w, f.orgConfig)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/contents/.deploy.json"):
			serveContents(w, f.repoConfig)
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/comments"):
			f.created++
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Body string `json:"body"`
			}
			json.Unmarshal(body, &payload)
			f.lastBody = payload.Body
			f.commentPaths = append(f.commentPaths, r.URL.Path)
			if f.nextComment == 0 {
				f.nextComment = 777
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": %d}`, f.nextComment)
		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/issues/comments/"):
			f.updated++
			body, _ := io.ReadAll(r.Body)
			var payload struct {
				Body string `json:"body"`
			}
			json.Unmarshal(body, &payload)
			f.lastBody = payload.Body
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func serveContents(w http.ResponseWriter, content string) {
	if content == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
		"encoding": "base64",
	})
}

// fakeWorker records signed job dispatches.
type fakeWorker struct {
	mu       sync.Mutex
	signer   *auth.Signer
	builds   []protocol.BuildJob
	cleanups []protocol.CleanupJob
	sigErr   error
}

func (f *fakeWorker) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.sigErr = f.signer.Verify(r.Header.Get(auth.HeaderCentralSignature), r.Header.Get(auth.HeaderTimestamp), body)

		switch r.URL.Path {
		case "/build":
			var job protocol.BuildJob
			json.Unmarshal(body, &job)
			f.builds = append(f.builds, job)
		case "/cleanup":
			var job protocol.CleanupJob
			json.Unmarshal(body, &job)
			f.cleanups = append(f.cleanups, job)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

type webhookFixture struct {
	handler *WebhookHandler
	store   storage.Storage
	gh      *fakeGitHub
	worker  *fakeWorker
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()

	ghFake := &fakeGitHub{}
	ghSrv := httptest.NewServer(ghFake.handler())
	t.Cleanup(ghSrv.Close)

	signer := auth.NewSigner(testSharedSecret)
	workerFake := &fakeWorker{signer: signer}
	workerSrv := httptest.NewServer(workerFake.handler())
	t.Cleanup(workerSrv.Close)

	store := newTestStore(t)
	if err := store.SyncWorkers(context.Background(), map[string]string{"nxm": workerSrv.URL}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	ghClient := github.NewClient(testLogger())
	ghClient.BaseURL = ghSrv.URL

	h := NewWebhookHandler(store, staticMinter{"ghs_tok"}, ghClient,
		NewDispatcher(signer, testLogger()), testHookSecret, "http://central/api/status", testLogger())

	return &webhookFixture{handler: h, store: store, gh: ghFake, worker: workerFake}
}

func signHook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testHookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) deliver(t *testing.T, event string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set(auth.HeaderGitHubSignature, signHook(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	f.handler.Wait()
	return rec
}

func prEventBody(action string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"number": 42,
		"pull_request": {"number": 42, "merged": false, "head": {"ref": "feature", "sha": "abc1234def"}},
		"repository": {"name": "website", "full_name": "nullisLabs/website", "clone_url": "https://github.com/nullisLabs/website.git", "owner": {"login": "nullisLabs"}},
		"installation": {"id": 1000}
	}`, action))
}

func authorizeOrg(t *testing.T, store storage.Storage) {
	t.Helper()
	if err := store.UpsertAuthorizedOrg(context.Background(), "nullisLabs", []string{"nxm"}, []string{"*.nxm.rs"}); err != nil {
		t.Fatalf("UpsertAuthorizedOrg: %v", err)
	}
}

func TestPullRequestOpenedDispatchesBuild(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","pr_pattern":"pr-{pr}-{repo}.nxm.rs"}`
	authorizeOrg(t, f.store)

	rec := f.deliver(t, "pull_request", prEventBody("opened"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.worker.builds))
	}
	if f.worker.sigErr != nil {
		t.Errorf("dispatch signature invalid: %v", f.worker.sigErr)
	}

	job := f.worker.builds[0]
	if job.Domain != "pr-42-website.nxm.rs" {
		t.Errorf("domain = %q", job.Domain)
	}
	if job.PRNumber == nil || *job.PRNumber != 42 {
		t.Errorf("pr_number = %v", job.PRNumber)
	}
	if job.SiteID() != "nullislabs-website-pr-42" {
		t.Errorf("site id = %q", job.SiteID())
	}
	if job.GitToken != "ghs_tok" {
		t.Errorf("git token = %q", job.GitToken)
	}
	if job.CallbackURL != "http://central/api/status" {
		t.Errorf("callback = %q", job.CallbackURL)
	}
	if job.SiteType != protocol.SiteAuto {
		t.Errorf("site type = %q", job.SiteType)
	}

	// Building comment created and recorded
	if f.gh.created != 1 {
		t.Errorf("comments created = %d, want 1", f.gh.created)
	}
	if !strings.Contains(f.gh.lastBody, "`abc1234`") {
		t.Errorf("comment body = %q", f.gh.lastBody)
	}
	id, err := f.store.GetPRComment(context.Background(), "nullisLabs", "website", 42)
	if err != nil || id != 777 {
		t.Errorf("recorded comment = %d, %v", id, err)
	}

	jc, err := f.store.GetJobContext(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("GetJobContext: %v", err)
	}
	if jc.PRCommentID == nil || *jc.PRCommentID != 777 {
		t.Errorf("job context comment id = %v", jc.PRCommentID)
	}
	if jc.CommitSHA != "abc1234def" {
		t.Errorf("job context sha = %q", jc.CommitSHA)
	}
}

func TestPullRequestSynchronizeReusesComment(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","pr_pattern":"pr-{pr}-{repo}.nxm.rs"}`
	authorizeOrg(t, f.store)
	if err := f.store.UpsertPRComment(context.Background(), "nullisLabs", "website", 42, 777); err != nil {
		t.Fatalf("UpsertPRComment: %v", err)
	}

	f.deliver(t, "pull_request", prEventBody("synchronize"))

	f.gh.mu.Lock()
	defer f.gh.mu.Unlock()
	if f.gh.created != 0 {
		t.Errorf("comments created = %d, want 0 (reuse)", f.gh.created)
	}
	if f.gh.updated != 1 {
		t.Errorf("comments updated = %d, want 1", f.gh.updated)
	}
}

func TestPullRequestClosedDispatchesCleanup(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","pr_pattern":"pr-{pr}-{repo}.nxm.rs"}`
	authorizeOrg(t, f.store)
	if err := f.store.UpsertPRComment(context.Background(), "nullisLabs", "website", 42, 777); err != nil {
		t.Fatalf("UpsertPRComment: %v", err)
	}

	f.deliver(t, "pull_request", prEventBody("closed"))

	f.worker.mu.Lock()
	if len(f.worker.cleanups) != 1 {
		t.Fatalf("cleanups = %d, want 1", len(f.worker.cleanups))
	}
	job := f.worker.cleanups[0]
	f.worker.mu.Unlock()

	if job.SiteID != "nullislabs-website-pr-42" {
		t.Errorf("site id = %q", job.SiteID)
	}
	if job.Domain == nil || *job.Domain != "pr-42-website.nxm.rs" {
		t.Errorf("domain = %v", job.Domain)
	}

	if _, err := f.store.GetPRComment(context.Background(), "nullisLabs", "website", 42); err != storage.ErrNotFound {
		t.Errorf("comment row should be deleted, got %v", err)
	}
}

func TestPushToMainDispatchesBuild(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","domain_pattern":"{repo}.nxm.rs","subdomain":"www"}`
	authorizeOrg(t, f.store)

	body := []byte(`{
		"ref": "refs/heads/main",
		"after": "def5678abc",
		"repository": {"name": "website", "full_name": "nullisLabs/website", "clone_url": "https://github.com/nullisLabs/website.git", "owner": {"login": "nullisLabs"}},
		"installation": {"id": 1000}
	}`)
	f.deliver(t, "push", body)

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.worker.builds))
	}
	job := f.worker.builds[0]

	// Pattern resolution ignores the subdomain
	if job.Domain != "website.nxm.rs" {
		t.Errorf("domain = %q", job.Domain)
	}
	if job.PRNumber != nil {
		t.Errorf("pr_number = %v, want none", job.PRNumber)
	}
	if job.Subdomain == nil || *job.Subdomain != "www" {
		t.Errorf("subdomain = %v", job.Subdomain)
	}
	if job.SiteID() != "nullislabs-website-main" {
		t.Errorf("site id = %q", job.SiteID())
	}

	// No PR comment for pushes
	if f.gh.created != 0 {
		t.Errorf("comments created = %d, want 0", f.gh.created)
	}
}

func TestPushToFeatureBranchIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","domain_pattern":"{repo}.nxm.rs"}`
	authorizeOrg(t, f.store)

	body := []byte(`{
		"ref": "refs/heads/feature",
		"after": "def5678abc",
		"repository": {"name": "website", "owner": {"login": "nullisLabs"}},
		"installation": {"id": 1000}
	}`)
	rec := f.deliver(t, "push", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 0 {
		t.Errorf("builds = %d, want 0", len(f.worker.builds))
	}
}

func TestUnauthorizedOrgDroppedSilently(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","pr_pattern":"pr-{pr}-{repo}.nxm.rs"}`
	// Org never authorized

	rec := f.deliver(t, "pull_request", prEventBody("opened"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 even when dropped", rec.Code)
	}

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 0 {
		t.Errorf("builds = %d, want 0", len(f.worker.builds))
	}
	if f.gh.created != 0 {
		t.Errorf("comments created = %d, want 0", f.gh.created)
	}
}

func TestUnauthorizedZoneDropped(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"other","pr_pattern":"pr-{pr}-{repo}.nxm.rs"}`
	authorizeOrg(t, f.store) // only zone nxm

	f.deliver(t, "pull_request", prEventBody("opened"))

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 0 {
		t.Errorf("builds = %d, want 0", len(f.worker.builds))
	}
}

func TestUnauthorizedDomainDropped(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.repoConfig = `{"zone":"nxm","pr_pattern":"pr-{pr}-{repo}.evil.com"}`
	authorizeOrg(t, f.store) // only *.nxm.rs

	f.deliver(t, "pull_request", prEventBody("opened"))

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 0 {
		t.Errorf("builds = %d, want 0", len(f.worker.builds))
	}
}

func TestMissingDeployConfigDropped(t *testing.T) {
	f := newWebhookFixture(t)
	authorizeOrg(t, f.store)

	rec := f.deliver(t, "pull_request", prEventBody("opened"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 0 {
		t.Errorf("builds = %d, want 0", len(f.worker.builds))
	}
}

func TestOrgConfigMergedWithRepoConfig(t *testing.T) {
	f := newWebhookFixture(t)
	f.gh.orgConfig = `{"zone":"nxm","domain_pattern":"{repo}.nxm.rs"}`
	f.gh.repoConfig = `{"build_type":"zola"}`
	authorizeOrg(t, f.store)

	f.deliver(t, "pull_request", prEventBody("opened"))

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if len(f.worker.builds) != 1 {
		t.Fatalf("builds = %d, want 1", len(f.worker.builds))
	}
	job := f.worker.builds[0]
	if job.SiteType != protocol.SiteZola {
		t.Errorf("site type = %q, repo override lost", job.SiteType)
	}
	if job.Domain != "pr-42-website.website.nxm.rs" {
		t.Errorf("domain = %q", job.Domain)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	f := newWebhookFixture(t)

	body := prEventBody("opened")
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set(auth.HeaderGitHubSignature, "sha256=deadbeef")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookBadPayloadRejected(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"action":"opened"}`) // no installation
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set(auth.HeaderGitHubSignature, signHook(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIrrelevantEventAccepted(t *testing.T) {
	f := newWebhookFixture(t)

	body := []byte(`{"zen":"Design for failure."}`)
	rec := f.deliver(t, "ping", body)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}
