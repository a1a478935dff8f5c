package storage

import (
	"context"
	"testing"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncWorkersAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	err := s.SyncWorkers(ctx, map[string]string{
		"nxm":  "http://10.0.0.1:8001",
		"hel1": "http://10.0.0.2:8001",
	})
	if err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	w, err := s.GetWorker(ctx, "nxm")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Endpoint != "http://10.0.0.1:8001" {
		t.Errorf("endpoint = %q", w.Endpoint)
	}
	if !w.Enabled {
		t.Error("worker should be enabled")
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("len(workers) = %d, want 2", len(workers))
	}
}

func TestSyncWorkersDisablesAbsent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.SyncWorkers(ctx, map[string]string{"nxm": "http://a", "hel1": "http://b"}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}
	if err := s.SyncWorkers(ctx, map[string]string{"nxm": "http://a2"}); err != nil {
		t.Fatalf("SyncWorkers (second): %v", err)
	}

	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].Zone != "nxm" {
		t.Fatalf("enabled workers = %+v, want only nxm", workers)
	}
	if workers[0].Endpoint != "http://a2" {
		t.Errorf("endpoint not updated: %q", workers[0].Endpoint)
	}

	if _, err := s.GetWorker(ctx, "hel1"); err != ErrNotFound {
		t.Errorf("disabled worker should be invisible, got %v", err)
	}
}

func TestUpdateWorkerHeartbeat(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.SyncWorkers(ctx, map[string]string{"nxm": "http://a"}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	ok, err := s.UpdateWorkerHeartbeat(ctx, "nxm")
	if err != nil {
		t.Fatalf("UpdateWorkerHeartbeat: %v", err)
	}
	if !ok {
		t.Error("heartbeat for known zone should return true")
	}

	w, err := s.GetWorker(ctx, "nxm")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.LastSeen == nil {
		t.Error("last_seen not set")
	}

	ok, err = s.UpdateWorkerHeartbeat(ctx, "unknown")
	if err != nil {
		t.Fatalf("UpdateWorkerHeartbeat (unknown): %v", err)
	}
	if ok {
		t.Error("heartbeat for unknown zone should return false")
	}
}

func TestAuthorizedOrgRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	err := s.UpsertAuthorizedOrg(ctx, "nullisLabs", []string{"nxm"}, []string{"*.nxm.rs", "nxm.rs"})
	if err != nil {
		t.Fatalf("UpsertAuthorizedOrg: %v", err)
	}

	// Lookup is case-insensitive
	org, err := s.GetAuthorizedOrg(ctx, "NullisLabs")
	if err != nil {
		t.Fatalf("GetAuthorizedOrg: %v", err)
	}
	if org.GitHubOrg != "nullislabs" {
		t.Errorf("org stored as %q, want lowercased", org.GitHubOrg)
	}
	if len(org.Zones) != 1 || org.Zones[0] != "nxm" {
		t.Errorf("zones = %v", org.Zones)
	}
	if len(org.DomainPatterns) != 2 {
		t.Errorf("patterns = %v", org.DomainPatterns)
	}

	// Upsert replaces, does not duplicate
	if err := s.UpsertAuthorizedOrg(ctx, "NULLISLABS", []string{"nxm", "hel1"}, nil); err != nil {
		t.Fatalf("UpsertAuthorizedOrg (second): %v", err)
	}
	orgs, err := s.ListAuthorizedOrgs(ctx)
	if err != nil {
		t.Fatalf("ListAuthorizedOrgs: %v", err)
	}
	if len(orgs) != 1 {
		t.Fatalf("len(orgs) = %d, want 1", len(orgs))
	}
	if len(orgs[0].Zones) != 2 {
		t.Errorf("zones after upsert = %v", orgs[0].Zones)
	}

	deleted, err := s.DeleteAuthorizedOrg(ctx, "nullislabs")
	if err != nil {
		t.Fatalf("DeleteAuthorizedOrg: %v", err)
	}
	if !deleted {
		t.Error("delete should report a removed row")
	}
	if _, err := s.GetAuthorizedOrg(ctx, "nullislabs"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	deleted, err = s.DeleteAuthorizedOrg(ctx, "nullislabs")
	if err != nil {
		t.Fatalf("DeleteAuthorizedOrg (absent): %v", err)
	}
	if deleted {
		t.Error("deleting an absent org should report false")
	}
}

func TestJobContextUpsertPreservesCommentID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	commentID := int64(987)
	jc := &JobContext{
		JobID:          "3f6c0b7e-0000-0000-0000-000000000001",
		InstallationID: 1000,
		GitHubOrg:      "nullisLabs",
		GitHubRepo:     "website",
		PRCommentID:    &commentID,
		CommitSHA:      "abc1234def",
	}
	if err := s.StoreJobContext(ctx, jc); err != nil {
		t.Fatalf("StoreJobContext: %v", err)
	}

	// Re-store without a comment id; the recorded one must survive.
	jc2 := *jc
	jc2.PRCommentID = nil
	if err := s.StoreJobContext(ctx, &jc2); err != nil {
		t.Fatalf("StoreJobContext (second): %v", err)
	}

	got, err := s.GetJobContext(ctx, jc.JobID)
	if err != nil {
		t.Fatalf("GetJobContext: %v", err)
	}
	if got.PRCommentID == nil || *got.PRCommentID != commentID {
		t.Errorf("pr_comment_id = %v, want %d", got.PRCommentID, commentID)
	}
	if got.InstallationID != 1000 || got.GitHubOrg != "nullisLabs" || got.CommitSHA != "abc1234def" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	if _, err := s.GetJobContext(ctx, "unknown-job"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPRCommentTracking(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.GetPRComment(ctx, "org", "repo", 42); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertPRComment(ctx, "Org", "Repo", 42, 111); err != nil {
		t.Fatalf("UpsertPRComment: %v", err)
	}
	id, err := s.GetPRComment(ctx, "org", "REPO", 42)
	if err != nil {
		t.Fatalf("GetPRComment: %v", err)
	}
	if id != 111 {
		t.Errorf("comment id = %d, want 111", id)
	}

	if err := s.UpsertPRComment(ctx, "org", "repo", 42, 222); err != nil {
		t.Fatalf("UpsertPRComment (update): %v", err)
	}
	id, err = s.GetPRComment(ctx, "org", "repo", 42)
	if err != nil {
		t.Fatalf("GetPRComment: %v", err)
	}
	if id != 222 {
		t.Errorf("comment id = %d, want 222", id)
	}

	if err := s.DeletePRComment(ctx, "ORG", "repo", 42); err != nil {
		t.Fatalf("DeletePRComment: %v", err)
	}
	if _, err := s.GetPRComment(ctx, "org", "repo", 42); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op
	if err := s.DeletePRComment(ctx, "org", "repo", 42); err != nil {
		t.Errorf("second delete should succeed: %v", err)
	}
}
