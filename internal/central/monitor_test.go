package central

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestMonitor(t *testing.T) *Monitor {
	m := NewMonitor(newTestStore(t), testLogger())
	m.initialDelay = 5 * time.Millisecond
	m.maxDelay = 20 * time.Millisecond
	return m
}

func TestMonitorHealthyWorkerUpdatesLastSeen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	m := newTestMonitor(t)
	ctx := context.Background()
	if err := m.store.SyncWorkers(ctx, map[string]string{"nxm": srv.URL}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	m.checkAll(ctx)

	w, err := m.store.GetWorker(ctx, "nxm")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.LastSeen == nil {
		t.Error("last_seen not set after healthy probe")
	}
}

func TestMonitorRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First two probes fail, third succeeds
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	m := newTestMonitor(t)
	ctx := context.Background()
	if err := m.store.SyncWorkers(ctx, map[string]string{"nxm": srv.URL}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	m.checkAll(ctx)

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	w, err := m.store.GetWorker(ctx, "nxm")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.LastSeen == nil {
		t.Error("last_seen not set after eventual success")
	}
}

func TestMonitorGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestMonitor(t)
	ctx := context.Background()
	if err := m.store.SyncWorkers(ctx, map[string]string{"nxm": srv.URL}); err != nil {
		t.Fatalf("SyncWorkers: %v", err)
	}

	m.checkAll(ctx)

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	w, err := m.store.GetWorker(ctx, "nxm")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.LastSeen != nil {
		t.Error("last_seen should stay unset for an unreachable worker")
	}
}
