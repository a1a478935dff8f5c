package central

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nullisLabs/catapult/internal/storage"
)

// Monitor probes worker /health endpoints and records liveness. Probe
// failures are logged but never disable a worker; heartbeats and the
// monitor both only advance last_seen.
type Monitor struct {
	store storage.Storage
	log   *slog.Logger

	client        *http.Client
	checkInterval time.Duration
	maxRetries    int
	initialDelay  time.Duration
	maxDelay      time.Duration
}

// NewMonitor creates a worker health monitor with production timings:
// a probe every 30s, 5s request timeout, 3 attempts with exponential
// backoff starting at 1s.
func NewMonitor(store storage.Storage, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:         store,
		log:           log,
		client:        &http.Client{Timeout: 5 * time.Second},
		checkInterval: 30 * time.Second,
		maxRetries:    3,
		initialDelay:  1 * time.Second,
		maxDelay:      30 * time.Second,
	}
}

// Run probes all workers once at startup, then on every tick until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.checkAll(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		m.log.Error("could not list workers", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *storage.Worker) {
			defer wg.Done()
			m.checkWorker(ctx, w)
		}(w)
	}
	wg.Wait()
}

// checkWorker probes a worker with retries, backing off 1s, 2s, 4s...
// capped at maxDelay. A healthy response advances last_seen.
func (m *Monitor) checkWorker(ctx context.Context, w *storage.Worker) {
	delay := m.initialDelay
	var lastErr error

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		lastErr = m.probe(ctx, w.Endpoint)
		if lastErr == nil {
			if _, err := m.store.UpdateWorkerHeartbeat(ctx, w.Zone); err != nil {
				m.log.Error("could not record worker health", "zone", w.Zone, "error", err)
			}
			return
		}

		if attempt == m.maxRetries {
			break
		}
		m.log.Debug("worker probe failed, retrying",
			"zone", w.Zone, "attempt", attempt, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.maxDelay {
			delay = m.maxDelay
		}
	}

	m.log.Warn("worker unreachable", "zone", w.Zone, "endpoint", w.Endpoint, "error", lastErr)
}

func (m *Monitor) probe(ctx context.Context, endpoint string) error {
	url := strings.TrimSuffix(endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
