package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/protocol"
)

// Dispatcher sends signed jobs to worker endpoints.
type Dispatcher struct {
	signer *auth.Signer
	client *http.Client
	log    *slog.Logger
}

// NewDispatcher creates a dispatcher signing with the worker shared secret.
func NewDispatcher(signer *auth.Signer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		signer: signer,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// DispatchBuild posts a build job to the worker.
func (d *Dispatcher) DispatchBuild(ctx context.Context, endpoint string, job *protocol.BuildJob) error {
	return d.post(ctx, endpoint, "/build", job)
}

// DispatchCleanup posts a cleanup job to the worker.
func (d *Dispatcher) DispatchCleanup(ctx context.Context, endpoint string, job *protocol.CleanupJob) error {
	return d.post(ctx, endpoint, "/cleanup", job)
}

func (d *Dispatcher) post(ctx context.Context, endpoint, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	timestamp := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(auth.HeaderCentralSignature, d.signer.Sign(timestamp, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("worker rejected job: %d - %s", resp.StatusCode, string(detail))
	}
	return nil
}
