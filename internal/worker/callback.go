package worker

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

// CallbackClient posts signed status updates and heartbeats to central.
type CallbackClient struct {
	zone       string
	centralURL string
	signer     *auth.Signer
	client     *http.Client
	log        *slog.Logger
}

// NewCallbackClient creates a callback client for one worker zone.
func NewCallbackClient(zone, centralURL string, signer *auth.Signer, log *slog.Logger) *CallbackClient {
	if log == nil {
		log = slog.Default()
	}
	return &CallbackClient{
		zone:       zone,
		centralURL: strings.TrimSuffix(centralURL, "/"),
		signer:     signer,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// ReportStatus posts a status update to the job's callback URL. Updates
// are fire-and-forget from the pipeline's point of view; the caller logs
// failures and moves on.
func (c *CallbackClient) ReportStatus(ctx context.Context, callbackURL string, update protocol.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	return c.post(ctx, callbackURL, body)
}

// Heartbeat tells central this zone's worker is alive.
func (c *CallbackClient) Heartbeat(ctx context.Context) error {
	body, err := json.Marshal(protocol.Heartbeat{Zone: c.zone})
	if err != nil {
		return err
	}
	return c.post(ctx, c.centralURL+"/api/workers/heartbeat", body)
}

// RunHeartbeat sends a heartbeat immediately and then on every tick
// until the context is cancelled.
func (c *CallbackClient) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if err := c.Heartbeat(ctx); err != nil {
		c.log.Warn("heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *CallbackClient) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	timestamp := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(auth.HeaderWorkerSignature, c.signer.Sign(timestamp, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("central returned %d: %s", resp.StatusCode, string(detail))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
