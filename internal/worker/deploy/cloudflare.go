package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TunnelProgrammer exposes sites through an external tunnel. The no-op
// implementation is used when the tunnel is not configured.
type TunnelProgrammer interface {
	EnsureRoute(ctx context.Context, hostname string) error
	RemoveRoute(ctx context.Context, hostname string) error
}

// NoopTunnel is the disabled tunnel.
type NoopTunnel struct{}

func (NoopTunnel) EnsureRoute(ctx context.Context, hostname string) error { return nil }
func (NoopTunnel) RemoveRoute(ctx context.Context, hostname string) error { return nil }

// CloudflareTunnel programs tunnel ingress rules and the DNS records
// pointing hostnames at the tunnel.
type CloudflareTunnel struct {
	// BaseURL of the Cloudflare API. Overridable for tests.
	BaseURL string

	apiToken   string
	accountID  string
	tunnelID   string
	serviceURL string

	client *http.Client
	log    *slog.Logger
}

// NewCloudflareTunnel creates a tunnel client.
func NewCloudflareTunnel(apiToken, accountID, tunnelID, serviceURL string, log *slog.Logger) *CloudflareTunnel {
	if log == nil {
		log = slog.Default()
	}
	return &CloudflareTunnel{
		BaseURL:    "https://api.cloudflare.com/client/v4",
		apiToken:   apiToken,
		accountID:  accountID,
		tunnelID:   tunnelID,
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

type ingressRule struct {
	Hostname      string          `json:"hostname,omitempty"`
	Service       string          `json:"service"`
	OriginRequest json.RawMessage `json:"originRequest,omitempty"`
}

type tunnelConfig struct {
	Ingress []ingressRule `json:"ingress"`
}

// EnsureRoute adds a hostname to the tunnel ingress (before the
// catch-all) and points its DNS record at the tunnel. A hostname that is
// already routed is left untouched.
func (c *CloudflareTunnel) EnsureRoute(ctx context.Context, hostname string) error {
	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		return err
	}

	for _, rule := range cfg.Ingress {
		if strings.EqualFold(rule.Hostname, hostname) {
			return nil
		}
	}

	rule := ingressRule{Hostname: hostname, Service: c.serviceURL}
	catchAll := -1
	for i, r := range cfg.Ingress {
		if r.Hostname == "" {
			catchAll = i
			break
		}
	}
	if catchAll >= 0 {
		cfg.Ingress = append(cfg.Ingress[:catchAll],
			append([]ingressRule{rule}, cfg.Ingress[catchAll:]...)...)
	} else {
		cfg.Ingress = append(cfg.Ingress, rule, ingressRule{Service: "http_status:404"})
	}

	if err := c.putTunnelConfig(ctx, cfg); err != nil {
		return err
	}

	if err := c.ensureDNS(ctx, hostname); err != nil {
		return err
	}

	c.log.Info("tunnel route ensured", "hostname", hostname)
	return nil
}

// RemoveRoute drops the DNS record and the ingress rule for a hostname.
// Both steps are best-effort; cleanup never fails the caller.
func (c *CloudflareTunnel) RemoveRoute(ctx context.Context, hostname string) error {
	if err := c.removeDNS(ctx, hostname); err != nil {
		c.log.Warn("could not remove DNS record", "hostname", hostname, "error", err)
	}

	cfg, err := c.getTunnelConfig(ctx)
	if err != nil {
		c.log.Warn("could not fetch tunnel config", "hostname", hostname, "error", err)
		return nil
	}

	kept := cfg.Ingress[:0]
	removed := false
	for _, rule := range cfg.Ingress {
		if strings.EqualFold(rule.Hostname, hostname) {
			removed = true
			continue
		}
		kept = append(kept, rule)
	}
	if !removed {
		return nil
	}
	cfg.Ingress = kept

	if err := c.putTunnelConfig(ctx, cfg); err != nil {
		c.log.Warn("could not update tunnel config", "hostname", hostname, "error", err)
	}
	return nil
}

func (c *CloudflareTunnel) tunnelConfigURL() string {
	return fmt.Sprintf("%s/accounts/%s/cfd_tunnel/%s/configurations", c.BaseURL, c.accountID, c.tunnelID)
}

func (c *CloudflareTunnel) getTunnelConfig(ctx context.Context) (*tunnelConfig, error) {
	var result struct {
		Result struct {
			Config tunnelConfig `json:"config"`
		} `json:"result"`
	}
	if err := c.call(ctx, http.MethodGet, c.tunnelConfigURL(), nil, &result); err != nil {
		return nil, fmt.Errorf("fetch tunnel config: %w", err)
	}
	return &result.Result.Config, nil
}

func (c *CloudflareTunnel) putTunnelConfig(ctx context.Context, cfg *tunnelConfig) error {
	payload := map[string]any{"config": cfg}
	if err := c.call(ctx, http.MethodPut, c.tunnelConfigURL(), payload, nil); err != nil {
		return fmt.Errorf("update tunnel config: %w", err)
	}
	return nil
}

// ensureDNS upserts the proxied CNAME pointing the hostname at the
// tunnel endpoint. The record is only written when absent or stale.
func (c *CloudflareTunnel) ensureDNS(ctx context.Context, hostname string) error {
	zoneID, err := c.zoneForHostname(ctx, hostname)
	if err != nil {
		return err
	}

	target := c.tunnelID + ".cfargotunnel.com"

	var lookup struct {
		Result []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"result"`
	}
	listURL := fmt.Sprintf("%s/zones/%s/dns_records?type=CNAME&name=%s", c.BaseURL, zoneID, url.QueryEscape(hostname))
	if err := c.call(ctx, http.MethodGet, listURL, nil, &lookup); err != nil {
		return fmt.Errorf("lookup DNS record: %w", err)
	}

	record := map[string]any{
		"type":    "CNAME",
		"name":    hostname,
		"content": target,
		"proxied": true,
		"ttl":     1,
	}

	if len(lookup.Result) == 0 {
		createURL := fmt.Sprintf("%s/zones/%s/dns_records", c.BaseURL, zoneID)
		if err := c.call(ctx, http.MethodPost, createURL, record, nil); err != nil {
			return fmt.Errorf("create DNS record: %w", err)
		}
		return nil
	}

	existing := lookup.Result[0]
	if strings.EqualFold(existing.Content, target) {
		return nil
	}
	updateURL := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.BaseURL, zoneID, existing.ID)
	if err := c.call(ctx, http.MethodPut, updateURL, record, nil); err != nil {
		return fmt.Errorf("update DNS record: %w", err)
	}
	return nil
}

func (c *CloudflareTunnel) removeDNS(ctx context.Context, hostname string) error {
	zoneID, err := c.zoneForHostname(ctx, hostname)
	if err != nil {
		return err
	}

	var lookup struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	listURL := fmt.Sprintf("%s/zones/%s/dns_records?type=CNAME&name=%s", c.BaseURL, zoneID, url.QueryEscape(hostname))
	if err := c.call(ctx, http.MethodGet, listURL, nil, &lookup); err != nil {
		return err
	}
	if len(lookup.Result) == 0 {
		return nil
	}

	deleteURL := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.BaseURL, zoneID, lookup.Result[0].ID)
	return c.call(ctx, http.MethodDelete, deleteURL, nil, nil)
}

// zoneForHostname finds the enclosing zone by querying progressively
// shorter suffixes of the hostname.
func (c *CloudflareTunnel) zoneForHostname(ctx context.Context, hostname string) (string, error) {
	labels := strings.Split(strings.ToLower(hostname), ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")

		var lookup struct {
			Result []struct {
				ID string `json:"id"`
			} `json:"result"`
		}
		zoneURL := fmt.Sprintf("%s/zones?name=%s", c.BaseURL, url.QueryEscape(candidate))
		if err := c.call(ctx, http.MethodGet, zoneURL, nil, &lookup); err != nil {
			return "", fmt.Errorf("lookup zone: %w", err)
		}
		if len(lookup.Result) > 0 {
			return lookup.Result[0].ID, nil
		}
	}
	return "", fmt.Errorf("no zone found for %s", hostname)
}

func (c *CloudflareTunnel) call(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("cloudflare api returned %d: %s", resp.StatusCode, string(detail))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}
