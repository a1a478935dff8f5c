package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CaddyClient programs file-server routes through Caddy's admin API.
// Routes are id-addressable; each site's route carries its site id.
type CaddyClient struct {
	// AdminAPI is the base URL of the admin endpoint, e.g.
	// http://localhost:2019. Overridable for tests.
	AdminAPI string

	// ServerName inside the http app; "srv0" in a default config.
	ServerName string

	client *http.Client
	log    *slog.Logger

	readyTimeout time.Duration
	readyStep    time.Duration
}

// NewCaddyClient creates a client for the admin API.
func NewCaddyClient(adminAPI string, log *slog.Logger) *CaddyClient {
	if log == nil {
		log = slog.Default()
	}
	return &CaddyClient{
		AdminAPI:     strings.TrimSuffix(adminAPI, "/"),
		ServerName:   "srv0",
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log,
		readyTimeout: 60 * time.Second,
		readyStep:    500 * time.Millisecond,
	}
}

type caddyRoute struct {
	ID       string         `json:"@id,omitempty"`
	Match    []caddyMatch   `json:"match,omitempty"`
	Handle   []caddyHandler `json:"handle,omitempty"`
	Terminal bool           `json:"terminal,omitempty"`
}

type caddyMatch struct {
	Host []string `json:"host,omitempty"`
}

type caddyHandler struct {
	Handler    string   `json:"handler"`
	Root       string   `json:"root,omitempty"`
	IndexNames []string `json:"index_names,omitempty"`
}

func (c *CaddyClient) routesPath() string {
	return fmt.Sprintf("%s/config/apps/http/servers/%s/routes", c.AdminAPI, c.ServerName)
}

// Configure installs (or replaces) the route serving a site. Matching is
// first-wins and the final route is a catch-all, so the new route goes
// at the catch-all's index, never after it.
func (c *CaddyClient) Configure(ctx context.Context, siteID, hostname, siteDir string) error {
	// Replace semantics: drop any previous route for this site first.
	if err := c.deleteByID(ctx, siteID); err != nil {
		c.log.Debug("no existing route to delete", "site_id", siteID, "error", err)
	}

	routes, err := c.getRoutes(ctx)
	if err != nil {
		return err
	}

	route := caddyRoute{
		ID:    siteID,
		Match: []caddyMatch{{Host: []string{hostname}}},
		Handle: []caddyHandler{{
			Handler:    "file_server",
			Root:       siteDir,
			IndexNames: []string{"index.html"},
		}},
		Terminal: true,
	}
	body, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}

	catchAll := -1
	for i, r := range routes {
		if len(r.Match) == 0 {
			catchAll = i
			break
		}
	}

	if catchAll >= 0 {
		url := fmt.Sprintf("%s/%d", c.routesPath(), catchAll)
		if err := c.do(ctx, http.MethodPut, url, body); err != nil {
			return fmt.Errorf("insert route: %w", err)
		}
	} else {
		if err := c.do(ctx, http.MethodPost, c.routesPath(), body); err != nil {
			return fmt.Errorf("append route: %w", err)
		}
	}

	c.log.Info("route configured", "site_id", siteID, "hostname", hostname)
	return nil
}

// Remove deletes a site's route. An absent route is success.
func (c *CaddyClient) Remove(ctx context.Context, siteID string) error {
	return c.deleteByID(ctx, siteID)
}

func (c *CaddyClient) deleteByID(ctx context.Context, siteID string) error {
	url := fmt.Sprintf("%s/id/%s", c.AdminAPI, siteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delete route: admin api returned %d", resp.StatusCode)
	}
	return nil
}

func (c *CaddyClient) getRoutes(ctx context.Context) ([]caddyRoute, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routesPath(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch routes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch routes: admin api returned %d", resp.StatusCode)
	}

	var routes []caddyRoute
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	return routes, nil
}

func (c *CaddyClient) do(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("admin api returned %d: %s", resp.StatusCode, string(detail))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// WaitReady polls the admin API until it answers, bounding the race
// between worker startup and the proxy's own initialization.
func (c *CaddyClient) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.readyTimeout)
	url := c.AdminAPI + "/config/"

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("caddy admin api not ready after %s", c.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.readyStep):
		}
	}
}

// Reconcile reinstalls a route for every published site. Run at startup
// so a proxy restart with an empty config converges back to serving
// everything on disk.
func (c *CaddyClient) Reconcile(ctx context.Context, store *SiteStore) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	sites, err := store.List()
	if err != nil {
		return err
	}
	for _, site := range sites {
		if err := c.Configure(ctx, site.SiteID, site.Domain, store.SiteDir(site.SiteID)); err != nil {
			c.log.Error("could not restore route", "site_id", site.SiteID, "error", err)
			continue
		}
	}
	c.log.Info("routes reconciled", "sites", len(sites))
	return nil
}
