package deploy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeCloudflare serves the tunnel configuration and DNS endpoints.
type fakeCloudflare struct {
	mu      sync.Mutex
	ingress []ingressRule
	records map[string]string // hostname to CNAME content
	zones   map[string]string // zone name to id
}

func (f *fakeCloudflare) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/configurations"):
			json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{"config": map[string]any{"ingress": f.ingress}},
			})

		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/configurations"):
			var payload struct {
				Config tunnelConfig `json:"config"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			f.ingress = payload.Config.Ingress
			w.Write([]byte(`{"result":{}}`))

		case r.Method == http.MethodGet && r.URL.Path == "/zones":
			name := r.URL.Query().Get("name")
			var result []map[string]string
			if id, ok := f.zones[name]; ok {
				result = append(result, map[string]string{"id": id})
			}
			json.NewEncoder(w).Encode(map[string]any{"result": result})

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/dns_records"):
			name := r.URL.Query().Get("name")
			var result []map[string]string
			if content, ok := f.records[name]; ok {
				result = append(result, map[string]string{"id": "rec-" + name, "content": content})
			}
			json.NewEncoder(w).Encode(map[string]any{"result": result})

		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/dns_records"):
			var record struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&record)
			f.records[record.Name] = record.Content
			w.Write([]byte(`{"result":{}}`))

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/dns_records/"):
			var record struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&record)
			f.records[record.Name] = record.Content
			w.Write([]byte(`{"result":{}}`))

		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/dns_records/"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			delete(f.records, strings.TrimPrefix(id, "rec-"))
			w.Write([]byte(`{"result":{}}`))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestTunnel(t *testing.T, fake *fakeCloudflare) *CloudflareTunnel {
	t.Helper()
	if fake.records == nil {
		fake.records = map[string]string{}
	}
	if fake.zones == nil {
		fake.zones = map[string]string{"nxm.rs": "zone-1"}
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	c := NewCloudflareTunnel("tok", "acct-1", "tun-1", "http://localhost:80",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.BaseURL = srv.URL
	return c
}

func TestEnsureRouteInsertsBeforeCatchAll(t *testing.T) {
	fake := &fakeCloudflare{ingress: []ingressRule{
		{Hostname: "existing.nxm.rs", Service: "http://localhost:80"},
		{Service: "http_status:404"},
	}}
	c := newTestTunnel(t, fake)

	if err := c.EnsureRoute(context.Background(), "pr-42-website.nxm.rs"); err != nil {
		t.Fatalf("EnsureRoute: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ingress) != 3 {
		t.Fatalf("ingress rules = %d, want 3", len(fake.ingress))
	}
	if fake.ingress[1].Hostname != "pr-42-website.nxm.rs" {
		t.Errorf("rule order = %+v", fake.ingress)
	}
	if fake.ingress[2].Hostname != "" {
		t.Error("catch-all no longer last")
	}

	// DNS record created pointing at the tunnel
	if fake.records["pr-42-website.nxm.rs"] != "tun-1.cfargotunnel.com" {
		t.Errorf("dns records = %v", fake.records)
	}
}

func TestEnsureRouteSynthesizesCatchAll(t *testing.T) {
	fake := &fakeCloudflare{}
	c := newTestTunnel(t, fake)

	if err := c.EnsureRoute(context.Background(), "site.nxm.rs"); err != nil {
		t.Fatalf("EnsureRoute: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ingress) != 2 {
		t.Fatalf("ingress rules = %d, want 2", len(fake.ingress))
	}
	if fake.ingress[1].Service != "http_status:404" || fake.ingress[1].Hostname != "" {
		t.Errorf("synthetic catch-all = %+v", fake.ingress[1])
	}
}

func TestEnsureRouteIdempotent(t *testing.T) {
	fake := &fakeCloudflare{ingress: []ingressRule{
		{Hostname: "site.nxm.rs", Service: "http://localhost:80"},
		{Service: "http_status:404"},
	}}
	c := newTestTunnel(t, fake)

	if err := c.EnsureRoute(context.Background(), "site.nxm.rs"); err != nil {
		t.Fatalf("EnsureRoute: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ingress) != 2 {
		t.Errorf("ingress rules = %d, want 2 (unchanged)", len(fake.ingress))
	}
	// Early return: no DNS write either
	if len(fake.records) != 0 {
		t.Errorf("dns records = %v, want none", fake.records)
	}
}

func TestEnsureRouteZoneLookupWalksSuffixes(t *testing.T) {
	fake := &fakeCloudflare{zones: map[string]string{"nxm.rs": "zone-1"}}
	c := newTestTunnel(t, fake)

	// Hostname with several labels; only the apex zone exists.
	if err := c.EnsureRoute(context.Background(), "deep.pr-42.website.nxm.rs"); err != nil {
		t.Fatalf("EnsureRoute: %v", err)
	}
}

func TestRemoveRouteDropsRuleAndRecord(t *testing.T) {
	fake := &fakeCloudflare{
		ingress: []ingressRule{
			{Hostname: "site.nxm.rs", Service: "http://localhost:80"},
			{Service: "http_status:404"},
		},
		records: map[string]string{"site.nxm.rs": "tun-1.cfargotunnel.com"},
	}
	c := newTestTunnel(t, fake)

	if err := c.RemoveRoute(context.Background(), "site.nxm.rs"); err != nil {
		t.Fatalf("RemoveRoute: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ingress) != 1 || fake.ingress[0].Service != "http_status:404" {
		t.Errorf("ingress after remove = %+v", fake.ingress)
	}
	if len(fake.records) != 0 {
		t.Errorf("records after remove = %v", fake.records)
	}
}

func TestRemoveRouteBestEffortOnAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCloudflareTunnel("tok", "acct-1", "tun-1", "http://localhost:80",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.BaseURL = srv.URL

	if err := c.RemoveRoute(context.Background(), "site.nxm.rs"); err != nil {
		t.Errorf("RemoveRoute should swallow upstream failures, got %v", err)
	}
}

func TestNoopTunnel(t *testing.T) {
	var tun TunnelProgrammer = NoopTunnel{}
	if err := tun.EnsureRoute(context.Background(), "x"); err != nil {
		t.Error(err)
	}
	if err := tun.RemoveRoute(context.Background(), "x"); err != nil {
		t.Error(err)
	}
}
