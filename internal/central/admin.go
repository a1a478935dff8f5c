package central

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nullisLabs/catapult/internal/storage"
)

// AdminHandler manages the authorized-org allowlist. Authenticated with a
// static bearer key; this surface is for operators, not end users.
type AdminHandler struct {
	store  storage.Storage
	apiKey string
	log    *slog.Logger
}

// NewAdminHandler creates the admin API handler.
func NewAdminHandler(store storage.Storage, apiKey string, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{store: store, apiKey: apiKey, log: log}
}

type orgPayload struct {
	GitHubOrg      string   `json:"github_org"`
	Zones          []string `json:"zones"`
	DomainPatterns []string `json:"domain_patterns"`
	Enabled        bool     `json:"enabled,omitempty"`
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listOrgs(w, r)
	case http.MethodPost:
		h.upsertOrg(w, r)
	case http.MethodDelete:
		h.deleteOrg(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) == 1
}

func (h *AdminHandler) listOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.ListAuthorizedOrgs(r.Context())
	if err != nil {
		h.log.Error("could not list orgs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]orgPayload, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, orgPayload{
			GitHubOrg:      o.GitHubOrg,
			Zones:          o.Zones,
			DomainPatterns: o.DomainPatterns,
			Enabled:        o.Enabled,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *AdminHandler) upsertOrg(w http.ResponseWriter, r *http.Request) {
	var payload orgPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.GitHubOrg == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.store.UpsertAuthorizedOrg(r.Context(), payload.GitHubOrg, payload.Zones, payload.DomainPatterns); err != nil {
		h.log.Error("could not upsert org", "org", payload.GitHubOrg, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("org authorized", "org", payload.GitHubOrg, "zones", payload.Zones, "domain_patterns", payload.DomainPatterns)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (h *AdminHandler) deleteOrg(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GitHubOrg string `json:"github_org"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.GitHubOrg == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	deleted, err := h.store.DeleteAuthorizedOrg(r.Context(), payload.GitHubOrg)
	if err != nil {
		h.log.Error("could not delete org", "org", payload.GitHubOrg, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	h.log.Info("org deauthorized", "org", payload.GitHubOrg)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}
