package central

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/config"
	"github.com/nullisLabs/catapult/internal/github"
	"github.com/nullisLabs/catapult/internal/storage"
)

// Server wires the central HTTP surface: the GitHub webhook intake, the
// worker callback endpoints, the admin API, and a health probe.
type Server struct {
	httpServer *http.Server
	webhook    *WebhookHandler
	status     *StatusHandler
	monitor    *Monitor
	log        *slog.Logger
}

// NewServer builds the central service from its configuration.
func NewServer(cfg *config.CentralConfig, store storage.Storage, app *github.App, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	signer := auth.NewSigner(cfg.WorkerSharedSecret)
	gh := github.NewClient(log)
	dispatcher := NewDispatcher(signer, log)
	callbackURL := strings.TrimSuffix(cfg.PublicURL, "/") + "/api/status"

	webhook := NewWebhookHandler(store, app, gh, dispatcher, cfg.GitHubWebhookSecret, callbackURL, log)
	status := NewStatusHandler(store, app, gh, signer, log)
	heartbeat := NewHeartbeatHandler(store, signer, log)
	admin := NewAdminHandler(store, cfg.AdminAPIKey, log)

	mux := http.NewServeMux()
	mux.Handle("/webhook/github", webhook)
	mux.Handle("/api/status", status)
	mux.Handle("/api/workers/heartbeat", heartbeat)
	mux.Handle("/api/admin/auth", admin)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		webhook: webhook,
		status:  status,
		monitor: NewMonitor(store, log),
		log:     log,
	}
}

// Monitor returns the worker health monitor for the caller to run.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("central listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight background work.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.webhook.Wait()
	s.status.Wait()
	return err
}
