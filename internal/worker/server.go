package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/config"
	"github.com/nullisLabs/catapult/internal/protocol"
)

// Server is the worker's HTTP surface: signed job intake plus a health
// endpoint for central's monitor.
type Server struct {
	httpServer *http.Server
	worker     *Worker
	signer     *auth.Signer
	log        *slog.Logger
}

// NewServer creates the worker HTTP server.
func NewServer(cfg *config.WorkerConfig, w *Worker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		worker: w,
		signer: auth.NewSigner(cfg.SharedSecret),
		log:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/build", s.handleBuild)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.log.Info("worker listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting jobs and drains the in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.worker.Wait()
	return err
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	body, ok := s.acceptJob(w, r)
	if !ok {
		return
	}

	var job protocol.BuildJob
	if err := json.Unmarshal(body, &job); err != nil || job.JobID == "" || job.Domain == "" {
		http.Error(w, "invalid build job", http.StatusBadRequest)
		return
	}

	s.accepted(w)
	s.worker.spawn(func(ctx context.Context) {
		s.worker.RunBuild(ctx, &job)
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	body, ok := s.acceptJob(w, r)
	if !ok {
		return
	}

	var job protocol.CleanupJob
	if err := json.Unmarshal(body, &job); err != nil || job.JobID == "" || job.SiteID == "" {
		http.Error(w, "invalid cleanup job", http.StatusBadRequest)
		return
	}

	s.accepted(w)
	s.worker.spawn(func(ctx context.Context) {
		s.worker.RunCleanup(ctx, &job)
	})
}

// acceptJob gates a job request: POST only, with a fresh signature from
// central over the exact body.
func (s *Server) acceptJob(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return nil, false
	}

	if err := s.signer.Verify(
		r.Header.Get(auth.HeaderCentralSignature),
		r.Header.Get(auth.HeaderTimestamp), body); err != nil {
		s.log.Warn("rejected job with bad signature", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (s *Server) accepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}
