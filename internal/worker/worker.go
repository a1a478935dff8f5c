// Package worker executes build and cleanup jobs dispatched by central:
// clone, containerized build, artifact publish, route programming, and
// signed status callbacks.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nullisLabs/catapult/internal/config"
	"github.com/nullisLabs/catapult/internal/logstore"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/worker/builder"
	"github.com/nullisLabs/catapult/internal/worker/deploy"
)

// Jobs run detached from the dispatching request; this bounds them.
const jobTimeout = 30 * time.Minute

type repoCloner interface {
	Clone(ctx context.Context, repoURL, token, branch, commitSHA string) (string, error)
}

type buildRunner interface {
	Run(ctx context.Context, spec builder.RunSpec) (int, error)
}

type networkProvider interface {
	Ensure(ctx context.Context) (string, error)
}

type routeProgrammer interface {
	Configure(ctx context.Context, siteID, hostname, rootDir string) error
	Remove(ctx context.Context, siteID string) error
}

type statusReporter interface {
	ReportStatus(ctx context.Context, callbackURL string, update protocol.StatusUpdate) error
}

// Worker runs the build/cleanup pipeline for one zone.
type Worker struct {
	sites    *deploy.SiteStore
	routes   routeProgrammer
	tunnel   deploy.TunnelProgrammer
	cloner   repoCloner
	runner   buildRunner
	network  networkProvider
	logs     logstore.LogStore
	callback statusReporter

	directBuild bool

	log *slog.Logger
	wg  sync.WaitGroup
}

// New wires a worker from its configuration. The tunnel is a no-op
// client unless the Cloudflare credentials are fully configured.
func New(cfg *config.WorkerConfig, logs logstore.LogStore, callback *CallbackClient, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}

	var tunnel deploy.TunnelProgrammer = deploy.NoopTunnel{}
	if cfg.Cloudflare.Enabled() {
		tunnel = deploy.NewCloudflareTunnel(
			cfg.Cloudflare.APIToken, cfg.Cloudflare.AccountID,
			cfg.Cloudflare.TunnelID, cfg.Cloudflare.ServiceURL, log)
	}

	return &Worker{
		sites:  &deploy.SiteStore{Dir: cfg.SitesDir},
		routes: deploy.NewCaddyClient(cfg.CaddyAdminAPI, log),
		tunnel: tunnel,
		cloner: &builder.Cloner{},
		runner: &builder.Runner{
			Runtime:          cfg.ContainerRuntime,
			Image:            cfg.BuildImage,
			Network:          builder.BuildNetworkName,
			MemoryLimitBytes: cfg.MemoryLimitBytes,
			CPUQuota:         cfg.CPUQuota,
			CPUPeriod:        cfg.CPUPeriod,
			PidsLimit:        cfg.PidsLimit,
		},
		network:     &builder.Warden{Runtime: cfg.ContainerRuntime, Log: log},
		logs:        logs,
		callback:    callback,
		directBuild: cfg.DirectBuild,
		log:         log,
	}
}

// Sites exposes the site store for startup route reconciliation.
func (w *Worker) Sites() *deploy.SiteStore { return w.sites }

// spawn runs a job on a background context detached from the request.
func (w *Worker) spawn(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until all in-flight jobs finish.
func (w *Worker) Wait() { w.wg.Wait() }

// report posts a status update; callback failures are logged, never fatal.
func (w *Worker) report(ctx context.Context, callbackURL string, update protocol.StatusUpdate) {
	if err := w.callback.ReportStatus(ctx, callbackURL, update); err != nil {
		w.log.Warn("status callback failed",
			"job_id", update.JobID, "status", update.Status, "error", err)
	}
}
