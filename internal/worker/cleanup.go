package worker

import (
	"context"

	"github.com/nullisLabs/catapult/internal/protocol"
)

// RunCleanup tears down a deployed site: route, artifacts, tunnel entry,
// and archived logs. Every step is best-effort so a partially torn-down
// site can be cleaned again; the job always ends "cleaned".
func (w *Worker) RunCleanup(ctx context.Context, job *protocol.CleanupJob) {
	log := w.log.With("job_id", job.JobID, "site_id", job.SiteID)
	log.Info("cleanup started")

	if err := w.routes.Remove(ctx, job.SiteID); err != nil {
		log.Warn("could not remove route", "error", err)
	}
	if err := w.sites.Remove(job.SiteID); err != nil {
		log.Warn("could not remove site dir", "error", err)
	}
	if job.Domain != nil {
		if err := w.tunnel.RemoveRoute(ctx, *job.Domain); err != nil {
			log.Warn("could not remove tunnel route", "domain", *job.Domain, "error", err)
		}
	}
	if err := w.logs.Delete(ctx, job.JobID); err != nil {
		log.Debug("could not remove build logs", "error", err)
	}

	log.Info("cleanup finished")
	w.report(ctx, job.CallbackURL, protocol.StatusUpdate{
		JobID: job.JobID, Status: protocol.StatusCleaned,
	})
}
