package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nullisLabs/catapult/internal/logstore"
	"github.com/nullisLabs/catapult/internal/protocol"
	"github.com/nullisLabs/catapult/internal/worker/builder"
)

// repoOverrides is the slice of the repository's .deploy.json the worker
// acts on. Policy fields (zone, domains) were already resolved by central.
type repoOverrides struct {
	BuildType    string `json:"build_type"`
	BuildCommand string `json:"build_command"`
	OutputDir    string `json:"output_dir"`
}

// RunBuild executes a build job end to end and reports the outcome.
// Every failure path reports "failed" with a token-redacted message.
func (w *Worker) RunBuild(ctx context.Context, job *protocol.BuildJob) {
	log := w.log.With("job_id", job.JobID, "site_id", job.SiteID())
	log.Info("build started", "repo", job.OrgName+"/"+job.RepoName, "commit", job.CommitSHA)

	w.report(ctx, job.CallbackURL, protocol.StatusUpdate{
		JobID: job.JobID, Status: protocol.StatusPending,
	})

	deployedURL, err := w.build(ctx, job, log)

	if size, ferr := w.logs.Finalize(ctx, job.JobID); ferr != nil {
		log.Warn("could not finalize build log", "error", ferr)
	} else {
		log.Debug("build log archived", "bytes", size)
	}

	if err != nil {
		msg := builder.Redact(err.Error(), job.GitToken)
		log.Error("build failed", "error", msg)
		w.report(ctx, job.CallbackURL, protocol.StatusUpdate{
			JobID: job.JobID, Status: protocol.StatusFailed, ErrorMessage: &msg,
		})
		return
	}

	log.Info("build succeeded", "url", deployedURL)
	w.report(ctx, job.CallbackURL, protocol.StatusUpdate{
		JobID: job.JobID, Status: protocol.StatusSuccess, DeployedURL: &deployedURL,
	})
}

func (w *Worker) build(ctx context.Context, job *protocol.BuildJob, log *slog.Logger) (string, error) {
	workDir, err := w.cloner.Clone(ctx, job.RepoURL, job.GitToken, job.Branch, job.CommitSHA)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(workDir)

	overrides := loadRepoOverrides(workDir)

	siteType := job.SiteType
	if (siteType == "" || siteType == protocol.SiteAuto) && overrides.BuildType != "" {
		siteType = protocol.SiteType(overrides.BuildType)
	}
	if siteType == "" || siteType == protocol.SiteAuto {
		siteType, err = builder.Detect(workDir)
		if err != nil {
			return "", err
		}
		log.Info("detected site type", "type", siteType)
	}

	command, outputRel, err := resolveBuild(siteType, job, overrides)
	if err != nil {
		return "", err
	}
	nixFlake := siteType == protocol.SiteCustom && fileExists(filepath.Join(workDir, "flake.nix"))

	stdout := &logWriter{store: w.logs, jobID: job.JobID, stream: "stdout", log: log}
	stderr := &logWriter{store: w.logs, jobID: job.JobID, stream: "stderr", log: log}

	// The build is about to start for real; everything before this point
	// was setup.
	w.report(ctx, job.CallbackURL, protocol.StatusUpdate{
		JobID: job.JobID, Status: protocol.StatusBuilding,
	})

	var publishSrc string
	var exit int
	if w.directBuild {
		log.Warn("running build directly on the host, no isolation")
		exit, err = runDirect(ctx, workDir, command, nixFlake, stdout, stderr)
		if err != nil {
			return "", err
		}
		publishSrc = filepath.Join(workDir, outputRel)
	} else {
		if _, err := w.network.Ensure(ctx); err != nil {
			return "", fmt.Errorf("prepare build network: %w", err)
		}

		outputDir, err := os.MkdirTemp("", "catapult-output-*")
		if err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
		defer os.RemoveAll(outputDir)

		exit, err = w.runner.Run(ctx, builder.RunSpec{
			WorkDir:   workDir,
			OutputDir: outputDir,
			Command:   command,
			OutputRel: outputRel,
			NixFlake:  nixFlake,
			Stdout:    stdout,
			Stderr:    stderr,
		})
		if err != nil {
			return "", err
		}
		publishSrc = outputDir
	}
	if exit != 0 {
		return "", fmt.Errorf("build command exited with code %d", exit)
	}

	siteDir, err := w.sites.Publish(job.SiteID(), job.Domain, publishSrc)
	if err != nil {
		return "", fmt.Errorf("publish site: %w", err)
	}

	if err := w.routes.Configure(ctx, job.SiteID(), job.Domain, siteDir); err != nil {
		return "", fmt.Errorf("configure route: %w", err)
	}
	if err := w.tunnel.EnsureRoute(ctx, job.Domain); err != nil {
		return "", fmt.Errorf("configure tunnel: %w", err)
	}

	return protocol.PreviewURL(job.Domain), nil
}

// resolveBuild picks the build command and output directory: site type
// defaults, overridden by the repo's .deploy.json, overridden by the job.
func resolveBuild(siteType protocol.SiteType, job *protocol.BuildJob, overrides repoOverrides) (command, outputRel string, err error) {
	command, outputRel, _ = siteType.Defaults()

	if overrides.BuildCommand != "" {
		command = overrides.BuildCommand
	}
	if overrides.OutputDir != "" {
		outputRel = overrides.OutputDir
	}
	if job.BuildCommand != "" {
		command = job.BuildCommand
	}
	if job.OutputDir != "" {
		outputRel = job.OutputDir
	}

	if command == "" {
		return "", "", fmt.Errorf("site type %s requires an explicit build_command", siteType)
	}
	if outputRel == "" {
		return "", "", fmt.Errorf("site type %s requires an explicit output_dir", siteType)
	}
	return command, outputRel, nil
}

func loadRepoOverrides(dir string) repoOverrides {
	var o repoOverrides
	data, err := os.ReadFile(filepath.Join(dir, ".deploy.json"))
	if err != nil {
		return o
	}
	// Malformed config falls back to defaults; central already validated
	// the copy it fetched from the default branch.
	json.Unmarshal(data, &o)
	return o
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// runDirect runs the build command on the host in the checkout itself.
func runDirect(ctx context.Context, workDir, command string, nixFlake bool, stdout, stderr *logWriter) (int, error) {
	args := []string{"-c", command}
	name := "sh"
	if nixFlake {
		name = "nix"
		args = []string{"develop", "-c", "sh", "-c", command}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("run build command: %w", err)
}

// logWriter streams subprocess output into the log store. Writes never
// fail the build; a broken log backend only loses log lines.
type logWriter struct {
	store  logstore.LogStore
	jobID  string
	stream string
	log    *slog.Logger
}

func (l *logWriter) Write(p []byte) (int, error) {
	if err := l.store.AppendChunk(context.Background(), l.jobID, l.stream, p); err != nil {
		l.log.Debug("could not record build output", "stream", l.stream, "error", err)
	}
	return len(p), nil
}
