package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nullisLabs/catapult/internal/auth"
	"github.com/nullisLabs/catapult/internal/central"
	"github.com/nullisLabs/catapult/internal/config"
	"github.com/nullisLabs/catapult/internal/github"
	"github.com/nullisLabs/catapult/internal/logstore"
	"github.com/nullisLabs/catapult/internal/storage"
	"github.com/nullisLabs/catapult/internal/version"
	"github.com/nullisLabs/catapult/internal/worker"
	"github.com/nullisLabs/catapult/internal/worker/builder"
	"github.com/nullisLabs/catapult/internal/worker/deploy"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "catapult",
		Short:   "Webhook-driven static site deployments",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		centralCmd(),
		workerCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func centralCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "central",
		Short: "Start the central control plane",
		RunE:  runCentral,
	}
	cmd.Flags().String("config", "", "Path to a YAML config file")
	cmd.Flags().StringSlice("worker", nil, "Worker endpoint as zone=URL (repeatable)")
	return cmd
}

func runCentral(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	workerFlags, _ := cmd.Flags().GetStringSlice("worker")

	cfg, err := config.LoadCentral(configPath)
	if err != nil {
		return err
	}
	cfg.Workers, err = parseWorkerFlags(workerFlags)
	if err != nil {
		return err
	}

	log := slog.Default()

	store, err := openStorage(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker set is declared on the command line; the store mirrors
	// it, so a removed flag disables the zone on the next start.
	if err := store.SyncWorkers(ctx, cfg.Workers); err != nil {
		return fmt.Errorf("sync workers: %w", err)
	}
	log.Info("workers synced", "zones", len(cfg.Workers))

	pem, err := os.ReadFile(cfg.GitHubPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("read GitHub private key: %w", err)
	}
	app, err := github.NewApp(cfg.GitHubAppID, pem, log)
	if err != nil {
		return fmt.Errorf("initialize GitHub app: %w", err)
	}

	srv := central.NewServer(cfg, store, app, log)
	go srv.Monitor().Run(ctx)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a deployment worker",
		RunE:  runWorker,
	}
	cmd.Flags().String("config", "", "Path to a YAML config file")
	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return err
	}

	log := slog.Default()

	if err := builder.EnsureGit(); err != nil {
		return err
	}
	if cfg.DirectBuild {
		log.Warn("direct builds enabled, commands run unisolated on the host")
	} else if err := builder.CheckAvailable(cfg.ContainerRuntime); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logs, err := openLogStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize log store: %w", err)
	}
	defer logs.Close()

	callback := worker.NewCallbackClient(cfg.Zone, cfg.CentralURL, auth.NewSigner(cfg.SharedSecret), log)
	w := worker.New(cfg, logs, callback, log)

	// Startup recovery: wait for the reverse proxy, then reinstall a
	// route for every site directory that survived the restart.
	caddy := deploy.NewCaddyClient(cfg.CaddyAdminAPI, log)
	if err := caddy.Reconcile(ctx, w.Sites()); err != nil {
		log.Warn("route reconciliation incomplete", "error", err)
	}

	go callback.RunHeartbeat(ctx, cfg.HeartbeatInterval.Duration())

	srv := worker.NewServer(cfg, w, log)
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseWorkerFlags turns repeatable zone=URL flags into the worker map.
func parseWorkerFlags(flags []string) (map[string]string, error) {
	workers := make(map[string]string, len(flags))
	for _, flag := range flags {
		zone, endpoint, ok := strings.Cut(flag, "=")
		if !ok || zone == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid --worker %q, expected zone=URL", flag)
		}
		workers[zone] = endpoint
	}
	return workers, nil
}

// openStorage picks the backend from the URL scheme: postgres for
// postgres:// URLs, SQLite for everything else (a file path or :memory:).
func openStorage(databaseURL string) (storage.Storage, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return storage.NewPostgres(databaseURL)
	}
	return storage.NewSQLite(strings.TrimPrefix(databaseURL, "sqlite://"))
}

// openLogStore prefers the R2 archive when it is fully configured.
func openLogStore(ctx context.Context, cfg *config.WorkerConfig, log *slog.Logger) (logstore.LogStore, error) {
	if cfg.R2.Enabled() {
		return logstore.NewR2LogStore(ctx, logstore.R2Options{
			AccountID:       cfg.R2.AccountID,
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
			Bucket:          cfg.R2.Bucket,
		}, log)
	}
	return logstore.NewFilesystemLogStore(cfg.LogDir, log)
}
