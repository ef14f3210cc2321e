package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zfstools/autobackupd/internal/config"
	"github.com/zfstools/autobackupd/internal/health"
	"github.com/zfstools/autobackupd/internal/models"
	"github.com/zfstools/autobackupd/internal/services/reconciler"
	syncsvc "github.com/zfstools/autobackupd/internal/services/sync"
	"github.com/zfstools/autobackupd/internal/services/zfsapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the backup agent",
	Long: `Run the reconciliation loop until interrupted:
1. Create due snapshots per the configured schedule
2. Prune snapshots beyond the retention policy
3. Replicate the newest snapshot to each due destination
4. Track replicated snapshots with ZFS holds

The loop reconciles against the storage API every tick, so a restarted
agent picks up exactly where it left off.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("api", cfg.API.URL).
		Int("datasets", len(cfg.Datasets)).
		Bool("remote_sync", cfg.Server.RemoteSync).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	api := zfsapi.New(log.Logger, cfg.API)

	// A storage API that is down at startup is a deployment problem, not
	// something to retry through.
	if err := api.Health(ctx); err != nil {
		log.Error().Err(err).Str("api", cfg.API.URL).Msg("storage api unreachable")
		return err
	}

	tracker := health.NewTracker(cfg.Server.UnhealthyAfter)
	if cfg.Server.HealthAddr != "" {
		startHealthServer(ctx, cfg.Server.HealthAddr, tracker)
	}

	syncSvc := syncsvc.New(log.Logger, api, tracker.Metrics(), cfg.Server.PollInterval)
	source := func() (*models.Config, error) {
		reloaded, err := config.NewParser().LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		if err := config.Validate(reloaded); err != nil {
			return nil, err
		}
		return reloaded, nil
	}

	if err := reconciler.New(log.Logger, api, syncSvc, tracker, source, cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent failed")
		return err
	}

	log.Info().Msg("agent stopped")
	return nil
}

func startHealthServer(ctx context.Context, addr string, tracker *health.Tracker) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           tracker.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("health endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health endpoint failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
