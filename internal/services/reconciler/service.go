// Package reconciler drives the periodic backup workflow: snapshot creation,
// retention pruning and remote replication for every configured dataset.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zfstools/autobackupd/internal/health"
	"github.com/zfstools/autobackupd/internal/holds"
	"github.com/zfstools/autobackupd/internal/models"
	"github.com/zfstools/autobackupd/internal/schedule"
	syncsvc "github.com/zfstools/autobackupd/internal/services/sync"
	"github.com/zfstools/autobackupd/internal/services/zfsapi"
	"github.com/zfstools/autobackupd/internal/snapshot"
)

// Source yields the current configuration. It is consulted on the reload
// cadence so config file edits take effect without a restart.
type Source func() (*models.Config, error)

// Service defines the interface for the reconciliation loop.
type Service interface {
	Run(ctx context.Context) error
}

// Impl implements the reconciler Service interface.
type Impl struct {
	api     zfsapi.Service
	syncSvc syncsvc.Service
	tracker *health.Tracker
	source  Source
	logger  zerolog.Logger

	cfg        *models.Config
	lastReload time.Time
}

// New creates a new reconciler. initial is the validated startup
// configuration; it stays in effect until source yields a better one.
func New(logger zerolog.Logger, api zfsapi.Service, syncSvc syncsvc.Service, tracker *health.Tracker, source Source, initial *models.Config) *Impl {
	return &Impl{
		api:        api,
		syncSvc:    syncSvc,
		tracker:    tracker,
		source:     source,
		logger:     logger,
		cfg:        initial,
		lastReload: time.Now(),
	}
}

// Run executes reconciliation ticks until the context is cancelled. In-flight
// replication jobs keep running remotely; their pollers are waited for.
func (s *Impl) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("tick", tickInterval(s.cfg.Server.BackupInterval)).
		Int("datasets", len(s.cfg.Datasets)).
		Msg("reconciliation loop started")

	for {
		s.maybeReload()
		s.tick(ctx, time.Now())

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down, waiting for migration pollers")
			s.syncSvc.Stop()
			return nil
		case <-time.After(tickInterval(s.cfg.Server.BackupInterval)):
		}
	}
}

// tickInterval derives the loop cadence from the frequent snapshot interval.
func tickInterval(backupInterval time.Duration) time.Duration {
	d := backupInterval / 10
	if d < time.Second {
		d = time.Second
	}
	return d
}

// maybeReload re-reads the configuration once the reload cadence has passed.
// A failed read keeps the last known good configuration in effect.
func (s *Impl) maybeReload() {
	if time.Since(s.lastReload) < s.cfg.Server.ReloadInterval {
		return
	}
	s.lastReload = time.Now()

	cfg, err := s.source()
	if err != nil {
		s.logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return
	}
	s.cfg = cfg
}

// tick processes every enabled dataset once. A dataset whose processing fails
// is logged and skipped; its siblings still run. The tick only counts as
// failed for health purposes when no dataset could be processed at all.
func (s *Impl) tick(ctx context.Context, now time.Time) {
	cfg := s.cfg

	var attempted, failed int
	for _, ds := range cfg.Datasets {
		if !ds.Enabled {
			continue
		}
		attempted++
		if err := s.reconcileDataset(ctx, cfg, ds, now); err != nil {
			failed++
			s.logger.Error().Err(err).Str("dataset", ds.Name).Msg("dataset reconciliation failed")
		}
	}

	if attempted > 0 && failed == attempted {
		s.tracker.TickFailed()
		return
	}
	s.tracker.TickSucceeded()
}

// reconcileDataset runs the per-dataset pipeline: create a due snapshot,
// prune per retention policy, then hand each enabled destination to the sync
// orchestrator.
func (s *Impl) reconcileDataset(ctx context.Context, cfg *models.Config, ds models.Dataset, now time.Time) error {
	log := s.logger.With().Str("dataset", ds.Name).Logger()

	snaps, err := s.api.ListSnapshots(ctx, ds.Name)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	rawHolds, err := s.api.ListHolds(ctx, ds.Name)
	if err != nil {
		return fmt.Errorf("failed to list holds: %w", err)
	}
	holdSet := holds.Parse(rawHolds, log)

	snaps = s.createDueSnapshot(ctx, cfg, snaps, ds, now, log)
	s.pruneSnapshots(ctx, cfg, snaps, ds, holdSet, log)

	if cfg.Server.RemoteSync {
		for _, dest := range ds.EnabledDestinations() {
			s.syncSvc.Reconcile(ctx, syncsvc.Request{
				Dataset:   ds,
				Dest:      dest,
				Snapshots: snaps,
				Holds:     holdSet,
				Window:    cfg.Server.RemoteSyncSchedule,
				Interval:  cfg.Server.RemoteSyncInterval,
				Telegram:  cfg.Telegram,
				Now:       now,
			})
		}
	}
	return nil
}

// createDueSnapshot creates at most one snapshot for the dataset and returns
// the snapshot list with the new name appended so pruning and sync see it.
func (s *Impl) createDueSnapshot(ctx context.Context, cfg *models.Config, snaps []string, ds models.Dataset, now time.Time, log zerolog.Logger) []string {
	if !schedule.Active(cfg.Server.Schedule, now) {
		return snaps
	}

	last := snapshot.LastPerGranularity(snaps)
	g, due := schedule.NextDue(now, last, cfg.Server.BackupInterval, cfg.Retention)
	if !due {
		return snaps
	}

	name := snapshot.Name(g, now)
	if err := s.api.CreateSnapshot(ctx, ds.Name, name); err != nil {
		log.Error().Err(err).Str("snapshot", name).Msg("failed to create snapshot")
		return snaps
	}
	log.Info().Str("snapshot", name).Str("granularity", string(g)).Msg("snapshot created")
	s.tracker.Metrics().SnapshotsCreated.Inc()
	return append(snaps, name)
}

// pruneSnapshots destroys snapshots beyond the retention policy. Held
// snapshots stay until their hold is released.
func (s *Impl) pruneSnapshots(ctx context.Context, cfg *models.Config, snaps []string, ds models.Dataset, holdSet holds.Set, log zerolog.Logger) {
	for _, name := range snapshot.ToPrune(snaps, cfg.Retention, holdSet.Held()) {
		if err := s.api.DestroySnapshot(ctx, ds.Name, name); err != nil {
			log.Error().Err(err).Str("snapshot", name).Msg("failed to destroy snapshot")
			continue
		}
		log.Info().Str("snapshot", name).Msg("snapshot pruned")
		s.tracker.Metrics().SnapshotsPruned.Inc()
	}
}
