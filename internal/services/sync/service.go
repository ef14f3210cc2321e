// Package sync orchestrates remote replication. For each (dataset,
// destination) pair it decides whether a sync is due, starts the asynchronous
// migration, polls it to completion in the background and converts success
// into a new sync hold. The in-flight job table is the only long-lived state;
// everything else is re-derived from holds every tick.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zfstools/autobackupd/internal/health"
	"github.com/zfstools/autobackupd/internal/holds"
	"github.com/zfstools/autobackupd/internal/models"
	"github.com/zfstools/autobackupd/internal/schedule"
	"github.com/zfstools/autobackupd/internal/services/notify"
	"github.com/zfstools/autobackupd/internal/services/ssh"
	"github.com/zfstools/autobackupd/internal/services/wol"
	"github.com/zfstools/autobackupd/internal/services/zfsapi"
	"github.com/zfstools/autobackupd/internal/snapshot"
)

// Request carries everything one due-check needs. Snapshots and Holds are the
// dataset state already fetched by the reconciler for this tick.
type Request struct {
	Dataset   models.Dataset
	Dest      models.Destination
	Snapshots []string
	Holds     holds.Set
	Window    models.Schedule
	Interval  time.Duration // default sync interval, overridden by Dest.SyncInterval
	Telegram  *models.TelegramConfig
	Now       time.Time
}

// Service defines the interface for the sync orchestrator.
type Service interface {
	Reconcile(ctx context.Context, req Request)
	InFlight(dataset, host string) bool
	Stop()
}

// Impl implements the sync orchestrator.
type Impl struct {
	api       zfsapi.Service
	wolSvc    wol.Service
	sshSvc    ssh.Service
	notifySvc notify.Service
	metrics   *health.Metrics
	logger    zerolog.Logger

	pollInterval time.Duration

	mu       gosync.Mutex
	inflight map[string]string // pair key -> task id
	wg       gosync.WaitGroup
}

// New creates a new sync orchestrator.
func New(logger zerolog.Logger, api zfsapi.Service, metrics *health.Metrics, pollInterval time.Duration) *Impl {
	return newImpl(logger, api, wol.New(logger), ssh.New(logger), notify.New(logger), metrics, pollInterval)
}

// NewWithServices creates a new sync orchestrator with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	api zfsapi.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	notifySvc notify.Service,
	metrics *health.Metrics,
	pollInterval time.Duration,
) *Impl {
	return newImpl(logger, api, wolSvc, sshSvc, notifySvc, metrics, pollInterval)
}

func newImpl(
	logger zerolog.Logger,
	api zfsapi.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	notifySvc notify.Service,
	metrics *health.Metrics,
	pollInterval time.Duration,
) *Impl {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Impl{
		api:          api,
		wolSvc:       wolSvc,
		sshSvc:       sshSvc,
		notifySvc:    notifySvc,
		metrics:      metrics,
		logger:       logger,
		pollInterval: pollInterval,
		inflight:     make(map[string]string),
	}
}

func pairKey(dataset, host string) string {
	return dataset + "|" + host
}

// InFlight reports whether a replication job for the pair is being tracked.
func (s *Impl) InFlight(dataset, host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[pairKey(dataset, host)]
	return ok
}

// Stop waits for all pollers to exit. In-flight jobs keep running remotely;
// they are reconciled from holds on the next startup.
func (s *Impl) Stop() {
	s.wg.Wait()
}

// Reconcile runs the due-check for one (dataset, destination) pair and starts
// a replication job when one is due. A pair with a tracked in-flight job is a
// no-op; other pairs proceed independently.
func (s *Impl) Reconcile(ctx context.Context, req Request) {
	ds, dest := req.Dataset, req.Dest
	log := s.logger.With().Str("dataset", ds.Name).Str("destination", dest.RemoteHost).Logger()

	if s.InFlight(ds.Name, dest.RemoteHost) {
		log.Debug().Msg("sync already in flight")
		return
	}
	if !schedule.Active(req.Window, req.Now) {
		return
	}

	interval := dest.SyncInterval
	if interval <= 0 {
		interval = req.Interval
	}
	if latest, ok := req.Holds.Latest(dest.RemoteHost); ok && req.Now.Sub(latest.Time) < interval {
		return
	}

	source, ok := newestBackupSnapshot(req.Snapshots)
	if !ok {
		log.Warn().Msg("no backup snapshot available to sync")
		return
	}

	if dest.WOL != nil {
		result, err := s.wolSvc.Wake(ctx, *dest.WOL)
		if err == nil && result.Error != nil {
			err = result.Error
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to wake destination, sync deferred")
			return
		}
	}

	taskID, err := s.api.StartMigration(ctx, ds.Name, source, dest.RemoteHost, dest.TargetDataset(ds.Name))
	if err != nil {
		log.Error().Err(err).Str("snapshot", source).Msg("failed to start migration")
		s.metrics.SyncsFailed.Inc()
		return
	}

	log.Info().Str("snapshot", source).Str("task_id", taskID).Msg("migration started")
	s.metrics.SyncsStarted.Inc()

	s.mu.Lock()
	s.inflight[pairKey(ds.Name, dest.RemoteHost)] = taskID
	s.mu.Unlock()

	s.wg.Add(1)
	go s.poll(ctx, ds, dest, source, taskID, req.Telegram, log)
}

// newestBackupSnapshot returns the name of the most recent agent-made
// snapshot, ignoring foreign names.
func newestBackupSnapshot(names []string) (string, bool) {
	var best snapshot.Info
	var found bool
	for _, name := range names {
		info, ok := snapshot.Parse(name)
		if !ok {
			continue
		}
		if !found || info.Time.After(best.Time) {
			best = info
			found = true
		}
	}
	return best.Name, found
}

// poll drives one replication job to a terminal status. Transient API errors
// keep the poller alive; context cancellation abandons polling and leaves the
// job to the remote side.
func (s *Impl) poll(ctx context.Context, ds models.Dataset, dest models.Destination, source, taskID string, telegram *models.TelegramConfig, log zerolog.Logger) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, pairKey(ds.Name, dest.RemoteHost))
		s.mu.Unlock()
	}()

	start := time.Now()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Str("task_id", taskID).Msg("shutting down, leaving migration running remotely")
			return
		case <-ticker.C:
		}

		mig, err := s.api.PollMigration(ctx, taskID)
		if err != nil {
			if errors.Is(err, zfsapi.ErrTransient) {
				s.metrics.APIErrors.Inc()
				log.Debug().Err(err).Str("task_id", taskID).Msg("migration poll failed, retrying")
				continue
			}
			s.finishFailure(ctx, ds, dest, source, telegram, err.Error(), time.Since(start), log)
			return
		}

		switch mig.Status {
		case models.MigrationPending, models.MigrationRunning:
			continue
		case models.MigrationSucceeded, models.MigrationCompleted:
			s.finishSuccess(ctx, ds, dest, source, telegram, time.Since(start), log)
			return
		default:
			s.finishFailure(ctx, ds, dest, source, telegram, mig.Detail, time.Since(start), log)
			return
		}
	}
}

func (s *Impl) finishSuccess(ctx context.Context, ds models.Dataset, dest models.Destination, source string, telegram *models.TelegramConfig, elapsed time.Duration, log zerolog.Logger) {
	log.Info().Str("snapshot", source).Dur("duration", elapsed).Msg("migration completed")
	s.metrics.SyncsSucceeded.Inc()

	tag := holds.HoldName(time.Now(), dest.RemoteHost)
	if err := s.api.PlaceHold(ctx, ds.Name, source, tag); err != nil {
		// The sync itself succeeded; without the hold the next due-check
		// simply re-syncs, so log and carry on.
		log.Error().Err(err).Str("hold", tag).Msg("failed to place sync hold")
	} else {
		s.releaseStaleHolds(ctx, ds.Name, dest.RemoteHost, log)
	}

	if dest.SSHShutdown != nil {
		result, err := s.sshSvc.Shutdown(ctx, *dest.SSHShutdown)
		if err == nil && result.Error != nil {
			err = result.Error
		}
		if err != nil {
			log.Warn().Err(err).Msg("failed to shut down destination host")
		}
	}

	s.notify(ctx, telegram, models.SyncEvent{
		Dataset:  ds.Name,
		Host:     dest.RemoteHost,
		Snapshot: source,
		Success:  true,
		Duration: elapsed,
	}, log)
}

func (s *Impl) finishFailure(ctx context.Context, ds models.Dataset, dest models.Destination, source string, telegram *models.TelegramConfig, detail string, elapsed time.Duration, log zerolog.Logger) {
	log.Error().Str("snapshot", source).Str("detail", detail).Dur("duration", elapsed).
		Msg("migration failed, will retry on next due window")
	s.metrics.SyncsFailed.Inc()

	s.notify(ctx, telegram, models.SyncEvent{
		Dataset:  ds.Name,
		Host:     dest.RemoteHost,
		Snapshot: source,
		Success:  false,
		Detail:   detail,
		Duration: elapsed,
	}, log)
}

// releaseStaleHolds enforces the at-most-one-hold-per-destination invariant
// so that earlier snapshots become eligible for retention cleanup.
func (s *Impl) releaseStaleHolds(ctx context.Context, dataset, host string, log zerolog.Logger) {
	raw, err := s.api.ListHolds(ctx, dataset)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list holds for cleanup")
		return
	}
	for _, entry := range holds.Parse(raw, log).Stale(host) {
		if err := s.api.ReleaseHold(ctx, dataset, entry.Snapshot, entry.Tag); err != nil {
			log.Warn().Err(err).Str("snapshot", entry.Snapshot).Str("hold", entry.Tag).
				Msg("failed to release stale hold")
		}
	}
}

func (s *Impl) notify(ctx context.Context, telegram *models.TelegramConfig, event models.SyncEvent, log zerolog.Logger) {
	if telegram == nil {
		return
	}
	result, err := s.notifySvc.SendSyncEvent(ctx, *telegram, event)
	if err == nil && result.Error != nil {
		err = result.Error
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to send sync notification")
	}
}
