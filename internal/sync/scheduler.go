package sync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/store"
)

// Scheduler runs store maintenance: expiring idempotency keys and old audit rows.
type Scheduler struct {
	cfg   config.SchedulerConfig
	sync  config.SyncConfig
	store store.Store
	now   func() time.Time
	cron  *cron.Cron
}

func NewScheduler(cfg config.SchedulerConfig, syncCfg config.SyncConfig, s store.Store) *Scheduler {
	log := logger.CronLogger(logger.Log)
	return &Scheduler{
		cfg:   cfg,
		sync:  syncCfg,
		store: s,
		now:   time.Now,
		cron:  cron.New(cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log))),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	_, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.RunMaintenance(context.Background())
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Log.Info("Stopped scheduler")
}

// MaintenanceResult counts rows removed by one run.
type MaintenanceResult struct {
	IdempotencyKeys int64
	AuditRows       int64
}

func (s *Scheduler) RunMaintenance(ctx context.Context) MaintenanceResult {
	var res MaintenanceResult
	now := s.now().UTC()

	if s.sync.IdempotencyRetention > 0 {
		n, err := s.store.PruneApplied(ctx, now.Add(-s.sync.IdempotencyRetention))
		if err != nil {
			logger.Log.Error("Failed to prune idempotency keys", zap.Error(err))
		}
		res.IdempotencyKeys = n
	}
	if s.sync.AuditRetention > 0 {
		n, err := s.store.PruneAudit(ctx, now.Add(-s.sync.AuditRetention))
		if err != nil {
			logger.Log.Error("Failed to prune audit rows", zap.Error(err))
		}
		res.AuditRows = n
	}

	logger.Log.Info("Maintenance finished",
		zap.Int64("idempotencyKeys", res.IdempotencyKeys),
		zap.Int64("auditRows", res.AuditRows),
	)
	return res
}
