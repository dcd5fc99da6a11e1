package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justestif/site-sync/internal/logger"
)

// DefaultInterval is the time between scheduled syncs.
const DefaultInterval = 15 * time.Minute

// StateSweeper removes expired OAuth states.
type StateSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Scheduler runs periodic syncs and housekeeping.
type Scheduler struct {
	service  *Service
	sweeper  StateSweeper
	interval time.Duration
}

// NewScheduler creates a scheduler. sweeper may be nil.
func NewScheduler(service *Service, sweeper StateSweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{service: service, sweeper: sweeper, interval: interval}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.InfoCtx(ctx, "Scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduled sync and a best effort OAuth state sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	s.service.SyncWithLogging(ctx, TriggerCron, zapcore.ErrorLevel)

	if s.sweeper == nil {
		return
	}
	removed, err := s.sweeper.DeleteExpired(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "Sweeping expired OAuth states failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.DebugCtx(ctx, "Swept expired OAuth states", zap.Int64("removed", removed))
	}
}
