package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justestif/site-sync/internal/logger"
)

// Trigger labels why a sync ran.
type Trigger string

// Sync triggers.
const (
	TriggerCron     Trigger = "cron"
	TriggerBackfill Trigger = "backfill"
)

// SyncWithLogging runs Sync and logs the outcome. Failures, including panics,
// are logged at level and reported as a nil result so the caller's own
// control flow is never interrupted.
func (s *Service) SyncWithLogging(ctx context.Context, trigger Trigger, level zapcore.Level) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log(ctx, level, "Sync panicked",
				zap.String("trigger", string(trigger)),
				zap.String("panic", fmt.Sprint(r)),
			)
			result = nil
		}
	}()

	result, err := s.Sync(ctx)
	if err != nil {
		logger.Log(ctx, level, "Sync failed",
			zap.String("trigger", string(trigger)),
			zap.Error(err),
		)
		return nil
	}

	fields := []zap.Field{
		zap.String("trigger", string(trigger)),
		zap.String("state", string(result.State)),
		zap.Int64("inserted", result.Inserted),
		zap.Int("total", result.Total),
	}
	if result.GapDetected {
		logger.WarnCtx(ctx, "Sync window saturated, possible gap in history",
			append(fields, zap.String("warning", result.Warning))...)
	} else {
		logger.InfoCtx(ctx, "Sync completed", fields...)
	}
	return result
}
