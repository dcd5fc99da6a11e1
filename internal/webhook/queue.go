package webhook

import (
	"context"
	"errors"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/logger"
)

// Queue defaults.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 100
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("webhook queue closed")

// Handler applies one event.
type Handler interface {
	Handle(ctx context.Context, event Event) (Outcome, error)
}

// Queue processes webhook events on a worker pool so deliveries can be
// acknowledged immediately. Failed events are logged with their delivery ID
// and dropped.
type Queue struct {
	handler Handler
	pool    pond.Pool
	parent  context.Context
	ctx     context.Context

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts a pool of workers. Submissions block once queueSize events
// are waiting. Once ctx is done new events are refused, but events already
// queued still run on Close.
func NewQueue(ctx context.Context, handler Handler, workers, queueSize int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	detached := context.WithoutCancel(ctx)
	pool := pond.NewPool(
		workers,
		pond.WithQueueSize(queueSize),
		pond.WithContext(detached),
	)

	logger.InfoCtx(ctx, "Webhook worker pool created",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize),
	)

	return &Queue{
		handler: handler,
		pool:    pool,
		parent:  ctx,
		ctx:     detached,
	}
}

// Enqueue schedules event and returns its delivery ID. It fails with
// ErrQueueClosed after Close or once the queue's context is done, so callers
// can refuse the delivery instead of acknowledging it.
func (q *Queue) Enqueue(event Event) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed || q.parent.Err() != nil {
		return "", ErrQueueClosed
	}

	deliveryID := uuid.NewString()
	q.pool.SubmitErr(func() error {
		outcome, err := q.handler.Handle(q.ctx, event)
		if err != nil {
			logger.ErrorCtx(q.ctx, err,
				zap.String("delivery_id", deliveryID),
				zap.String("aspect_type", event.AspectType),
				zap.Int64("object_id", event.ObjectID),
			)
			return err
		}
		logger.DebugCtx(q.ctx, "Webhook event handled",
			zap.String("delivery_id", deliveryID),
			zap.String("outcome", string(outcome)),
		)
		return nil
	})
	return deliveryID, nil
}

// Close stops accepting events and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	logger.InfoCtx(q.ctx, "Shutting down webhook worker pool",
		zap.Uint64("submitted", q.pool.SubmittedTasks()),
		zap.Uint64("waiting", q.pool.WaitingTasks()),
	)
	q.pool.StopAndWait()
	logger.InfoCtx(q.ctx, "Webhook worker pool shutdown complete",
		zap.Uint64("completed", q.pool.CompletedTasks()),
		zap.Uint64("failed", q.pool.FailedTasks()),
	)
}
