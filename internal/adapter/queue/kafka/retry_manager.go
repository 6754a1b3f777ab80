package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixtools/pixtools/internal/domain"
)

// RetryManager owns the retry-or-DLQ decision for a failed OperationTask:
// bounded exponential backoff with jitter, falling through to the dead
// letter queue once the attempt budget is exhausted.
type RetryManager struct {
	Queue  domain.Queue
	Config domain.RetryConfig
}

// NewRetryManager constructs a RetryManager.
func NewRetryManager(q domain.Queue, config domain.RetryConfig) *RetryManager {
	return &RetryManager{Queue: q, Config: config}
}

// HandleFailure enqueues task onto the dead letter queue if it has exhausted
// its retry budget, or schedules a redelivery with an incremented attempt
// count otherwise. The redelivery delay is honored by sleeping in a detached
// goroutine before enqueueing, rather than blocking the calling consumer's
// poll loop on the backoff.
func (rm *RetryManager) HandleFailure(ctx domain.Context, queueName string, task domain.OperationTask, cause error) error {
	info := &domain.RetryInfo{AttemptCount: task.AttemptCount, LastError: cause.Error(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	if !info.ShouldRetry(cause, rm.Config) || task.AttemptCount >= rm.Config.MaxRetries {
		slog.Info("operation task exhausted retry budget, moving to dead letter queue",
			slog.String("job_id", task.JobID), slog.String("operation", string(task.Operation)),
			slog.Int("attempt_count", task.AttemptCount), slog.Any("error", cause))
		return rm.Queue.EnqueueDLQ(ctx, task, cause.Error())
	}

	delay := info.CalculateNextRetryDelay(rm.Config)
	next := task
	next.AttemptCount++
	slog.Info("scheduling operation task retry",
		slog.String("job_id", task.JobID), slog.String("operation", string(task.Operation)),
		slog.Int("attempt", next.AttemptCount), slog.Duration("delay", delay))

	go func() {
		time.Sleep(delay)
		next.EnqueuedAt = time.Now().UTC()
		if err := rm.Queue.EnqueueOperation(context.Background(), queueName, next); err != nil {
			slog.Error("failed to requeue retried operation task",
				slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}()
	return nil
}
