package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
)

// Finalizer runs the barrier callback for a completed DAG group, implemented
// by *finalize.Finalizer.
type Finalizer interface {
	Run(ctx domain.Context, jobID, requestID string) error
}

// BarrierCleaner tears down a job's barrier state once it has been forced
// to a terminal status outside the normal finalize path, implemented by
// *dag.Dispatcher.
type BarrierCleaner interface {
	ClearBarrier(ctx domain.Context, jobID string) error
}

// FinalizeHandler adapts a kafka record carrying a domain.FinalizeTask to a
// Finalizer call. Run can fail on a transient DB/blob error even after every
// operation task in the job's group has already succeeded, so the barrier
// callback gets its own bounded retry budget instead of stranding the job or
// relying on Kafka redelivery; exhausting that budget fails the job outright
// and tears its barrier state down, mirroring how an operation task
// exhausting its own budget fails the job via the dead letter queue.
type FinalizeHandler struct {
	Finalizer Finalizer
	Jobs      domain.JobRepository
	Barrier   BarrierCleaner
	Queue     domain.Queue
	Config    domain.RetryConfig
}

// Handle decodes record as a domain.FinalizeTask and runs the barrier callback.
func (h *FinalizeHandler) Handle(ctx domain.Context, record *kgo.Record) error {
	var task domain.FinalizeTask
	if err := json.Unmarshal(record.Value, &task); err != nil {
		slog.Error("finalize handler: invalid task payload", slog.Any("error", err))
		return nil
	}

	lg := obsctx.LoggerFromContext(ctx)
	err := h.Finalizer.Run(ctx, task.JobID, task.RequestID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		lg.Warn("finalize handler: job row missing, dropping", slog.String("job_id", task.JobID))
		return nil
	}
	lg.Error("finalize handler: run failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	return h.retryOrFail(ctx, task, err)
}

func (h *FinalizeHandler) retryOrFail(ctx domain.Context, task domain.FinalizeTask, cause error) error {
	lg := obsctx.LoggerFromContext(ctx)
	info := &domain.RetryInfo{AttemptCount: task.AttemptCount, LastError: cause.Error(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	if !info.ShouldRetry(cause, h.Config) || task.AttemptCount >= h.Config.MaxRetries {
		lg.Error("finalize handler: exhausted retry budget, failing job",
			slog.String("job_id", task.JobID), slog.Int("attempt_count", task.AttemptCount), slog.Any("error", cause))
		msg := cause.Error()
		if _, err := h.Jobs.CompareAndSetStatus(ctx, task.JobID, domain.JobProcessing, domain.JobFailed, func(j *domain.Job) {
			j.ErrorMessage = &msg
		}); err != nil {
			return fmt.Errorf("finalize handler: mark job failed: %w", err)
		}
		if err := h.Barrier.ClearBarrier(ctx, task.JobID); err != nil {
			lg.Warn("finalize handler: clear barrier failed", slog.String("job_id", task.JobID), slog.Any("error", err))
		}
		observability.RecordJobStatus(string(domain.JobFailed))
		return nil
	}

	delay := info.CalculateNextRetryDelay(h.Config)
	next := task
	next.AttemptCount++
	lg.Info("scheduling finalize task retry",
		slog.String("job_id", task.JobID), slog.Int("attempt", next.AttemptCount), slog.Duration("delay", delay))

	go func() {
		time.Sleep(delay)
		next.EnqueuedAt = time.Now().UTC()
		if err := h.Queue.EnqueueFinalize(context.Background(), next); err != nil {
			slog.Error("failed to requeue retried finalize task", slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}()
	return nil
}
