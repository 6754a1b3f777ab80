package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
	"github.com/pixtools/pixtools/internal/pipeline/metadata"
)

// MetadataHandler runs the metadata functor: extract EXIF, write it to the
// job row, and — when the submission requested only "metadata" — drive the
// job straight to COMPLETED since there is no DAG group to wait on. A
// download, extraction, or row-update failure gets its own bounded retry
// budget; exhausting it fails the job rather than leaving it stuck in
// PROCESSING for the stuck-job sweeper to eventually force closed.
type MetadataHandler struct {
	Blobs  domain.BlobStore
	Jobs   domain.JobRepository
	Queue  domain.Queue
	Config domain.RetryConfig
}

// Handle decodes record as a domain.MetadataTask and runs it.
func (h *MetadataHandler) Handle(ctx domain.Context, record *kgo.Record) error {
	var task domain.MetadataTask
	if err := json.Unmarshal(record.Value, &task); err != nil {
		slog.Error("metadata handler: invalid task payload", slog.Any("error", err))
		return nil
	}

	lg := obsctx.LoggerFromContext(ctx)

	raw, err := h.Blobs.Get(ctx, task.RawKey)
	if err != nil {
		return h.retryOrFail(ctx, task, fmt.Errorf("metadata handler: download raw: %w", err))
	}

	result, err := metadata.Extract(raw)
	if err != nil {
		return h.retryOrFail(ctx, task, fmt.Errorf("metadata handler: extract: %w", err))
	}
	flat := result.Flatten()

	toStatus := domain.JobProcessing
	if task.MarkCompleted {
		toStatus = domain.JobCompleted
	}

	ok, err := h.Jobs.CompareAndSetStatus(ctx, task.JobID, domain.JobProcessing, toStatus, func(j *domain.Job) {
		j.ExifMetadata = flat
	})
	if err != nil {
		return h.retryOrFail(ctx, task, fmt.Errorf("metadata handler: compare and set: %w", err))
	}
	if !ok {
		lg.Warn("metadata handler: job no longer in PROCESSING, skipping", slog.String("job_id", task.JobID))
		return nil
	}
	if task.MarkCompleted {
		observability.RecordJobStatus(string(domain.JobCompleted))
	}
	return nil
}

func (h *MetadataHandler) retryOrFail(ctx domain.Context, task domain.MetadataTask, cause error) error {
	lg := obsctx.LoggerFromContext(ctx)
	info := &domain.RetryInfo{AttemptCount: task.AttemptCount, LastError: cause.Error(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	if !info.ShouldRetry(cause, h.Config) || task.AttemptCount >= h.Config.MaxRetries {
		lg.Error("metadata handler: exhausted retry budget, failing job",
			slog.String("job_id", task.JobID), slog.Int("attempt_count", task.AttemptCount), slog.Any("error", cause))
		msg := cause.Error()
		if _, err := h.Jobs.CompareAndSetStatus(ctx, task.JobID, domain.JobProcessing, domain.JobFailed, func(j *domain.Job) {
			j.ErrorMessage = &msg
		}); err != nil {
			return fmt.Errorf("metadata handler: mark job failed: %w", err)
		}
		observability.RecordJobStatus(string(domain.JobFailed))
		return nil
	}

	delay := info.CalculateNextRetryDelay(h.Config)
	next := task
	next.AttemptCount++
	lg.Info("scheduling metadata task retry",
		slog.String("job_id", task.JobID), slog.Int("attempt", next.AttemptCount), slog.Duration("delay", delay))

	go func() {
		time.Sleep(delay)
		next.EnqueuedAt = time.Now().UTC()
		if err := h.Queue.EnqueueMetadata(context.Background(), next); err != nil {
			slog.Error("failed to requeue retried metadata task", slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}()
	return nil
}
