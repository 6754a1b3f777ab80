// Package worker wires the task-runtime handlers a kafka.Consumer invokes
// per record: operation functors, metadata extraction, and the finalize
// barrier callback.
package worker

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
	"github.com/pixtools/pixtools/internal/pipeline/codec"
)

// BarrierReporter is the subset of *dag.Dispatcher an operation handler
// needs: record its own output and report group completion.
type BarrierReporter interface {
	RecordResult(ctx domain.Context, jobID string, groupIndex int, op, outputKey string) error
	FinalizeAndDispatch(ctx domain.Context, jobID, requestID string, groupSize int) error
}

// FailureHandler owns the retry-or-DLQ decision for a failed OperationTask,
// implemented by *kafka.RetryManager.
type FailureHandler interface {
	HandleFailure(ctx domain.Context, queueName string, task domain.OperationTask, cause error) error
}

// OperationHandler runs a single codec functor task end to end: download,
// transform, upload, record the result, and report into the DAG barrier.
type OperationHandler struct {
	Blobs     domain.BlobStore
	Barrier   BarrierReporter
	Failures  FailureHandler
	QueueName string
	Limits    codec.Limits
}

// Handle decodes queueName/record as a domain.OperationTask and runs its
// functor. A functor error is routed to Failures.HandleFailure rather than
// returned, since the record still commits either way (see kafka.Consumer.Run);
// HandleFailure itself decides retry-vs-DLQ. Only a successful run reports to
// the barrier; a failed one never does (see fail).
func (h *OperationHandler) Handle(ctx domain.Context, record *kgo.Record) error {
	var task domain.OperationTask
	if err := json.Unmarshal(record.Value, &task); err != nil {
		slog.Error("operation handler: invalid task payload", slog.Any("error", err))
		return nil
	}

	lg := obsctx.LoggerFromContext(ctx)
	observability.StartProcessingJob(string(task.Operation))

	raw, err := h.Blobs.Get(ctx, task.RawKey)
	if err != nil {
		return h.fail(ctx, task, fmt.Errorf("operation handler: download raw: %w", err))
	}

	out, ext, err := codec.Run(task.Operation, raw, task.Params, h.Limits)
	if err != nil {
		return h.fail(ctx, task, fmt.Errorf("operation handler: functor: %w", err))
	}

	key := outputKey(task.JobID, string(task.Operation), ext)
	if err := h.Blobs.Put(ctx, key, out, contentTypeFor(ext)); err != nil {
		return h.fail(ctx, task, fmt.Errorf("operation handler: upload result: %w", err))
	}

	if err := h.Barrier.RecordResult(ctx, task.JobID, task.GroupIndex, string(task.Operation), key); err != nil {
		lg.Error("operation handler: record result failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	}

	observability.CompleteJob(string(task.Operation))
	return h.Barrier.FinalizeAndDispatch(ctx, task.JobID, task.RequestID, task.GroupSize)
}

func (h *OperationHandler) fail(ctx domain.Context, task domain.OperationTask, cause error) error {
	lg := obsctx.LoggerFromContext(ctx)
	lg.Error("operation handler: task failed", slog.String("job_id", task.JobID), slog.String("operation", string(task.Operation)), slog.Any("error", cause))
	observability.FailJob(string(task.Operation))

	if err := h.Failures.HandleFailure(ctx, h.QueueName, task, cause); err != nil {
		lg.Error("operation handler: retry/DLQ routing failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	}
	// Never touch the barrier here: a retry schedules redelivery of this
	// same task, and a task that exhausted its budget goes to the DLQ,
	// which marks the whole job FAILED and tears down its barrier keys
	// directly (see kafka.DLQConsumer) rather than letting the group
	// "complete" around the missing member.
	return nil
}

func outputKey(jobID, op, ext string) string {
	return fmt.Sprintf("processed/%s/%s_%s.%s", jobID, op, randHex(8), ext)
}

func contentTypeFor(ext string) string {
	switch ext {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "avif":
		return "image/avif"
	default:
		return "application/octet-stream"
	}
}

func randHex(n int) string {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
