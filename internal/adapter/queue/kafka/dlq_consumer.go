package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
)

// DLQConsumer drains the dead letter queue (see DESIGN.md for the policy
// rationale): a dead-lettered operation task means its job can never
// complete its DAG, so the job is marked FAILED and its barrier counter key
// is deleted so a tardy sibling arrival can't later double-fire the
// finalizer.
type DLQConsumer struct {
	consumer *Consumer
	jobs     domain.JobRepository
	redis    *redis.Client
}

// NewDLQConsumer constructs a DLQConsumer over the dead_letter topic.
func NewDLQConsumer(brokers []string, groupID string, jobs domain.JobRepository, rdb *redis.Client) (*DLQConsumer, error) {
	consumer, err := NewConsumer(brokers, groupID, TopicDeadLetter, 0, 0)
	if err != nil {
		return nil, err
	}
	return &DLQConsumer{consumer: consumer, jobs: jobs, redis: rdb}, nil
}

// Run drains the dead letter queue until ctx is canceled.
func (d *DLQConsumer) Run(ctx context.Context) error {
	return d.consumer.Run(ctx, d.handle)
}

func (d *DLQConsumer) handle(ctx context.Context, record *kgo.Record) error {
	lg := obsctx.LoggerFromContext(ctx)

	var dlqJob domain.DLQJob
	if err := json.Unmarshal(record.Value, &dlqJob); err != nil {
		lg.Error("dlq consumer: unmarshal failed", slog.Any("error", err))
		return nil
	}

	reason := dlqJob.FailureReason
	if _, err := d.jobs.CompareAndSetStatus(ctx, dlqJob.JobID, domain.JobProcessing, domain.JobFailed, func(j *domain.Job) {
		j.ErrorMessage = &reason
	}); err != nil {
		lg.Error("dlq consumer: mark job failed", slog.Any("error", err))
	}

	if d.redis != nil {
		if err := d.redis.Del(ctx, "pixtools:barrier:"+dlqJob.JobID, "pixtools:barrier:"+dlqJob.JobID+":results").Err(); err != nil {
			lg.Warn("dlq consumer: delete barrier keys failed", slog.Any("error", err))
		}
	}

	observability.RecordJobStatus(string(domain.JobFailed))
	lg.Info("dlq consumer: job marked failed",
		slog.String("operation", string(dlqJob.OriginalPayload.Operation)), slog.String("reason", reason))
	return nil
}

// Close shuts the underlying consumer client down.
func (d *DLQConsumer) Close() { d.consumer.Close() }
