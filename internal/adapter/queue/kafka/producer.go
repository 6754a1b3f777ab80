// Package kafka implements domain.Queue and the task-runtime consumer loop
// over Redpanda/Kafka via twmb/franz-go: a transactional producer and a
// manual-commit consumer carrying pixtools's operation and finalize task
// envelopes.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
)

// Topic names. default_queue carries conversions and metadata extraction,
// ml_inference_queue carries denoise at solo concurrency (the long-tailed,
// model-backed operation), finalize_queue carries the barrier callback,
// dead_letter absorbs tasks that exhausted their retry budget.
const (
	TopicDefault     = "default_queue"
	TopicMLInference = "ml_inference_queue"
	TopicFinalize    = "finalize_queue"
	TopicDeadLetter  = "dead_letter"
)

// Producer implements domain.Queue over a transactional franz-go client.
// Every publish runs inside its own Kafka transaction, serialized through
// transactionChan, since a single kgo.Client cannot have two transactions
// open at once.
type Producer struct {
	client          *kgo.Client
	transactionChan chan struct{}
}

// NewProducer constructs a Producer and ensures pixtools's queues exist.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "pixtools-producer")
}

// NewProducerWithTransactionalID lets tests avoid transactional-ID
// collisions between multiple producers in the same process.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}

	ctx := context.Background()
	for _, spec := range []struct {
		topic      string
		partitions int32
	}{
		{TopicDefault, 8},
		{TopicMLInference, 1},
		{TopicFinalize, 8},
		{TopicDeadLetter, 1},
	} {
		if err := createOptimizedTopic(ctx, client, spec.topic, spec.partitions, 1); err != nil {
			slog.Warn("failed to create optimized topic, falling back to standard topic creation",
				slog.String("topic", spec.topic), slog.Any("error", err))
			if err := createTopicIfNotExists(ctx, client, spec.topic, spec.partitions, 1); err != nil {
				slog.Warn("failed to create topic, it may already exist",
					slog.String("topic", spec.topic), slog.Any("error", err))
			}
		}
	}

	p := &Producer{client: client, transactionChan: make(chan struct{}, 1)}
	p.transactionChan <- struct{}{}
	return p, nil
}

// produce runs a single-record transaction: begin, produce, commit (or
// abort on any failure), never leaving two transactions open concurrently.
func (p *Producer) produce(ctx context.Context, topic, key string, value []byte, headers []kgo.RecordHeader) error {
	select {
	case <-p.transactionChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.transactionChan <- struct{}{} }()

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("kafka begin transaction: %w", err)
	}

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value, Headers: headers}
	var produceErr error
	var wg sync.WaitGroup
	wg.Add(1)
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		produceErr = err
		wg.Done()
	})
	wg.Wait()

	if produceErr != nil {
		_ = p.client.EndTransaction(ctx, kgo.TryAbort)
		return fmt.Errorf("kafka produce %s: %w", topic, produceErr)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("kafka end transaction %s: %w", topic, err)
	}
	return nil
}

func taskHeaders(requestID, jobID string, enqueuedAt time.Time) []kgo.RecordHeader {
	return []kgo.RecordHeader{
		{Key: "X-Request-ID", Value: []byte(requestID)},
		{Key: "X-Job-ID", Value: []byte(jobID)},
		{Key: "X-Job-Enqueued-At", Value: []byte(enqueuedAt.UTC().Format(time.RFC3339Nano))},
	}
}

// EnqueueOperation implements domain.Queue.
func (p *Producer) EnqueueOperation(ctx domain.Context, queueName string, task domain.OperationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("kafka marshal operation task: %w", err)
	}
	if err := p.produce(ctx, queueName, task.JobID, data, taskHeaders(task.RequestID, task.JobID, task.EnqueuedAt)); err != nil {
		return err
	}
	observability.EnqueueJob(string(task.Operation))
	slog.Info("enqueued operation task",
		slog.String("job_id", task.JobID), slog.String("operation", string(task.Operation)),
		slog.String("queue", queueName), slog.Int("attempt_count", task.AttemptCount))
	return nil
}

// EnqueueMetadata implements domain.Queue. Metadata extraction is not part
// of a job's fan-out group, so it rides the default queue alongside the
// codec tasks rather than the ML inference queue (that queue is reserved
// for denoise, which is long-tailed in a way EXIF parsing never is).
func (p *Producer) EnqueueMetadata(ctx domain.Context, task domain.MetadataTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("kafka marshal metadata task: %w", err)
	}
	if err := p.produce(ctx, TopicDefault, task.JobID, data, taskHeaders(task.RequestID, task.JobID, task.EnqueuedAt)); err != nil {
		return err
	}
	slog.Info("enqueued metadata task", slog.String("job_id", task.JobID), slog.Bool("mark_completed", task.MarkCompleted))
	return nil
}

// EnqueueFinalize implements domain.Queue.
func (p *Producer) EnqueueFinalize(ctx domain.Context, task domain.FinalizeTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("kafka marshal finalize task: %w", err)
	}
	if err := p.produce(ctx, TopicFinalize, task.JobID, data, taskHeaders(task.RequestID, task.JobID, task.EnqueuedAt)); err != nil {
		return err
	}
	slog.Info("enqueued finalize task", slog.String("job_id", task.JobID))
	return nil
}

// EnqueueDLQ implements domain.Queue.
func (p *Producer) EnqueueDLQ(ctx domain.Context, task domain.OperationTask, reason string) error {
	dlqJob := domain.DLQJob{
		JobID:            task.JobID,
		OriginalPayload:  task,
		FailureReason:    reason,
		MovedToDLQAt:     time.Now().UTC(),
		CanBeReprocessed: true,
	}
	data, err := json.Marshal(dlqJob)
	if err != nil {
		return fmt.Errorf("kafka marshal dlq job: %w", err)
	}
	if err := p.produce(ctx, TopicDeadLetter, task.JobID, data, taskHeaders(task.RequestID, task.JobID, time.Now().UTC())); err != nil {
		return err
	}
	observability.RecordDLQJob(string(task.Operation))
	slog.Warn("moved operation task to dead letter queue",
		slog.String("job_id", task.JobID), slog.String("operation", string(task.Operation)), slog.String("reason", reason))
	return nil
}

// Close flushes the producer and shuts it down.
func (p *Producer) Close() {
	<-p.transactionChan
	p.client.Close()
}

// Ping verifies broker connectivity for readiness probes, distinct from the
// producer's transactional produce path: a readyz check that can't allocate
// a transaction slot would otherwise wrongly read as broker unreachability.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}
