package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	obsctx "github.com/pixtools/pixtools/internal/observability"
)

// Consumer polls a single topic with manual offset commits: a record's
// offset is only marked once its handler returns: an acks-late task runtime
// where a crash mid-handler replays the record on the next poll instead of
// it being silently lost. Concurrency across
// partitions comes from running multiple Consumer instances sharing the
// same groupID, one goroutine per assigned partition, rather than an
// internal worker pool — the Go analogue of one process per partition.
type Consumer struct {
	client      *kgo.Client
	topic       string
	groupID     string
	softTimeout time.Duration
	hardTimeout time.Duration
}

// NewConsumer constructs a Consumer bound to a single topic and consumer
// group. softTimeout/hardTimeout of zero disable the corresponding
// per-record deadline.
func NewConsumer(brokers []string, groupID, topic string, softTimeout, hardTimeout time.Duration) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer: missing group id")
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}
	return &Consumer{client: client, topic: topic, groupID: groupID, softTimeout: softTimeout, hardTimeout: hardTimeout}, nil
}

// Run polls the topic until ctx is canceled, invoking handle for each
// record and committing its offset once handle returns. handle is expected
// to own its own retry/DLQ routing (via RetryManager) rather than relying on
// Kafka redelivery, so offsets commit unconditionally after the handler call
// — an error here means the retry/DLQ decision already happened inside
// handle, not that the record needs replaying.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, record *kgo.Record) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("kafka fetch error",
					slog.String("topic", e.Topic), slog.Int("partition", int(e.Partition)), slog.Any("error", e.Err))
			}
			time.Sleep(time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			recCtx := ctx
			var cancels []context.CancelFunc
			if c.hardTimeout > 0 {
				var cancel context.CancelFunc
				recCtx, cancel = context.WithTimeout(recCtx, c.hardTimeout)
				cancels = append(cancels, cancel)
			}
			if c.softTimeout > 0 {
				var cancel context.CancelFunc
				recCtx, cancel = context.WithTimeout(recCtx, c.softTimeout)
				cancels = append(cancels, cancel)
			}
			defer func() {
				for _, cancel := range cancels {
					cancel()
				}
			}()

			recCtx = obsctx.ContextWithTask(recCtx, headerValue(record, "X-Request-ID"), headerValue(record, "X-Job-ID"))

			if err := handle(recCtx, record); err != nil {
				slog.Error("kafka handler returned error",
					slog.String("topic", record.Topic), slog.Int64("offset", record.Offset), slog.Any("error", err))
			}
			c.client.MarkCommitRecords(record)
		})

		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			slog.Error("kafka commit offsets failed", slog.String("topic", c.topic), slog.Any("error", err))
		}
	}
}

// Close shuts the consumer client down.
func (c *Consumer) Close() { c.client.Close() }

// headerValue returns the value of the first record header named key, or
// "" when absent: the producer-set X-Request-ID/X-Job-ID headers (see
// taskHeaders in producer.go) let a consumer bind correlation identifiers
// into its handler context without unmarshaling the record body first.
func headerValue(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
