package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafkaErrTopicAlreadyExists is the broker error code returned when two
// instances race to create the same topic at startup; treated as success
// rather than a fatal error.
const kafkaErrTopicAlreadyExists = 36

// createTopicIfNotExists is the plain-config fallback used when the
// optimized topic creation path fails.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.Topics = []kmsg.CreateTopicsRequestTopic{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
	}}

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != kafkaErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: kafka error code %d", topic, t.ErrorCode)
		}
	}
	return nil
}

// createOptimizedTopic attaches the topic-level configuration pixtools's
// queues actually need: bounded retention so the log doesn't grow
// unboundedly, and snappy compression for the JSON task envelopes. Records
// carry blob keys, not image bytes; the images themselves live in the blob
// store.
func createOptimizedTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	configs := []kmsg.CreateTopicsRequestTopicConfig{
		{Name: "cleanup.policy", Value: stringPtr("delete")},
		{Name: "retention.ms", Value: stringPtr("604800000")}, // 7 days
		{Name: "compression.type", Value: stringPtr("snappy")},
		{Name: "min.insync.replicas", Value: stringPtr("1")},
		{Name: "max.message.bytes", Value: stringPtr("10485760")}, // 10MB
		{Name: "unclean.leader.election.enable", Value: stringPtr("false")},
	}

	req := kmsg.NewCreateTopicsRequest()
	req.Topics = []kmsg.CreateTopicsRequestTopic{{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replicationFactor,
		Configs:           configs,
	}}

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("create optimized topic %s: %w", topic, err)
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != kafkaErrTopicAlreadyExists {
			return fmt.Errorf("create optimized topic %s: kafka error code %d", topic, t.ErrorCode)
		}
	}
	return nil
}

func stringPtr(s string) *string { return &s }
