package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/domain"
)

type fakeQueue struct {
	mu          sync.Mutex
	operations  []struct {
		queueName string
		task      domain.OperationTask
	}
	finalizes []domain.FinalizeTask
	dlqs      []struct {
		task   domain.OperationTask
		reason string
	}
}

func (q *fakeQueue) EnqueueOperation(_ domain.Context, queueName string, task domain.OperationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.operations = append(q.operations, struct {
		queueName string
		task      domain.OperationTask
	}{queueName, task})
	return nil
}

func (q *fakeQueue) EnqueueFinalize(_ domain.Context, task domain.FinalizeTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalizes = append(q.finalizes, task)
	return nil
}

func (q *fakeQueue) EnqueueMetadata(_ domain.Context, _ domain.MetadataTask) error { return nil }

func (q *fakeQueue) EnqueueDLQ(_ domain.Context, task domain.OperationTask, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlqs = append(q.dlqs, struct {
		task   domain.OperationTask
		reason string
	}{task, reason})
	return nil
}

func (q *fakeQueue) operationCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.operations)
}

func (q *fakeQueue) dlqCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlqs)
}

func TestRetryManager_HandleFailure_MovesToDLQAfterMaxRetries(t *testing.T) {
	q := &fakeQueue{}
	cfg := domain.DefaultRetryConfig()
	rm := NewRetryManager(q, cfg)

	task := domain.OperationTask{JobID: "job-1", Operation: domain.OpConvertJPG, AttemptCount: cfg.MaxRetries}
	err := rm.HandleFailure(context.Background(), TopicDefault, task, errors.New("temporary failure"))
	require.NoError(t, err)
	require.Equal(t, 1, q.dlqCount())
	require.Equal(t, 0, q.operationCount())
}

func TestRetryManager_HandleFailure_NonRetryableGoesStraightToDLQ(t *testing.T) {
	q := &fakeQueue{}
	cfg := domain.DefaultRetryConfig()
	rm := NewRetryManager(q, cfg)

	task := domain.OperationTask{JobID: "job-2", Operation: domain.OpMetadata, AttemptCount: 0}
	err := rm.HandleFailure(context.Background(), TopicMLInference, task, errors.New("invalid argument: corrupt exif"))
	require.NoError(t, err)
	require.Equal(t, 1, q.dlqCount())
}

func TestRetryManager_HandleFailure_RetriesAndIncrementsAttemptCount(t *testing.T) {
	q := &fakeQueue{}
	cfg := domain.DefaultRetryConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	rm := NewRetryManager(q, cfg)

	task := domain.OperationTask{JobID: "job-3", Operation: domain.OpDenoise, AttemptCount: 0}
	err := rm.HandleFailure(context.Background(), TopicDefault, task, errors.New("timeout"))
	require.NoError(t, err)
	require.Equal(t, 0, q.dlqCount())

	require.Eventually(t, func() bool { return q.operationCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, q.operations[0].task.AttemptCount)
}
