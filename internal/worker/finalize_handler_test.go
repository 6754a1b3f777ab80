package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/domain"
)

type fakeFinalizer struct {
	err error
}

func (f *fakeFinalizer) Run(_ domain.Context, _, _ string) error { return f.err }

type fakeFinalizeJobs struct {
	mu      sync.Mutex
	failed  []string
	failErr error
}

func (j *fakeFinalizeJobs) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (j *fakeFinalizeJobs) Get(domain.Context, string) (domain.Job, error)    { return domain.Job{}, nil }
func (j *fakeFinalizeJobs) FindByIdempotencyKey(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (j *fakeFinalizeJobs) CompareAndSetStatus(_ domain.Context, id string, _, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failErr != nil {
		return false, j.failErr
	}
	if to == domain.JobFailed {
		j.failed = append(j.failed, id)
	}
	job := &domain.Job{}
	mutate(job)
	return true, nil
}
func (j *fakeFinalizeJobs) ListStaleProcessing(domain.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}
func (j *fakeFinalizeJobs) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

func (j *fakeFinalizeJobs) failedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.failed)
}

type fakeBarrierCleaner struct {
	mu     sync.Mutex
	calls  []string
	clears int
}

func (b *fakeBarrierCleaner) ClearBarrier(_ domain.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, jobID)
	b.clears++
	return nil
}

type fakeFinalizeQueue struct {
	mu        sync.Mutex
	finalizes []domain.FinalizeTask
}

func (q *fakeFinalizeQueue) EnqueueOperation(domain.Context, string, domain.OperationTask) error {
	return nil
}
func (q *fakeFinalizeQueue) EnqueueFinalize(_ domain.Context, task domain.FinalizeTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finalizes = append(q.finalizes, task)
	return nil
}
func (q *fakeFinalizeQueue) EnqueueMetadata(domain.Context, domain.MetadataTask) error { return nil }
func (q *fakeFinalizeQueue) EnqueueDLQ(domain.Context, domain.OperationTask, string) error {
	return nil
}

func (q *fakeFinalizeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.finalizes)
}

func newFinalizeRecord(t *testing.T, task domain.FinalizeTask) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return &kgo.Record{Value: b}
}

func TestFinalizeHandler_Handle_Success(t *testing.T) {
	h := &FinalizeHandler{Finalizer: &fakeFinalizer{}, Config: domain.DefaultRetryConfig()}
	err := h.Handle(context.Background(), newFinalizeRecord(t, domain.FinalizeTask{JobID: "job-1"}))
	require.NoError(t, err)
}

func TestFinalizeHandler_Handle_NotFoundDropsSilently(t *testing.T) {
	h := &FinalizeHandler{Finalizer: &fakeFinalizer{err: domain.ErrNotFound}, Config: domain.DefaultRetryConfig()}
	err := h.Handle(context.Background(), newFinalizeRecord(t, domain.FinalizeTask{JobID: "job-2"}))
	require.NoError(t, err)
}

func TestFinalizeHandler_Handle_TransientFailureRetries(t *testing.T) {
	queue := &fakeFinalizeQueue{}
	jobs := &fakeFinalizeJobs{}
	barrier := &fakeBarrierCleaner{}
	cfg := domain.DefaultRetryConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	h := &FinalizeHandler{
		Finalizer: &fakeFinalizer{err: errors.New("timeout")},
		Jobs:      jobs, Barrier: barrier, Queue: queue, Config: cfg,
	}
	err := h.Handle(context.Background(), newFinalizeRecord(t, domain.FinalizeTask{JobID: "job-3", AttemptCount: 0}))
	require.NoError(t, err)
	require.Zero(t, jobs.failedCount())

	require.Eventually(t, func() bool { return queue.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, queue.finalizes[0].AttemptCount)
}

func TestFinalizeHandler_Handle_ExhaustedRetriesFailsJobAndClearsBarrier(t *testing.T) {
	queue := &fakeFinalizeQueue{}
	jobs := &fakeFinalizeJobs{}
	barrier := &fakeBarrierCleaner{}
	cfg := domain.DefaultRetryConfig()

	h := &FinalizeHandler{
		Finalizer: &fakeFinalizer{err: errors.New("timeout")},
		Jobs:      jobs, Barrier: barrier, Queue: queue, Config: cfg,
	}
	err := h.Handle(context.Background(), newFinalizeRecord(t, domain.FinalizeTask{JobID: "job-4", AttemptCount: cfg.MaxRetries}))
	require.NoError(t, err)
	require.Equal(t, 1, jobs.failedCount())
	require.Equal(t, 1, barrier.clears)
	require.Equal(t, "job-4", barrier.calls[0])
	require.Zero(t, queue.count())
}
