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

type fakeMetadataBlobs struct {
	data []byte
	err  error
}

func (b *fakeMetadataBlobs) Put(domain.Context, string, []byte, string) error { return nil }
func (b *fakeMetadataBlobs) Get(domain.Context, string) ([]byte, error)       { return b.data, b.err }
func (b *fakeMetadataBlobs) PresignedURL(domain.Context, string, string, time.Duration) (string, error) {
	return "", nil
}
func (b *fakeMetadataBlobs) Delete(domain.Context, string) error { return nil }

type fakeMetadataJobs struct {
	mu     sync.Mutex
	failed []string
	casErr error
}

func (j *fakeMetadataJobs) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (j *fakeMetadataJobs) Get(domain.Context, string) (domain.Job, error)    { return domain.Job{}, nil }
func (j *fakeMetadataJobs) FindByIdempotencyKey(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, nil
}
func (j *fakeMetadataJobs) CompareAndSetStatus(_ domain.Context, id string, _, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.casErr != nil {
		return false, j.casErr
	}
	if to == domain.JobFailed {
		j.failed = append(j.failed, id)
	}
	job := &domain.Job{}
	mutate(job)
	return true, nil
}
func (j *fakeMetadataJobs) ListStaleProcessing(domain.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}
func (j *fakeMetadataJobs) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

func (j *fakeMetadataJobs) failedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.failed)
}

type fakeMetadataQueue struct {
	mu        sync.Mutex
	metadatas []domain.MetadataTask
}

func (q *fakeMetadataQueue) EnqueueOperation(domain.Context, string, domain.OperationTask) error {
	return nil
}
func (q *fakeMetadataQueue) EnqueueFinalize(domain.Context, domain.FinalizeTask) error { return nil }
func (q *fakeMetadataQueue) EnqueueMetadata(_ domain.Context, task domain.MetadataTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metadatas = append(q.metadatas, task)
	return nil
}
func (q *fakeMetadataQueue) EnqueueDLQ(domain.Context, domain.OperationTask, string) error {
	return nil
}

func (q *fakeMetadataQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.metadatas)
}

func newMetadataRecord(t *testing.T, task domain.MetadataTask) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(task)
	require.NoError(t, err)
	return &kgo.Record{Value: b}
}

func TestMetadataHandler_Handle_DownloadFailureRetries(t *testing.T) {
	queue := &fakeMetadataQueue{}
	jobs := &fakeMetadataJobs{}
	cfg := domain.DefaultRetryConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	h := &MetadataHandler{
		Blobs: &fakeMetadataBlobs{err: errors.New("connection refused")},
		Jobs:  jobs, Queue: queue, Config: cfg,
	}
	err := h.Handle(context.Background(), newMetadataRecord(t, domain.MetadataTask{JobID: "job-1", AttemptCount: 0}))
	require.NoError(t, err)
	require.Zero(t, jobs.failedCount())

	require.Eventually(t, func() bool { return queue.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, queue.metadatas[0].AttemptCount)
}

func TestMetadataHandler_Handle_DownloadFailureExhaustedFailsJob(t *testing.T) {
	queue := &fakeMetadataQueue{}
	jobs := &fakeMetadataJobs{}
	cfg := domain.DefaultRetryConfig()

	h := &MetadataHandler{
		Blobs: &fakeMetadataBlobs{err: errors.New("connection refused")},
		Jobs:  jobs, Queue: queue, Config: cfg,
	}
	err := h.Handle(context.Background(), newMetadataRecord(t, domain.MetadataTask{JobID: "job-2", AttemptCount: cfg.MaxRetries}))
	require.NoError(t, err)
	require.Equal(t, 1, jobs.failedCount())
	require.Zero(t, queue.count())
}

func TestMetadataHandler_Handle_NoEXIFCompletesWithEmptyResult(t *testing.T) {
	queue := &fakeMetadataQueue{}
	jobs := &fakeMetadataJobs{}
	cfg := domain.DefaultRetryConfig()

	h := &MetadataHandler{
		Blobs: &fakeMetadataBlobs{data: []byte("not an image, no EXIF segment")},
		Jobs:  jobs, Queue: queue, Config: cfg,
	}
	err := h.Handle(context.Background(), newMetadataRecord(t, domain.MetadataTask{JobID: "job-3", MarkCompleted: true}))
	require.NoError(t, err)
	require.Zero(t, jobs.failedCount())
	require.Zero(t, queue.count())
}
