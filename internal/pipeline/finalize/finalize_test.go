package finalize_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/pipeline/finalize"
)

var errWebhookUnreachable = errors.New("webhook unreachable")

type fakeJobRepo struct {
	job       domain.Job
	casResult bool
	casCalls  []domain.JobStatus
}

func (f *fakeJobRepo) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (f *fakeJobRepo) Get(domain.Context, string) (domain.Job, error)    { return f.job, nil }
func (f *fakeJobRepo) FindByIdempotencyKey(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (f *fakeJobRepo) CompareAndSetStatus(_ domain.Context, _ string, _, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	f.casCalls = append(f.casCalls, to)
	mutate(&f.job)
	f.job.Status = to
	return f.casResult, nil
}
func (f *fakeJobRepo) ListStaleProcessing(domain.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

type fakeBlobStore struct {
	data map[string][]byte
	puts map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: map[string][]byte{}, puts: map[string][]byte{}}
}
func (f *fakeBlobStore) Put(_ domain.Context, key string, data []byte, _ string) error {
	f.puts[key] = data
	return nil
}
func (f *fakeBlobStore) Get(_ domain.Context, key string) ([]byte, error) { return f.data[key], nil }
func (f *fakeBlobStore) PresignedURL(_ domain.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}
func (f *fakeBlobStore) Delete(_ domain.Context, key string) error { delete(f.data, key); return nil }

type fakeCollector struct {
	results      map[string]string
	clearedJobID string
	clearedCalls int
}

func (f *fakeCollector) CollectResults(domain.Context, string) (map[string]string, error) {
	return f.results, nil
}

func (f *fakeCollector) ClearBarrier(_ domain.Context, jobID string) error {
	f.clearedJobID = jobID
	f.clearedCalls++
	return nil
}

type fakeDeliverer struct {
	delivered []domain.WebhookPayload
	err       error
}

func (f *fakeDeliverer) Deliver(_ domain.Context, _ string, payload domain.WebhookPayload) error {
	f.delivered = append(f.delivered, payload)
	return f.err
}

func TestFinalizer_Run_CompletesJobAndDeliversWebhook(t *testing.T) {
	repo := &fakeJobRepo{
		job:       domain.Job{ID: "job-1", Status: domain.JobProcessing, Operations: []string{"jpg", "png"}, WebhookURL: "https://client.test/hook"},
		casResult: true,
	}
	blobs := newFakeBlobStore()
	blobs.data["processed/job-1/jpg_abc.jpg"] = []byte("jpg-bytes")
	blobs.data["processed/job-1/png_def.png"] = []byte("png-bytes")
	collector := &fakeCollector{results: map[string]string{
		"jpg": "processed/job-1/jpg_abc.jpg",
		"png": "processed/job-1/png_def.png",
	}}
	deliverer := &fakeDeliverer{}

	f := finalize.NewFinalizer(repo, blobs, collector, deliverer, time.Hour)
	err := f.Run(t.Context(), "job-1", "req-1")
	require.NoError(t, err)

	require.Equal(t, domain.JobCompleted, repo.job.Status)
	require.Len(t, deliverer.delivered, 1)
	require.Equal(t, domain.JobCompleted, deliverer.delivered[0].Status)
	require.Len(t, deliverer.delivered[0].ResultURLs, 2)
	require.Equal(t, 1, collector.clearedCalls, "barrier must be cleared once COMPLETED commits")
	require.Equal(t, "job-1", collector.clearedJobID)
}

func TestFinalizer_Run_WebhookFailureFallsBackToWebhookFailedStatus(t *testing.T) {
	repo := &fakeJobRepo{
		job:       domain.Job{ID: "job-2", Status: domain.JobProcessing, Operations: []string{"jpg"}, WebhookURL: "https://client.test/hook"},
		casResult: true,
	}
	blobs := newFakeBlobStore()
	blobs.data["processed/job-2/jpg_abc.jpg"] = []byte("jpg-bytes")
	collector := &fakeCollector{results: map[string]string{"jpg": "processed/job-2/jpg_abc.jpg"}}
	deliverer := &fakeDeliverer{err: errWebhookUnreachable}

	f := finalize.NewFinalizer(repo, blobs, collector, deliverer, time.Hour)
	err := f.Run(t.Context(), "job-2", "req-2")
	require.NoError(t, err)

	require.Equal(t, domain.JobCompletedWebhookFailed, repo.job.Status)
	require.Contains(t, repo.casCalls, domain.JobCompletedWebhookFailed)
}

func TestFinalizer_Run_SkipsWhenJobNoLongerProcessing(t *testing.T) {
	repo := &fakeJobRepo{
		job:       domain.Job{ID: "job-3", Status: domain.JobProcessing, Operations: []string{"jpg"}},
		casResult: false,
	}
	blobs := newFakeBlobStore()
	collector := &fakeCollector{results: map[string]string{"jpg": "processed/job-3/jpg_abc.jpg"}}
	deliverer := &fakeDeliverer{}

	f := finalize.NewFinalizer(repo, blobs, collector, deliverer, time.Hour)
	err := f.Run(t.Context(), "job-3", "req-3")
	require.NoError(t, err)
	require.Empty(t, deliverer.delivered)
	require.Zero(t, collector.clearedCalls, "a job no longer in PROCESSING must not have its barrier torn down")
}
