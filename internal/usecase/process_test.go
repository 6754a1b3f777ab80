package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/domain"
)

type fakeJobRepo struct {
	created       []domain.Job
	byIdempotency map[string]domain.Job
	getByID       map[string]domain.Job
	casResult     bool
	casErr        error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{byIdempotency: map[string]domain.Job{}, getByID: map[string]domain.Job{}}
}

func (f *fakeJobRepo) Create(_ domain.Context, j domain.Job) (string, error) {
	f.created = append(f.created, j)
	f.getByID[j.ID] = j
	return j.ID, nil
}
func (f *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := f.getByID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobRepo) FindByIdempotencyKey(_ domain.Context, key string) (domain.Job, error) {
	j, ok := f.byIdempotency[key]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobRepo) CompareAndSetStatus(_ domain.Context, id string, _, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	j := f.getByID[id]
	if mutate != nil {
		mutate(&j)
	}
	j.Status = to
	f.getByID[id] = j
	return f.casResult, f.casErr
}
func (f *fakeJobRepo) ListStaleProcessing(domain.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

type fakeBlobStore struct {
	puts map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{puts: map[string][]byte{}} }

func (f *fakeBlobStore) Put(_ domain.Context, key string, data []byte, _ string) error {
	f.puts[key] = data
	return nil
}
func (f *fakeBlobStore) Get(_ domain.Context, key string) ([]byte, error) { return f.puts[key], nil }
func (f *fakeBlobStore) PresignedURL(_ domain.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}
func (f *fakeBlobStore) Delete(_ domain.Context, key string) error { delete(f.puts, key); return nil }

type fakeIdemCache struct {
	owners map[string]string
}

func newFakeIdemCache() *fakeIdemCache { return &fakeIdemCache{owners: map[string]string{}} }

func (f *fakeIdemCache) Reserve(_ domain.Context, key, jobID string, _ time.Duration) (string, bool, error) {
	if owner, ok := f.owners[key]; ok {
		return owner, false, nil
	}
	f.owners[key] = jobID
	return jobID, true, nil
}

type fakeDispatcher struct {
	dispatched       []domain.Job
	metadataDispatched []domain.Job
	err              error
	metadataErr      error
}

func (f *fakeDispatcher) Dispatch(_ domain.Context, job domain.Job, _ string) error {
	f.dispatched = append(f.dispatched, job)
	return f.err
}

func (f *fakeDispatcher) DispatchMetadata(_ domain.Context, job domain.Job, _ string, _ bool) error {
	f.metadataDispatched = append(f.metadataDispatched, job)
	return f.metadataErr
}

func TestProcessService_Submit_HappyPath(t *testing.T) {
	jobs := newFakeJobRepo()
	blobs := newFakeBlobStore()
	idem := newFakeIdemCache()
	dispatcher := &fakeDispatcher{}
	svc := NewProcessService(jobs, blobs, idem, dispatcher, time.Hour)

	jobID, existed, err := svc.Submit(context.Background(), []byte("data"), "photo.png", "image/png", []string{"jpg", "metadata"}, nil, "", "")
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEmpty(t, jobID)
	require.Len(t, jobs.created, 1)
	require.Equal(t, domain.JobPending, jobs.created[0].Status)
	require.Len(t, dispatcher.dispatched, 1, "pipeline op jpg must dispatch through the DAG group")
	require.Len(t, dispatcher.metadataDispatched, 1, "metadata must dispatch independently of the DAG group")
	require.Len(t, blobs.puts, 1)
}

func TestProcessService_Submit_MetadataOnlyNeverJoinsDAG(t *testing.T) {
	jobs := newFakeJobRepo()
	blobs := newFakeBlobStore()
	idem := newFakeIdemCache()
	dispatcher := &fakeDispatcher{}
	svc := NewProcessService(jobs, blobs, idem, dispatcher, time.Hour)

	_, _, err := svc.Submit(context.Background(), []byte("data"), "photo.png", "image/png", []string{"metadata"}, nil, "", "")
	require.NoError(t, err)
	require.Empty(t, dispatcher.dispatched)
	require.Len(t, dispatcher.metadataDispatched, 1)
}

func TestProcessService_Submit_IdempotentReplay(t *testing.T) {
	jobs := newFakeJobRepo()
	blobs := newFakeBlobStore()
	idem := newFakeIdemCache()
	dispatcher := &fakeDispatcher{}
	svc := NewProcessService(jobs, blobs, idem, dispatcher, time.Hour)

	firstID, existed, err := svc.Submit(context.Background(), []byte("data"), "a.png", "image/png", []string{"jpg"}, nil, "", "key-1")
	require.NoError(t, err)
	require.False(t, existed)
	jobs.byIdempotency["key-1"] = jobs.getByID[firstID]

	secondID, existed, err := svc.Submit(context.Background(), []byte("data"), "a.png", "image/png", []string{"jpg"}, nil, "", "key-1")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, firstID, secondID)
	require.Len(t, jobs.created, 1, "idempotent replay must not create a second job")
	require.Len(t, blobs.puts, 1, "idempotent replay must not re-upload the blob")
}

func TestProcessService_Submit_DispatchFailureMarksJobFailed(t *testing.T) {
	jobs := newFakeJobRepo()
	blobs := newFakeBlobStore()
	idem := newFakeIdemCache()
	dispatcher := &fakeDispatcher{err: domain.ErrInternal}
	svc := NewProcessService(jobs, blobs, idem, dispatcher, time.Hour)
	jobs.casResult = true

	_, _, err := svc.Submit(context.Background(), []byte("data"), "a.png", "image/png", []string{"jpg"}, nil, "", "")
	require.Error(t, err)
}
