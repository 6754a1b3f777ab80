package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/domain"
)

func TestJobRepo_Create_GeneratesID(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	id, err := repo.Create(context.Background(), domain.Job{
		Operations:       []string{"jpg", "metadata"},
		RawKey:           "raw/abc.jpg",
		OriginalFilename: "abc.jpg",
		WebhookURL:       "https://example.com/hook",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestJobRepo_Create_PropagatesExecError(t *testing.T) {
	pool := &poolStub{execErr: context.DeadlineExceeded}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Create(context.Background(), domain.Job{ID: "job-1", Operations: []string{"jpg"}})
	require.Error(t, err)
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// txStub implements pgx.Tx for exercising CompareAndSetStatus.
type txStub struct {
	pgx.Tx
	row       rowStub
	execTag   pgconn.CommandTag
	execErr   error
	committed bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return t.row }
func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return t.execTag, t.execErr
}
func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error { return nil }

func TestJobRepo_CompareAndSetStatus_SkipsWhenStatusMoved(t *testing.T) {
	now := time.Now()
	tx := &txStub{
		row: rowStub{scan: func(dest ...any) error {
			*dest[0].(*string) = "job-1"
			*dest[1].(*domain.JobStatus) = domain.JobCompleted // already moved past PROCESSING
			*dest[2].(*[]byte) = []byte(`["jpg"]`)
			*dest[3].(*[]byte) = nil
			*dest[4].(*string) = "raw/key"
			*dest[5].(*string) = "orig.jpg"
			*dest[6].(*string) = "https://example.com"
			*dest[7].(**string) = nil
			*dest[8].(*[]byte) = []byte(`{}`)
			*dest[9].(**string) = nil
			*dest[10].(*[]byte) = nil
			*dest[11].(**string) = nil
			*dest[12].(*int) = 0
			*dest[13].(*time.Time) = now
			*dest[14].(*time.Time) = now
			return nil
		}},
	}
	pool := &poolStub{txOverride: tx}
	repo := postgres.NewJobRepo(pool)
	ok, err := repo.CompareAndSetStatus(context.Background(), "job-1", domain.JobProcessing, domain.JobCompleted, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, tx.committed)
}
