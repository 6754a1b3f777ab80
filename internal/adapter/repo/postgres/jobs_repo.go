// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pixtools/pixtools/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repo for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
//
// jobs table shape:
//
//	id text primary key
//	status text not null
//	operations jsonb not null
//	operation_params jsonb
//	raw_key text not null
//	original_filename text not null
//	webhook_url text not null
//	idempotency_key text
//	result_keys jsonb not null default '{}'
//	archive_key text
//	exif_metadata jsonb
//	error_message text
//	retry_count int not null default 0
//	created_at timestamptz not null
//	updated_at timestamptz not null
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job in PENDING status and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	ops, err := json.Marshal(j.Operations)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal_operations: %w", err)
	}
	var params []byte
	if len(j.Params) > 0 {
		if params, err = json.Marshal(j.Params); err != nil {
			return "", fmt.Errorf("op=job.create.marshal_params: %w", err)
		}
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, status, operations, operation_params, raw_key, original_filename, webhook_url, idempotency_key, result_keys, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'{}',$9,$9)`
	if _, err := r.Pool.Exec(ctx, q, id, domain.JobPending, ops, nullIfEmpty(params), j.RawKey, j.OriginalFilename, j.WebhookURL, j.IdempotencyKey, now); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// CompareAndSetStatus transitions a job from `from` to `to`, applying mutate
// to the in-memory row before persisting, inside a single transaction guarded
// by `WHERE status = from`. Returns false, nil (no error) if the row had
// already moved past `from` by the time this ran.
func (r *JobRepo) CompareAndSetStatus(ctx domain.Context, id string, from, to domain.JobStatus, mutate func(*domain.Job)) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompareAndSetStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.from", string(from)),
		attribute.String("job.to", string(to)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("op=job.cas.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("failed to rollback job CAS transaction", slog.String("job_id", id), slog.Any("error", rbErr))
			}
		}
	}()

	j, err := getTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if j.Status != from {
		return false, nil
	}

	j.Status = to
	if mutate != nil {
		mutate(&j)
	}
	j.UpdatedAt = time.Now().UTC()

	ops, err := json.Marshal(j.Operations)
	if err != nil {
		return false, fmt.Errorf("op=job.cas.marshal_operations: %w", err)
	}
	resultKeys, err := json.Marshal(j.ResultKeys)
	if err != nil {
		return false, fmt.Errorf("op=job.cas.marshal_result_keys: %w", err)
	}
	var exif []byte
	if j.ExifMetadata != nil {
		if exif, err = json.Marshal(j.ExifMetadata); err != nil {
			return false, fmt.Errorf("op=job.cas.marshal_exif: %w", err)
		}
	}
	var params []byte
	if len(j.Params) > 0 {
		if params, err = json.Marshal(j.Params); err != nil {
			return false, fmt.Errorf("op=job.cas.marshal_params: %w", err)
		}
	}

	q := `UPDATE jobs SET status=$2, operations=$3, operation_params=$4, result_keys=$5, archive_key=$6, exif_metadata=$7, error_message=$8, retry_count=$9, updated_at=$10
	      WHERE id=$1 AND status=$11`
	tag, err := tx.Exec(ctx, q, id, j.Status, ops, nullIfEmpty(params), resultKeys, j.ArchiveKey, nullIfEmpty(exif), j.ErrorMessage, j.RetryCount, j.UpdatedAt, from)
	if err != nil {
		return false, fmt.Errorf("op=job.cas.exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=job.cas.commit: %w", err)
	}
	committed = true
	return true, nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func getTx(ctx domain.Context, tx pgx.Tx, id string) (domain.Job, error) {
	q := `SELECT id, status, operations, operation_params, raw_key, original_filename, webhook_url, idempotency_key,
	             result_keys, archive_key, exif_metadata, error_message, retry_count, created_at, updated_at
	      FROM jobs WHERE id=$1 FOR UPDATE`
	row := tx.QueryRow(ctx, q, id)
	return scanJob(row)
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, status, operations, operation_params, raw_key, original_filename, webhook_url, idempotency_key,
	             result_keys, archive_key, exif_metadata, error_message, retry_count, created_at, updated_at
	      FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job by idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, status, operations, operation_params, raw_key, original_filename, webhook_url, idempotency_key,
	             result_keys, archive_key, exif_metadata, error_message, retry_count, created_at, updated_at
	      FROM jobs WHERE idempotency_key=$1 LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, key)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_idem: %w", err)
	}
	return j, nil
}

// ListStaleProcessing returns jobs stuck in PROCESSING since before cutoff,
// used by the stuck job sweeper to force a terminal FAILED transition when a
// worker died mid-task without a chance to report back.
func (r *JobRepo) ListStaleProcessing(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStaleProcessing")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, status, operations, operation_params, raw_key, original_filename, webhook_url, idempotency_key,
	             result_keys, archive_key, exif_metadata, error_message, retry_count, created_at, updated_at
	      FROM jobs WHERE status=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.JobProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteOlderThan removes jobs created before cutoff.
func (r *JobRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteOlderThan")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "jobs"),
	)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var opsRaw, paramsRaw, resultKeysRaw, exifRaw []byte
	var idem, archiveKey, errMsg *string
	if err := row.Scan(&j.ID, &j.Status, &opsRaw, &paramsRaw, &j.RawKey, &j.OriginalFilename, &j.WebhookURL, &idem,
		&resultKeysRaw, &archiveKey, &exifRaw, &errMsg, &j.RetryCount, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}

	if len(opsRaw) > 0 {
		if err := json.Unmarshal(opsRaw, &j.Operations); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal operations: %w", err)
		}
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal operation_params: %w", err)
		}
	}
	if len(resultKeysRaw) > 0 {
		if err := json.Unmarshal(resultKeysRaw, &j.ResultKeys); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal result_keys: %w", err)
		}
	}
	if len(exifRaw) > 0 {
		if err := json.Unmarshal(exifRaw, &j.ExifMetadata); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal exif_metadata: %w", err)
		}
	}
	j.IdempotencyKey = idem
	j.ArchiveKey = archiveKey
	j.ErrorMessage = errMsg
	return j, nil
}
