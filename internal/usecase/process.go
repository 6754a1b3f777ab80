// Package usecase contains application business logic services.
package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
)

// Dispatcher fans a job's operations out onto the processing queues.
type Dispatcher interface {
	Dispatch(ctx domain.Context, job domain.Job, requestID string) error
	DispatchMetadata(ctx domain.Context, job domain.Job, requestID string, markCompleted bool) error
}

// ProcessService validates an upload, persists it, and schedules its DAG.
type ProcessService struct {
	Jobs       domain.JobRepository
	Blobs      domain.BlobStore
	Idem       domain.IdempotencyCache
	Dispatcher Dispatcher

	IdempotencyTTL time.Duration
}

// NewProcessService constructs a ProcessService with its dependencies.
func NewProcessService(jobs domain.JobRepository, blobs domain.BlobStore, idem domain.IdempotencyCache, dispatcher Dispatcher, idempotencyTTL time.Duration) ProcessService {
	return ProcessService{Jobs: jobs, Blobs: blobs, Idem: idem, Dispatcher: dispatcher, IdempotencyTTL: idempotencyTTL}
}

// Submit persists data under a fresh blob key, creates a PENDING job, and
// dispatches its operations. When idempotencyKey is non-empty and already
// claimed by an earlier submission, Submit short-circuits and returns that
// job's ID without re-uploading or re-dispatching anything.
func (s ProcessService) Submit(ctx domain.Context, data []byte, filename, contentType string, operations []string, params map[string]domain.OperationParams, webhookURL, idempotencyKey string) (jobID string, existed bool, err error) {
	tr := otel.Tracer("usecase.process")
	ctx, span := tr.Start(ctx, "ProcessService.Submit")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)
	requestID := obsctx.RequestIDFromContext(ctx)

	jobID = uuid.New().String()

	if idempotencyKey != "" {
		owner, created, rerr := s.Idem.Reserve(ctx, idempotencyKey, jobID, s.IdempotencyTTL)
		if rerr != nil {
			lg.Error("idempotency reserve failed", slog.String("idempotency_key", idempotencyKey), slog.Any("error", rerr))
			return "", false, fmt.Errorf("%w: idempotency reserve: %v", domain.ErrInternal, rerr)
		}
		if !created {
			if existing, gerr := s.Jobs.FindByIdempotencyKey(ctx, idempotencyKey); gerr == nil && existing.ID != "" {
				lg.Info("submit idempotent hit", slog.String("idempotency_key", idempotencyKey), slog.String("job_id", existing.ID))
				return existing.ID, true, nil
			}
			return owner, true, nil
		}
	}

	randSegment, err := randHex(16)
	if err != nil {
		return "", false, fmt.Errorf("%w: raw key generation: %v", domain.ErrInternal, err)
	}
	rawKey := fmt.Sprintf("raw/%s/%s%s", jobID, randSegment, strings.ToLower(filepath.Ext(filename)))
	if err := s.Blobs.Put(ctx, rawKey, data, contentType); err != nil {
		lg.Error("submit blob put failed", slog.String("job_id", jobID), slog.Any("error", err))
		return "", false, fmt.Errorf("%w: blob upload: %v", domain.ErrInternal, err)
	}

	job := domain.Job{
		ID:               jobID,
		Status:           domain.JobPending,
		Operations:       operations,
		RawKey:           rawKey,
		OriginalFilename: filename,
		WebhookURL:       webhookURL,
		Params:           params,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if idempotencyKey != "" {
		job.IdempotencyKey = &idempotencyKey
	}
	if _, err := s.Jobs.Create(ctx, job); err != nil {
		lg.Error("submit job create failed", slog.String("job_id", jobID), slog.Any("error", err))
		return "", false, fmt.Errorf("%w: job create: %v", domain.ErrInternal, err)
	}

	// Metadata extraction never joins the DAG fan-out group: it writes
	// directly to the job row and, when it's the only thing requested,
	// drives the job to COMPLETED itself.
	metadataRequested := false
	pipelineOpCount := 0
	for _, op := range operations {
		if domain.Operation(op) == domain.OpMetadata {
			metadataRequested = true
		} else {
			pipelineOpCount++
		}
	}

	if pipelineOpCount > 0 {
		if err := s.Dispatcher.Dispatch(ctx, job, requestID); err != nil {
			msg := err.Error()
			_, _ = s.Jobs.CompareAndSetStatus(ctx, jobID, domain.JobPending, domain.JobFailed, func(j *domain.Job) { j.ErrorMessage = &msg })
			lg.Error("submit dispatch failed", slog.String("job_id", jobID), slog.Any("error", err))
			return "", false, fmt.Errorf("%w: dispatch: %v", domain.ErrInternal, err)
		}
	}
	if metadataRequested {
		if err := s.Dispatcher.DispatchMetadata(ctx, job, requestID, pipelineOpCount == 0); err != nil {
			msg := err.Error()
			_, _ = s.Jobs.CompareAndSetStatus(ctx, jobID, domain.JobPending, domain.JobFailed, func(j *domain.Job) { j.ErrorMessage = &msg })
			lg.Error("submit metadata dispatch failed", slog.String("job_id", jobID), slog.Any("error", err))
			return "", false, fmt.Errorf("%w: dispatch metadata: %v", domain.ErrInternal, err)
		}
	}

	// Dispatch succeeded: the job now has outstanding work queued, so move it
	// past PENDING. Consumers' CompareAndSetStatus calls all target PROCESSING
	// as their `from`, so a job stuck in PENDING here would never reach a
	// terminal state.
	if _, err := s.Jobs.CompareAndSetStatus(ctx, jobID, domain.JobPending, domain.JobProcessing, nil); err != nil {
		lg.Error("submit mark processing failed", slog.String("job_id", jobID), slog.Any("error", err))
	}

	lg.Info("submit accepted", slog.String("job_id", jobID), slog.Int("operations", len(operations)))
	return jobID, false, nil
}

func randHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
