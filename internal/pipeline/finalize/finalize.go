// Package finalize implements the barrier callback: once every member of a
// job's DAG group has reported in, it collects their output keys, builds the
// archive, transitions the job to its terminal status, and fires the
// client's webhook.
package finalize

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
	"github.com/pixtools/pixtools/internal/pipeline/archive"
	"github.com/pixtools/pixtools/internal/pipeline/naming"
)

// ResultCollector reads back a job's per-operation output keys once its DAG
// group has completed, and tears down the barrier state once the job has
// genuinely reached a terminal status. Implemented by *dag.Dispatcher.
type ResultCollector interface {
	// CollectResults is non-destructive and idempotent: a finalize retry
	// after a transient failure can call it again and see the same keys.
	CollectResults(ctx domain.Context, jobID string) (map[string]string, error)
	// ClearBarrier deletes the barrier counter and results hash. Only call
	// this once the job's terminal CompareAndSetStatus has committed.
	ClearBarrier(ctx domain.Context, jobID string) error
}

// Deliverer posts the completion payload to a job's webhook_url.
type Deliverer interface {
	Deliver(ctx domain.Context, url string, payload domain.WebhookPayload) error
}

// Finalizer runs the barrier callback for a completed DAG group.
type Finalizer struct {
	Jobs      domain.JobRepository
	Blobs     domain.BlobStore
	Results   ResultCollector
	Webhooks  Deliverer
	URLExpiry time.Duration
}

// NewFinalizer constructs a Finalizer with its dependencies.
func NewFinalizer(jobs domain.JobRepository, blobs domain.BlobStore, results ResultCollector, webhooks Deliverer, urlExpiry time.Duration) *Finalizer {
	return &Finalizer{Jobs: jobs, Blobs: blobs, Results: results, Webhooks: webhooks, URLExpiry: urlExpiry}
}

// Run executes the barrier callback for jobID: collect per-op output keys,
// persist them and build the archive, move the job to COMPLETED (or
// COMPLETED_WEBHOOK_FAILED if the client's webhook rejects the callback),
// and deliver the webhook when the job has one.
func (f *Finalizer) Run(ctx domain.Context, jobID, requestID string) error {
	lg := obsctx.LoggerFromContext(ctx)

	job, err := f.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finalize: get job: %w", err)
	}

	resultKeys, err := f.Results.CollectResults(ctx, jobID)
	if err != nil {
		return fmt.Errorf("finalize: collect results: %w", err)
	}

	// The archive task runs inline here rather than as a separately dispatched
	// queue task: bundling a handful of already-in-memory-sized images is
	// bounded, synchronous work, and doing it here keeps its failure mode
	// best-effort and logged-on-failure without adding another queue/consumer
	// pair ahead of the webhook path.
	var archiveKey *string
	if len(resultKeys) > 0 {
		if key, err := f.buildArchive(ctx, job, resultKeys); err != nil {
			lg.Error("finalize: build archive failed, continuing without it", slog.String("job_id", jobID), slog.Any("error", err))
		} else {
			archiveKey = &key
		}
	}

	ok, err := f.Jobs.CompareAndSetStatus(ctx, jobID, domain.JobProcessing, domain.JobCompleted, func(j *domain.Job) {
		j.ResultKeys = resultKeys
		j.ArchiveKey = archiveKey
	})
	if err != nil {
		return fmt.Errorf("finalize: compare and set completed: %w", err)
	}
	if !ok {
		lg.Warn("finalize: job no longer in PROCESSING, skipping", slog.String("job_id", jobID))
		return nil
	}
	observability.RecordJobStatus(string(domain.JobCompleted))

	// The barrier is only torn down after COMPLETED has actually committed:
	// clearing it earlier and then failing the CAS (a transient DB error)
	// would strand the job in PROCESSING with its collected keys already
	// gone, leaving nothing for a finalize retry to re-collect.
	if err := f.Results.ClearBarrier(ctx, jobID); err != nil {
		lg.Warn("finalize: clear barrier failed", slog.String("job_id", jobID), slog.Any("error", err))
	}

	if job.WebhookURL == "" {
		return nil
	}
	return f.deliverWebhook(ctx, jobID, job, resultKeys, archiveKey)
}

func (f *Finalizer) buildArchive(ctx domain.Context, job domain.Job, resultKeys map[string]string) (string, error) {
	start := time.Now()
	defer func() { observability.ObserveArchiveBuild(time.Since(start).Seconds()) }()

	entries := make(map[string]archive.Entry, len(resultKeys))
	for op, key := range resultKeys {
		data, err := f.Blobs.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("finalize: fetch %q for archive: %w", op, err)
		}
		entries[op] = archive.Entry{Key: key, Data: data}
	}

	data, err := archive.Build(job.OriginalFilename, job.Operations, entries)
	if err != nil {
		return "", err
	}

	key := archive.Key(job.ID)
	if err := f.Blobs.Put(ctx, key, data, "application/zip"); err != nil {
		return "", fmt.Errorf("finalize: upload archive: %w", err)
	}
	return key, nil
}

func (f *Finalizer) deliverWebhook(ctx domain.Context, jobID string, job domain.Job, resultKeys map[string]string, archiveKey *string) error {
	lg := obsctx.LoggerFromContext(ctx)

	urls := make(map[string]string, len(resultKeys))
	for op, key := range resultKeys {
		url, err := f.Blobs.PresignedURL(ctx, key, naming.DownloadName(job.OriginalFilename, op, key), f.URLExpiry)
		if err != nil {
			lg.Error("finalize: presign result for webhook failed", slog.String("job_id", jobID), slog.String("operation", op), slog.Any("error", err))
			continue
		}
		urls[op] = url
	}
	payload := domain.WebhookPayload{JobID: jobID, Status: domain.JobCompleted, ResultURLs: urls}
	if archiveKey != nil {
		if url, err := f.Blobs.PresignedURL(ctx, *archiveKey, naming.ArchiveName(jobID), f.URLExpiry); err == nil {
			payload.ArchiveURL = url
		}
	}

	if err := f.Webhooks.Deliver(ctx, job.WebhookURL, payload); err != nil {
		lg.Warn("finalize: webhook delivery failed", slog.String("job_id", jobID), slog.Any("error", err))
		msg := err.Error()
		if _, casErr := f.Jobs.CompareAndSetStatus(ctx, jobID, domain.JobCompleted, domain.JobCompletedWebhookFailed, func(j *domain.Job) {
			j.ErrorMessage = &msg
		}); casErr != nil {
			return fmt.Errorf("finalize: compare and set webhook failed: %w", casErr)
		}
		observability.RecordJobStatus(string(domain.JobCompletedWebhookFailed))
		return nil
	}
	return nil
}
