// Package domain defines core entities, ports, and domain-specific errors.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). HTTP and worker adapters classify failures by
// wrapping or comparing against these with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrInternal        = errors.New("internal error")
	// ErrCircuitOpen is returned by the webhook deliverer when its breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
)

// Operation identifies a single step in a job's operations pipeline.
type Operation string

// Supported operations. Non-goals exclude any operation outside this set.
const (
	OpConvertJPG  Operation = "jpg"
	OpConvertPNG  Operation = "png"
	OpConvertWebP Operation = "webp"
	OpConvertAVIF Operation = "avif"
	OpDenoise     Operation = "denoise"
	OpMetadata    Operation = "metadata"
)

// ConversionFormats are the operations that produce an image artifact via a
// codec functor, as opposed to metadata extraction.
var ConversionFormats = map[Operation]bool{
	OpConvertJPG:  true,
	OpConvertPNG:  true,
	OpConvertWebP: true,
	OpConvertAVIF: true,
	OpDenoise:     true,
}

// ResizeParams carries the target dimensions for a resize request. Resize is
// aspect-preserving when only one of Width/Height is given.
type ResizeParams struct {
	Width  int `json:"width,omitempty" validate:"omitempty,min=0"`
	Height int `json:"height,omitempty" validate:"omitempty,min=0"`
}

// OperationParams carries the per-operation parameters accepted at
// submission: quality (1-100) for jpg/webp, resize dimensions for
// jpg/png/webp/avif/denoise. A nil/zero field means "not set, use the
// format's default."
type OperationParams struct {
	Quality int           `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Resize  *ResizeParams `json:"resize,omitempty" validate:"omitempty"`
}

// IsValidOperation reports whether op is one pixtools knows how to run.
func IsValidOperation(op string) bool {
	switch Operation(op) {
	case OpConvertJPG, OpConvertPNG, OpConvertWebP, OpConvertAVIF, OpDenoise, OpMetadata:
		return true
	default:
		return false
	}
}

// JobStatus captures the lifecycle state of a processing job.
type JobStatus string

// Job status values. Transitions are enforced by JobRepository.CompareAndSetStatus:
//
//	PENDING -> PROCESSING | FAILED
//	PROCESSING -> COMPLETED | COMPLETED_WEBHOOK_FAILED | FAILED
//	COMPLETED -> COMPLETED_WEBHOOK_FAILED
const (
	JobPending                JobStatus = "PENDING"
	JobProcessing             JobStatus = "PROCESSING"
	JobCompleted              JobStatus = "COMPLETED"
	JobCompletedWebhookFailed JobStatus = "COMPLETED_WEBHOOK_FAILED"
	JobFailed                 JobStatus = "FAILED"
)

// terminal reports whether no further worker-driven transition is expected
// out of this status (COMPLETED can still move to COMPLETED_WEBHOOK_FAILED).
func (s JobStatus) terminal() bool {
	switch s {
	case JobCompletedWebhookFailed, JobFailed:
		return true
	default:
		return false
	}
}

// Job is the single mutable aggregate around which pixtools is built: one
// row per submitted image, covering every operation requested against it.
type Job struct {
	ID               string
	Status           JobStatus
	Operations       []string
	RawKey           string
	OriginalFilename string
	WebhookURL       string
	IdempotencyKey   *string
	// Params maps operation name to the quality/resize parameters requested
	// for it. Operations absent from this map run with format defaults.
	Params map[string]OperationParams

	// ResultKeys maps operation name to the blob store key of its artifact.
	// Written exactly once, by the finalizer, when every group member that
	// produces an artifact has reported in.
	ResultKeys map[string]string
	// ResultURLs is never persisted as a fact of record; it is regenerated
	// from ResultKeys on every read by presigning fresh, short-lived URLs.
	ResultURLs map[string]string
	// ArchiveKey is the blob store key of the zip bundle of ResultKeys, set
	// by the finalizer, which builds the archive inline once all conversion
	// outputs exist.
	ArchiveKey *string
	ArchiveURL string `json:"-"`

	// ExifMetadata holds the flattened key/value pairs extracted by the
	// metadata operation, nil unless "metadata" was requested.
	ExifMetadata map[string]string

	ErrorMessage *string
	RetryCount   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NeedsArchive reports whether any operation in the job produces a blob
// artifact that the archive task should bundle.
func (j Job) NeedsArchive() bool {
	for _, op := range j.Operations {
		if ConversionFormats[Operation(op)] {
			return true
		}
	}
	return false
}

// IdempotencyEntry records a short-lived idempotency-key -> job-id mapping.
type IdempotencyEntry struct {
	Key       string
	JobID     string
	CreatedAt time.Time
}

// OperationTask is the envelope enqueued onto the per-operation queue for a
// single DAG member. RequestID/JobID/EnqueuedAt also travel as message
// headers so a consumer never needs to unmarshal the body to log them.
type OperationTask struct {
	JobID        string          `json:"job_id"`
	RequestID    string          `json:"request_id"`
	Operation    Operation       `json:"operation"`
	RawKey       string          `json:"raw_key"`
	Params       OperationParams `json:"params,omitempty"`
	GroupIndex   int             `json:"group_index"`
	GroupSize    int             `json:"group_size"`
	AttemptCount int             `json:"attempt_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// MetadataTask is the envelope for the metadata functor, dispatched
// independently of the DAG fan-out group (metadata extraction writes
// directly to the job row rather than producing a barrier-collected
// artifact). MarkCompleted is true when the submission had no pipeline
// operations besides metadata, so the metadata task itself drives the job
// to its terminal COMPLETED state once EXIF extraction finishes.
type MetadataTask struct {
	JobID         string    `json:"job_id"`
	RequestID     string    `json:"request_id"`
	RawKey        string    `json:"raw_key"`
	MarkCompleted bool      `json:"mark_completed"`
	AttemptCount  int       `json:"attempt_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// FinalizeTask is the envelope for the barrier callback, dispatched once the
// DAG dispatcher observes every OperationTask in a job's group has reported.
type FinalizeTask struct {
	JobID        string    `json:"job_id"`
	RequestID    string    `json:"request_id"`
	AttemptCount int       `json:"attempt_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Repositories (ports)

// JobRepository is responsible for persisting and transitioning jobs.
type JobRepository interface {
	// Create inserts a new job in PENDING status.
	Create(ctx Context, j Job) (string, error)
	// Get retrieves a job by ID.
	Get(ctx Context, id string) (Job, error)
	// FindByIdempotencyKey finds a job previously created under key.
	FindByIdempotencyKey(ctx Context, key string) (Job, error)
	// CompareAndSetStatus transitions a job from `from` to `to`, applying
	// mutate to the row in the same statement/transaction, only if the job's
	// current status still equals `from`. Reports false, nil if another
	// writer already moved the job past `from`.
	CompareAndSetStatus(ctx Context, id string, from, to JobStatus, mutate func(*Job)) (bool, error)
	// ListStaleProcessing returns jobs stuck in PROCESSING since before cutoff.
	ListStaleProcessing(ctx Context, cutoff time.Time, limit int) ([]Job, error)
	// DeleteOlderThan removes jobs (and their artifacts' bookkeeping rows)
	// created before cutoff; used by the maintenance scheduler.
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// BlobStore (port)

// BlobStore abstracts the object storage backing raw uploads and outputs.
type BlobStore interface {
	// Put uploads data under key.
	Put(ctx Context, key string, data []byte, contentType string) error
	// Get downloads the object stored under key.
	Get(ctx Context, key string) ([]byte, error)
	// PresignedURL returns a time-limited download URL for key. downloadName,
	// when non-empty, sets a Content-Disposition attachment filename.
	PresignedURL(ctx Context, key, downloadName string, expiry time.Duration) (string, error)
	// Delete removes the object stored under key.
	Delete(ctx Context, key string) error
}

// Queue (port)

// Queue is responsible for dispatching operation and finalize tasks.
type Queue interface {
	// EnqueueOperation dispatches a single DAG member to its operation queue.
	EnqueueOperation(ctx Context, queueName string, task OperationTask) error
	// EnqueueFinalize dispatches the barrier callback.
	EnqueueFinalize(ctx Context, task FinalizeTask) error
	// EnqueueMetadata dispatches the metadata functor, outside the DAG group.
	EnqueueMetadata(ctx Context, task MetadataTask) error
	// EnqueueDLQ moves a task that exhausted its retry budget to the dead letter queue.
	EnqueueDLQ(ctx Context, task OperationTask, reason string) error
}

// IdempotencyCache (port)

// IdempotencyCache de-duplicates job submissions carrying the same
// idempotency key within a bounded TTL window.
type IdempotencyCache interface {
	// Reserve atomically claims key for jobID if unclaimed, returning the
	// job id that owns the key (jobID itself on a fresh claim) and whether
	// the claim was newly created by this call.
	Reserve(ctx Context, key, jobID string, ttl time.Duration) (ownerJobID string, created bool, err error)
}

// WebhookDeliverer (port)

// WebhookDeliverer notifies an external URL of a job's terminal status,
// subject to a per-URL circuit breaker.
type WebhookDeliverer interface {
	Deliver(ctx Context, url string, payload WebhookPayload) error
}

// WebhookPayload is the body POSTed to a job's webhook_url on completion.
type WebhookPayload struct {
	JobID      string            `json:"job_id"`
	Status     JobStatus         `json:"status"`
	ResultURLs map[string]string `json:"result_urls,omitempty"`
	ArchiveURL string            `json:"archive_url,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context
