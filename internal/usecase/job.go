package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/pixtools/pixtools/internal/domain"
	obsctx "github.com/pixtools/pixtools/internal/observability"
	"github.com/pixtools/pixtools/internal/pipeline/naming"
)

// JobView is the HTTP-facing representation of a job, with result/archive
// URLs presigned fresh on every fetch rather than read from storage.
type JobView struct {
	JobID        string            `json:"job_id"`
	Status       domain.JobStatus  `json:"status"`
	Operations   []string          `json:"operations"`
	ResultURLs   map[string]string `json:"result_urls,omitempty"`
	ArchiveURL   string            `json:"archive_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// JobService retrieves jobs and regenerates their presigned artifact URLs.
type JobService struct {
	Jobs               domain.JobRepository
	Blobs              domain.BlobStore
	PresignedURLExpiry time.Duration
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(jobs domain.JobRepository, blobs domain.BlobStore, presignedURLExpiry time.Duration) JobService {
	return JobService{Jobs: jobs, Blobs: blobs, PresignedURLExpiry: presignedURLExpiry}
}

// Fetch loads a job, regenerates its result/archive URLs, and computes an
// ETag over the job's durable state (everything except the regenerated
// URLs themselves, since those change on every call regardless of whether
// the job changed). Returns (http.StatusNotModified, nil, etag, nil) when
// ifNoneMatch matches the computed ETag.
func (s JobService) Fetch(ctx domain.Context, id, ifNoneMatch string) (status int, out *JobView, etag string, err error) {
	tr := otel.Tracer("usecase.job")
	ctx, span := tr.Start(ctx, "JobService.Fetch")
	defer span.End()

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return 0, nil, "", err
	}

	etag = computeETag(job)
	if ifNoneMatch != "" && ifNoneMatch == etag {
		return http.StatusNotModified, nil, etag, nil
	}

	view := &JobView{
		JobID:      job.ID,
		Status:     job.Status,
		Operations: job.Operations,
		Metadata:   job.ExifMetadata,
		RetryCount: job.RetryCount,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ErrorMessage != nil {
		view.ErrorMessage = *job.ErrorMessage
	}

	if len(job.ResultKeys) > 0 {
		lg := obsctx.LoggerFromContext(ctx)
		urls := make(map[string]string, len(job.ResultKeys))
		for op, key := range job.ResultKeys {
			url, perr := s.Blobs.PresignedURL(ctx, key, naming.DownloadName(job.OriginalFilename, op, key), s.PresignedURLExpiry)
			if perr != nil {
				lg.Error("presign result url failed", slog.String("job_id", job.ID), slog.String("operation", op), slog.Any("error", perr))
				continue
			}
			urls[op] = url
		}
		view.ResultURLs = urls
	}
	if job.ArchiveKey != nil {
		url, perr := s.Blobs.PresignedURL(ctx, *job.ArchiveKey, naming.ArchiveName(job.ID), s.PresignedURLExpiry)
		if perr == nil {
			view.ArchiveURL = url
		}
	}

	return http.StatusOK, view, etag, nil
}

// computeETag hashes the job's durable fields: status, operations,
// result/archive keys, error, and update timestamp. Two reads of an
// unchanged job always produce the same ETag even though their presigned
// URLs differ byte-for-byte.
func computeETag(job domain.Job) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", job.ID, job.Status)
	ops := append([]string(nil), job.Operations...)
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(h, "%s,", op)
	}
	keys := make([]string, 0, len(job.ResultKeys))
	for k := range job.ResultKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s,", k, job.ResultKeys[k])
	}
	if job.ArchiveKey != nil {
		fmt.Fprintf(h, "|archive=%s", *job.ArchiveKey)
	}
	if job.ErrorMessage != nil {
		fmt.Fprintf(h, "|err=%s", *job.ErrorMessage)
	}
	fmt.Fprintf(h, "|updated=%s", job.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return `"` + hex.EncodeToString(h.Sum(nil))[:16] + `"`
}
