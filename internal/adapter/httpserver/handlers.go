// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for pixtools: job submission, job status
// retrieval, and health/readiness probes. The package follows clean
// architecture principles and keeps HTTP concerns separate from the
// pipeline's business logic.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Process    usecase.ProcessService
	Jobs       usecase.JobService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	BlobCheck  func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, process usecase.ProcessService, jobs usecase.JobService, dbCheck, redisCheck, blobCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Process: process, Jobs: jobs, DBCheck: dbCheck, RedisCheck: redisCheck, BlobCheck: blobCheck, KafkaCheck: kafkaCheck}
}

// APIKeyGuard rejects requests missing a matching X-Api-Key header. Mounted
// only when cfg.APIKey is non-empty; absent that, the submission route is
// open, matching a local/dev deployment with no gateway in front of it.
func (s *Server) APIKeyGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.APIKey)) != 1 {
				writeError(w, r, fmt.Errorf("%w: invalid or missing api key", domain.ErrInvalidArgument), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProcessHandler handles POST /api/process: a multipart upload of a single
// image plus the operations to run against it.
func (s *Server) ProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}

		maxBytes := s.Cfg.MaxUploadBytes
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2)
		if err := r.ParseMultipartForm(maxBytes * 2); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "PAYLOAD_TOO_LARGE", Message: "upload exceeds maximum size",
					Details: map[string]any{"max_bytes": maxBytes},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file is required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: image read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if int64(len(data)) > maxBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code: "PAYLOAD_TOO_LARGE", Message: "upload exceeds maximum size",
				Details: map[string]any{"max_bytes": maxBytes},
			}})
			return
		}

		mime := mimetype.Detect(data)
		if !allowedImageMIME(mime.String()) {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code: "UNSUPPORTED_MEDIA_TYPE", Message: "unsupported image content type",
				Details: map[string]any{"mime": mime.String()},
			}})
			return
		}

		operations := r.MultipartForm.Value["operations"]
		if len(operations) == 1 {
			operations = strings.Split(operations[0], ",")
			for i := range operations {
				operations[i] = strings.TrimSpace(operations[i])
			}
		}
		if vr := ValidateOperations(operations, header.Filename); !vr.Valid {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
				Code: "VALIDATION_ERROR", Message: "invalid operations", Details: vr.Errors,
			}})
			return
		}

		var operationParams map[string]domain.OperationParams
		if raw := r.FormValue("operation_params"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &operationParams); err != nil {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
					Code: "VALIDATION_ERROR", Message: "operation_params is not valid JSON",
					Details: map[string]string{"operation_params": err.Error()},
				}})
				return
			}
			if vr := ValidateOperationParams(operationParams); !vr.Valid {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
					Code: "VALIDATION_ERROR", Message: "invalid operation_params", Details: vr.Errors,
				}})
				return
			}
		}

		webhookURL := r.FormValue("webhook_url")
		if vr := ValidateWebhookURL(webhookURL); !vr.Valid {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
				Code: "VALIDATION_ERROR", Message: "invalid webhook_url", Details: vr.Errors,
			}})
			return
		}

		idempotencyKey := r.Header.Get("Idempotency-Key")

		jobID, existed, err := s.Process.Submit(r.Context(), data, header.Filename, mime.String(), operations, operationParams, webhookURL, idempotencyKey)
		if err != nil {
			writeError(w, r, fmt.Errorf("process submit: %w", err), nil)
			return
		}

		status := http.StatusAccepted
		if existed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"job_id": jobID, "status": string(domain.JobPending)})
	}
}

// allowedImageMIME enforces the content-sniffed allowlist for /api/process
// uploads: any source image pixtools knows how to decode.
func allowedImageMIME(m string) bool {
	switch strings.ToLower(m) {
	case "image/jpeg", "image/png", "image/webp", "image/avif":
		return true
	default:
		return false
	}
}

// JobHandler handles GET /api/jobs/{id}.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{Code: "VALIDATION_ERROR", Message: "invalid job id", Details: vr.Errors}})
			return
		}

		status, view, etag, err := s.Jobs.Fetch(r.Context(), id, r.Header.Get("If-None-Match"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("ETag", etag)
		if status == http.StatusNotModified {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, view)
	}
}

// HealthzHandler is a liveness-equivalent endpoint kept for clients that
// still probe the older /healthz path.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// LivezHandler reports process liveness with no dependency checks.
func (s *Server) LivezHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

type dependencyCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// runChecks executes every named check against ctx and reports whether all passed.
func runChecks(ctx context.Context, checks map[string]func(context.Context) error) ([]dependencyCheck, bool) {
	out := make([]dependencyCheck, 0, len(checks))
	ok := true
	for _, name := range []string{"db", "redis", "blob", "kafka"} {
		fn, present := checks[name]
		if !present || fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			out = append(out, dependencyCheck{Name: name, OK: false, Details: err.Error()})
			ok = false
			continue
		}
		out = append(out, dependencyCheck{Name: name, OK: true})
	}
	return out, ok
}

// ReadyzHandler probes the database, Redis, and the Kafka/Redpanda brokers
// before reporting ready.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks, ok := runChecks(ctx, map[string]func(context.Context) error{"db": s.DBCheck, "redis": s.RedisCheck, "kafka": s.KafkaCheck})
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// HealthHandler probes the database, Redis, Kafka, and blob store. It is the
// same as ReadyzHandler plus a blob store round trip, matching spec's
// "readyz plus blob store probe" contract for /api/health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks, ok := runChecks(ctx, map[string]func(context.Context) error{
			"db": s.DBCheck, "redis": s.RedisCheck, "kafka": s.KafkaCheck, "blob": s.BlobCheck,
		})
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
