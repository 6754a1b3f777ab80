// Package maintenance runs periodic housekeeping over the job store.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/pixtools/pixtools/internal/domain"
)

// Scheduler periodically prunes jobs older than a retention window and
// sweeps jobs stuck in PROCESSING past a stale-processing cutoff, forcing
// them into FAILED so a crashed worker can never leave a job pending forever.
type Scheduler struct {
	Jobs             domain.JobRepository
	JobRetention     time.Duration
	CleanupInterval  time.Duration
	StuckJobMaxAge   time.Duration
	StuckJobInterval time.Duration
}

// NewScheduler constructs a Scheduler, filling in sane defaults for
// unset durations.
func NewScheduler(jobs domain.JobRepository, jobRetention, cleanupInterval, stuckJobMaxAge, stuckJobInterval time.Duration) *Scheduler {
	if jobRetention <= 0 {
		jobRetention = 24 * time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	if stuckJobMaxAge <= 0 {
		stuckJobMaxAge = 10 * time.Minute
	}
	if stuckJobInterval <= 0 {
		stuckJobInterval = time.Minute
	}
	return &Scheduler{
		Jobs:             jobs,
		JobRetention:     jobRetention,
		CleanupInterval:  cleanupInterval,
		StuckJobMaxAge:   stuckJobMaxAge,
		StuckJobInterval: stuckJobInterval,
	}
}

// RunRetention starts the periodic job-retention sweep. Blocks until ctx is done.
func (s *Scheduler) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(s.CleanupInterval)
	defer ticker.Stop()

	s.pruneOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance retention sweep stopping")
			return
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

func (s *Scheduler) pruneOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.JobRetention)
	deleted, err := s.Jobs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("job retention cleanup failed", slog.Any("error", err))
		return
	}
	slog.Info("job retention cleanup completed", slog.Int64("deleted_jobs", deleted), slog.Time("cutoff", cutoff))
}

// RunStuckJobSweep starts the periodic sweep that fails jobs stuck in
// PROCESSING longer than StuckJobMaxAge. Blocks until ctx is done.
func (s *Scheduler) RunStuckJobSweep(ctx context.Context) {
	ticker := time.NewTicker(s.StuckJobInterval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.StuckJobMaxAge)
	const pageSize = 100
	stale, err := s.Jobs.ListStaleProcessing(ctx, cutoff, pageSize)
	if err != nil {
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}
	msg := "job processing exceeded maximum age; marked failed by sweeper"
	marked := 0
	for _, j := range stale {
		ok, err := s.Jobs.CompareAndSetStatus(ctx, j.ID, domain.JobProcessing, domain.JobFailed, func(job *domain.Job) {
			job.ErrorMessage = &msg
		})
		if err != nil {
			slog.Error("stuck job sweep failed to update job status", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		if ok {
			marked++
		}
	}
	if len(stale) > 0 {
		slog.Info("stuck job sweep completed", slog.Int("checked", len(stale)), slog.Int("marked_failed", marked))
	}
}
