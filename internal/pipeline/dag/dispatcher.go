// Package dag fans a job's requested operations out onto per-operation
// queues and uses a Redis-backed counter to detect when every member of the
// group has reported back in, at which point it dispatches the single
// finalize task that runs the barrier callback.
package dag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixtools/pixtools/internal/domain"
)

// queueForOperation maps an operation to the queue it is dispatched on.
// Only denoise, whose ML inference cost is long-tailed, goes to
// ml_inference_queue; every conversion shares the default queue. Metadata
// extraction never reaches this function at all: it is dispatched outside
// the DAG fan-out group entirely (see usecase.ProcessService.Submit).
func queueForOperation(op domain.Operation) string {
	if op == domain.OpDenoise {
		return "ml_inference_queue"
	}
	return "default_queue"
}

// barrierScript atomically increments the reported-count for a job's group
// and reports whether this call was the one that completed it, mirroring
// the token-bucket counter pattern: a single round trip, no read-then-write
// race between two workers finishing at the same instant.
const barrierScript = `
local key = KEYS[1]
local group_size = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = redis.call("INCR", key)
redis.call("EXPIRE", key, ttl)

if count == group_size then
  return 1
end
return 0
`

// Dispatcher fans out a job's operations and detects group completion.
type Dispatcher struct {
	Queue domain.Queue
	Redis *redis.Client
	script *redis.Script
	// BarrierTTL bounds how long a group's counter key survives in Redis,
	// well past TaskTimeout so a slow straggler task doesn't reset the count.
	BarrierTTL time.Duration
}

// NewDispatcher constructs a Dispatcher. barrierTTL defaults to one hour
// when zero or negative.
func NewDispatcher(q domain.Queue, rdb *redis.Client, barrierTTL time.Duration) *Dispatcher {
	if barrierTTL <= 0 {
		barrierTTL = time.Hour
	}
	return &Dispatcher{Queue: q, Redis: rdb, script: redis.NewScript(barrierScript), BarrierTTL: barrierTTL}
}

// Dispatch enqueues one OperationTask per pipeline operation in job.Operations,
// skipping "metadata" (dispatched separately via DispatchMetadata, outside the
// DAG group - see usecase.ProcessService.Submit). GroupSize equals the number
// of pipeline operations: the finalizer fires once every member has
// succeeded and reported via Report. A member that fails out to the DLQ
// never reports; the DLQ consumer fails the job and deletes its barrier keys.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.Job, requestID string) error {
	pipelineOps := make([]string, 0, len(job.Operations))
	for _, op := range job.Operations {
		if domain.Operation(op) != domain.OpMetadata {
			pipelineOps = append(pipelineOps, op)
		}
	}

	groupSize := len(pipelineOps)
	now := time.Now().UTC()
	for i, op := range pipelineOps {
		task := domain.OperationTask{
			JobID:      job.ID,
			RequestID:  requestID,
			Operation:  domain.Operation(op),
			RawKey:     job.RawKey,
			Params:     job.Params[op],
			GroupIndex: i,
			GroupSize:  groupSize,
			EnqueuedAt: now,
		}
		if err := d.Queue.EnqueueOperation(ctx, queueForOperation(task.Operation), task); err != nil {
			return fmt.Errorf("dag dispatch: enqueue operation %d/%d (%s): %w", i, groupSize, op, err)
		}
	}
	return nil
}

// DispatchMetadata enqueues the job's metadata extraction task, independent
// of the DAG fan-out group. markCompleted is true when metadata is the only
// operation the submission requested, so the metadata consumer itself drives
// the job to COMPLETED once EXIF extraction finishes.
func (d *Dispatcher) DispatchMetadata(ctx context.Context, job domain.Job, requestID string, markCompleted bool) error {
	return d.Queue.EnqueueMetadata(ctx, domain.MetadataTask{
		JobID:         job.ID,
		RequestID:     requestID,
		RawKey:        job.RawKey,
		MarkCompleted: markCompleted,
		EnqueuedAt:    time.Now().UTC(),
	})
}

// Report is called by an operation consumer once a task in job's group has
// succeeded and stored its result. It returns true exactly once
// per job, on the call whose increment makes the count equal group size;
// later, duplicate reports past that point never re-fire.
func (d *Dispatcher) Report(ctx context.Context, jobID string, groupSize int) (complete bool, err error) {
	if groupSize <= 0 {
		return true, nil
	}
	key := barrierKey(jobID)
	res, err := d.script.Run(ctx, d.Redis, []string{key}, groupSize, int(d.BarrierTTL.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("dag barrier: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		slog.Error("dag barrier unexpected script result", slog.String("job_id", jobID), slog.Any("result", res))
		return false, nil
	}
	return n == 1, nil
}

// RecordResult stores one group member's output blob key against its
// original index in a per-job Redis hash, so the barrier's eventual
// finalizer can read every output back in deterministic, original-list
// order regardless of which operation finished first. A member that
// produced no artifact (dead-lettered) simply never calls this; its slot
// is absent from CollectResults's map.
func (d *Dispatcher) RecordResult(ctx context.Context, jobID string, groupIndex int, op, outputKey string) error {
	field := fmt.Sprintf("%d:%s", groupIndex, op)
	if err := d.Redis.HSet(ctx, resultsKey(jobID), field, outputKey).Err(); err != nil {
		return fmt.Errorf("dag record result: %w", err)
	}
	d.Redis.Expire(ctx, resultsKey(jobID), d.BarrierTTL)
	return nil
}

// CollectResults reads back every output key recorded by RecordResult for
// jobID, keyed by operation name. It is non-destructive and idempotent: it
// never deletes the backing hash or counter, so a finalize task that fails
// after collecting (and is retried) sees the same results again rather than
// an empty map. Call ClearBarrier once the job has actually reached a
// terminal status.
func (d *Dispatcher) CollectResults(ctx context.Context, jobID string) (map[string]string, error) {
	raw, err := d.Redis.HGetAll(ctx, resultsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("dag collect results: %w", err)
	}
	out := make(map[string]string, len(raw))
	for field, key := range raw {
		op := field
		if idx := indexOfColon(field); idx >= 0 {
			op = field[idx+1:]
		}
		out[op] = key
	}
	return out, nil
}

// ClearBarrier deletes jobID's barrier counter and results hash so a later,
// unrelated reuse of the job id (there is none in practice, job ids are
// opaque and unique, but defense-in-depth costs nothing here) never inherits
// stale state. Callers must only invoke this after the job's terminal status
// transition has committed.
func (d *Dispatcher) ClearBarrier(ctx context.Context, jobID string) error {
	if err := d.Redis.Del(ctx, resultsKey(jobID), barrierKey(jobID)).Err(); err != nil {
		return fmt.Errorf("dag clear barrier: %w", err)
	}
	return nil
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// FinalizeAndDispatch reports completion of one group member and, if that
// call observed the last member reporting in, enqueues the job's finalize
// task. Consumers call this instead of Report+EnqueueFinalize directly so
// the "am I last" check and the dispatch stay a single atomic unit from the
// caller's perspective.
func (d *Dispatcher) FinalizeAndDispatch(ctx context.Context, jobID, requestID string, groupSize int) error {
	complete, err := d.Report(ctx, jobID, groupSize)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}
	return d.Queue.EnqueueFinalize(ctx, domain.FinalizeTask{JobID: jobID, RequestID: requestID, EnqueuedAt: time.Now().UTC()})
}

func barrierKey(jobID string) string {
	return "pixtools:barrier:" + jobID
}

func resultsKey(jobID string) string {
	return "pixtools:barrier:" + jobID + ":results"
}
