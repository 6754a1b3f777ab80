package worker

import (
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/domain"
)

// DefaultQueueRouter dispatches a default_queue record to the operation
// handler or the metadata handler: both task kinds share that topic (see
// kafka.Producer.EnqueueMetadata), distinguished by the presence of an
// "operation" field that only domain.OperationTask carries.
type DefaultQueueRouter struct {
	Operations *OperationHandler
	Metadata   *MetadataHandler
}

// Handle peeks at record's JSON shape and routes it to the matching handler.
func (r *DefaultQueueRouter) Handle(ctx domain.Context, record *kgo.Record) error {
	var probe struct {
		Operation *string `json:"operation"`
	}
	if err := json.Unmarshal(record.Value, &probe); err != nil {
		slog.Error("default queue router: invalid task payload", slog.Any("error", err))
		return nil
	}
	if probe.Operation != nil {
		return r.Operations.Handle(ctx, record)
	}
	return r.Metadata.Handle(ctx, record)
}
