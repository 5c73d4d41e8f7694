package sinks

import (
	"context"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// Sink performs the durable bulk write of one batch.
//
// Commit writes every reading of the batch or none of them. On failure it
// returns a *models.CommitError and reports no partial row count. Close
// releases held resources and may be called more than once.
type Sink interface {
	Name() string
	Commit(ctx context.Context, batch models.Batch) (models.CommitResult, error)
	Close() error
}

// Verifier is implemented by sinks that can check a destination against the
// live store before a run starts.
type Verifier interface {
	Verify(ctx context.Context, destination models.Destination) error
}
