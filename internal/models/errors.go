package models

import (
	"errors"
	"fmt"
)

// ErrGenerationFailed signals that a generator could not produce a reading this cycle.
var ErrGenerationFailed = errors.New("generation failed")

// CommitError reports a batch that could not be written. The batch is dropped.
type CommitError struct {
	Destination string
	Seq         uint64
	Size        int
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of batch %d (%d rows) to %s failed: %v", e.Seq, e.Size, e.Destination, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// NewCommitError wraps err with the identity of the batch that failed.
func NewCommitError(batch Batch, err error) *CommitError {
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce
	}
	return &CommitError{
		Destination: batch.Destination.Table,
		Seq:         batch.Seq,
		Size:        batch.Len(),
		Err:         err,
	}
}

// ConfigurationError is returned for invalid settings detected before a run starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
