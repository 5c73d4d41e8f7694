package models

import "time"

// Batch is an ordered group of readings committed together to one destination.
type Batch struct {
	Destination Destination `json:"destination"`
	Seq         uint64      `json:"seq"`
	Readings    []Reading   `json:"readings"`
}

// Len returns the number of readings in the batch.
func (b *Batch) Len() int {
	return len(b.Readings)
}

// CommitResult describes a successful bulk write.
type CommitResult struct {
	RowsWritten int
	Elapsed     time.Duration
}
