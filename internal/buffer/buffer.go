package buffer

import (
	"sync"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// Buffer accumulates readings for one destination and cuts them into batches.
// Append and ForceFlush are serialized; a returned batch is detached from the
// buffer and carries the next sequence number for its destination.
type Buffer struct {
	mu          sync.Mutex
	destination models.Destination
	threshold   int
	readings    []models.Reading
	seq         uint64
}

// NewBuffer creates a buffer that completes a batch every threshold readings.
func NewBuffer(destination models.Destination, threshold int) *Buffer {
	if threshold < 1 {
		threshold = 1
	}
	return &Buffer{
		destination: destination,
		threshold:   threshold,
		readings:    make([]models.Reading, 0, threshold),
	}
}

// Destination returns the destination this buffer feeds.
func (b *Buffer) Destination() models.Destination {
	return b.destination
}

// Append adds r and returns a completed batch once the threshold is reached.
func (b *Buffer) Append(r models.Reading) *models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.readings = append(b.readings, r)
	if len(b.readings) < b.threshold {
		return nil
	}
	return b.cut()
}

// ForceFlush returns whatever is buffered, or nil when the buffer is empty.
func (b *Buffer) ForceFlush() *models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.readings) == 0 {
		return nil
	}
	return b.cut()
}

// Len returns the number of readings waiting for the next batch.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

// cut detaches the current readings as a batch. Caller holds mu.
func (b *Buffer) cut() *models.Batch {
	b.seq++
	batch := &models.Batch{
		Destination: b.destination,
		Seq:         b.seq,
		Readings:    b.readings,
	}
	b.readings = make([]models.Reading, 0, b.threshold)
	return batch
}
