package services

import (
	"context"
	"sync"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

type stubGenerator struct {
	next func(ctx context.Context) (models.Reading, error)
}

func (g *stubGenerator) Name() string            { return "stub" }
func (g *stubGenerator) Kind() models.MetricKind { return models.KindTemperature }
func (g *stubGenerator) Unit() string            { return "celsius" }
func (g *stubGenerator) Description() string     { return "Stub generator." }

func (g *stubGenerator) Next(ctx context.Context) (models.Reading, error) {
	return g.next(ctx)
}

func constantGenerator(v float64) *stubGenerator {
	return &stubGenerator{next: func(context.Context) (models.Reading, error) {
		return models.Reading{Kind: models.KindTemperature, Value: models.Float(v)}, nil
	}}
}

type recordingHandler struct {
	mu       sync.Mutex
	readings []models.Reading
	failures []error
}

func (h *recordingHandler) HandleReading(_ models.Destination, r models.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
}

func (h *recordingHandler) HandleGenerationFailure(_ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

func (h *recordingHandler) Readings() []models.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Reading(nil), h.readings...)
}

func (h *recordingHandler) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failures)
}

// recordingSink keeps every committed batch and fails the configured sequence numbers.
type recordingSink struct {
	mu        sync.Mutex
	batches   []models.Batch
	failSeqs  map[uint64]bool
	panicSeqs map[uint64]bool
	closed    int
	verifyErr error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Commit(_ context.Context, batch models.Batch) (models.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicSeqs[batch.Seq] {
		panic("connection reset mid-insert")
	}
	if s.failSeqs[batch.Seq] {
		return models.CommitResult{}, models.NewCommitError(batch, context.DeadlineExceeded)
	}
	s.batches = append(s.batches, batch)
	return models.CommitResult{RowsWritten: batch.Len()}, nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) Batches() []models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Batch(nil), s.batches...)
}

func (s *recordingSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type verifyingSink struct {
	*recordingSink
}

func (s verifyingSink) Verify(_ context.Context, _ models.Destination) error {
	return s.verifyErr
}
