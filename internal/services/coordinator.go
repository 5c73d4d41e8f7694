package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/benmeehan/telemetry-ingest/internal/buffer"
	"github.com/benmeehan/telemetry-ingest/internal/generators"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/observability"
	"github.com/benmeehan/telemetry-ingest/internal/service_registry"
	"github.com/benmeehan/telemetry-ingest/internal/sinks"
	"github.com/benmeehan/telemetry-ingest/internal/utils"
)

const (
	defaultCommitTimeout = 30 * time.Second
	laneQueueSize        = 64
)

// RunOptions controls batching and termination of a run.
// With neither Duration nor RowTarget set the run ends on interrupt only.
type RunOptions struct {
	BatchSize      int
	Duration       time.Duration
	RowTarget      int64
	FlushInterval  time.Duration
	ReportInterval time.Duration
	CommitTimeout  time.Duration
}

// Source describes one simulated device or location.
type Source struct {
	ID          string
	Location    string
	Destination models.Destination
	Cadence     time.Duration
	TimeStep    time.Duration
	Device      *DeviceProfile
	Generator   generators.Generator
}

// Coordinator owns the sources, one buffer and commit lane per destination,
// and the sink. It runs the pipeline until a termination condition and then
// drains it in order: stop sources, flush buffers, finish commits, close sink.
type Coordinator struct {
	Options  RunOptions
	Sink     sinks.Sink
	Recorder observability.Recorder
	Clock    clock.WithTicker
	Logger   zerolog.Logger

	registry *service_registry.ServiceRegistry
	lanes    cmap.ConcurrentMap[string, *commitLane]
	sources  []*Simulator

	running   atomic.Bool
	targetHit chan struct{}
	hitOnce   sync.Once
	closeOnce sync.Once
	closeErr  error

	accepted           atomic.Int64
	rowsInserted       atomic.Int64
	batchesCommitted   atomic.Int64
	batchesFailed      atomic.Int64
	generationFailures atomic.Int64
	readingsDropped    atomic.Int64
}

// NewCoordinator creates a coordinator writing to sink.
func NewCoordinator(opts RunOptions, sink sinks.Sink, recorder observability.Recorder, clk clock.WithTicker, logger zerolog.Logger) *Coordinator {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if recorder == nil {
		recorder = observability.NewPromMetrics()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Coordinator{
		Options:   opts,
		Sink:      sink,
		Recorder:  recorder,
		Clock:     clk,
		Logger:    logger,
		registry:  service_registry.NewServiceRegistry(logger),
		lanes:     cmap.New[*commitLane](),
		targetHit: make(chan struct{}),
	}
}

// AddSource registers a simulator for src. Sources must be added before Run.
func (c *Coordinator) AddSource(src Source) (*Simulator, error) {
	if c.running.Load() {
		return nil, errors.New("cannot add a source to a running coordinator")
	}
	if _, err := src.Destination.Layout(); err != nil {
		return nil, err
	}

	sim := NewSimulator(src.ID, src.Destination, src.Cadence, src.Generator, c, c.Clock, c.Logger)
	sim.Location = src.Location
	sim.TimeStep = src.TimeStep
	sim.Device = src.Device
	if err := c.registry.RegisterService(src.ID, sim); err != nil {
		return nil, err
	}

	c.lanes.SetIfAbsent(src.Destination.Table, newCommitLane(src.Destination, c.Options.BatchSize))
	c.sources = append(c.sources, sim)
	return sim, nil
}

// Sources returns the registered simulators in registration order.
func (c *Coordinator) Sources() []*Simulator {
	return c.sources
}

// HandleReading accepts a reading from a source, enforcing the row target
// and cutting batches for the destination's commit lane.
func (c *Coordinator) HandleReading(destination models.Destination, reading models.Reading) {
	if target := c.Options.RowTarget; target > 0 {
		n := c.accepted.Add(1)
		if n > target {
			c.readingsDropped.Add(1)
			c.Recorder.ReadingsDropped(1)
			return
		}
		if n == target {
			c.hitOnce.Do(func() { close(c.targetHit) })
		}
	} else {
		c.accepted.Add(1)
	}

	lane, ok := c.lanes.Get(destination.Table)
	if !ok {
		c.Logger.Error().Str("destination", destination.Table).Msg("No lane for destination, reading dropped")
		return
	}

	c.Recorder.ReadingEmitted(reading.SourceID)
	if batch := lane.buffer.Append(reading); batch != nil {
		lane.enqueue(*batch)
	}
	c.Recorder.SetBufferDepth(destination.Table, lane.buffer.Len())
}

// HandleGenerationFailure counts a skipped cycle.
func (c *Coordinator) HandleGenerationFailure(sourceID string, err error) {
	c.generationFailures.Add(1)
	c.Recorder.GenerationFailed(sourceID)
}

// Run executes the pipeline until the duration elapses, the row target is
// reached or ctx is cancelled, then shuts it down and reports.
func (c *Coordinator) Run(ctx context.Context) (*models.RunReport, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, errors.New("coordinator is already running")
	}
	if c.registry.Len() == 0 {
		c.closeSink()
		return nil, &models.ConfigurationError{Field: "sources", Reason: "at least one source is required"}
	}

	report := &models.RunReport{RunID: uuid.NewString(), StartedAt: c.Clock.Now().UTC()}
	started := c.Clock.Now()

	if err := c.verifyDestinations(ctx); err != nil {
		c.closeSink()
		return nil, err
	}

	pool := utils.NewWorkerPool(c.lanes.Count(), c.Logger)
	for _, lane := range c.lanes.Items() {
		lane := lane
		pool.Submit(lane.destination.Table, func() { lane.run(c.commit) })
	}

	logger := c.Logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().
		Int("sources", c.registry.Len()).
		Int("destinations", c.lanes.Count()).
		Int("batch_size", c.Options.BatchSize).
		Int64("row_target", c.Options.RowTarget).
		Dur("duration", c.Options.Duration).
		Str("sink", c.Sink.Name()).
		Msg("Pipeline starting")

	if err := c.registry.StartServices(); err != nil {
		c.drain(pool)
		c.closeSink()
		return nil, err
	}

	reason := c.wait(ctx, logger)
	logger.Info().Str("reason", reason).Msg("Pipeline stopping")

	if err := c.registry.StopServices(); err != nil {
		logger.Warn().Err(err).Msg("Some sources did not stop cleanly")
	}
	c.drain(pool)
	closeErr := c.closeSink()

	report.Elapsed = c.Clock.Since(started)
	report.RowsInserted = c.rowsInserted.Load()
	report.BatchesCommitted = c.batchesCommitted.Load()
	report.BatchesFailed = c.batchesFailed.Load()
	report.GenerationFailures = c.generationFailures.Load()
	report.ReadingsDropped = c.readingsDropped.Load()

	logger.Info().
		Int64("rows", report.RowsInserted).
		Int64("batches", report.BatchesCommitted).
		Int64("failed_batches", report.BatchesFailed).
		Int64("generation_failures", report.GenerationFailures).
		Int64("dropped", report.ReadingsDropped).
		Dur("elapsed", report.Elapsed).
		Float64("rows_per_sec", report.Throughput()).
		Msg("Pipeline finished")

	if closeErr != nil {
		return report, fmt.Errorf("failed to close sink: %w", closeErr)
	}
	return report, nil
}

// wait blocks until a termination condition, flushing lingering buffers and
// logging progress on the way.
func (c *Coordinator) wait(ctx context.Context, logger zerolog.Logger) string {
	var durationC, flushC, reportC <-chan time.Time
	if c.Options.Duration > 0 {
		timer := c.Clock.NewTimer(c.Options.Duration)
		defer timer.Stop()
		durationC = timer.C()
	}
	if c.Options.FlushInterval > 0 {
		ticker := c.Clock.NewTicker(c.Options.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C()
	}
	if c.Options.ReportInterval > 0 {
		ticker := c.Clock.NewTicker(c.Options.ReportInterval)
		defer ticker.Stop()
		reportC = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return "interrupted"
		case <-durationC:
			return "duration elapsed"
		case <-c.targetHit:
			return "row target reached"
		case <-flushC:
			c.flushAll()
		case <-reportC:
			logger.Info().
				Int64("readings", c.accepted.Load()-c.readingsDropped.Load()).
				Int64("rows", c.rowsInserted.Load()).
				Int64("failed_batches", c.batchesFailed.Load()).
				Msg("Total readings sent")
		}
	}
}

func (c *Coordinator) verifyDestinations(ctx context.Context) error {
	verifier, ok := c.Sink.(sinks.Verifier)
	if !ok {
		return nil
	}
	for _, lane := range c.lanes.Items() {
		if err := verifier.Verify(ctx, lane.destination); err != nil {
			return err
		}
	}
	return nil
}

// flushAll hands every non-empty buffer to its lane.
func (c *Coordinator) flushAll() {
	for _, lane := range c.lanes.Items() {
		if batch := lane.buffer.ForceFlush(); batch != nil {
			lane.enqueue(*batch)
		}
		c.Recorder.SetBufferDepth(lane.destination.Table, 0)
	}
}

// drain flushes trailing partial batches, closes the lanes and waits for all
// in-flight commits.
func (c *Coordinator) drain(pool *utils.WorkerPool) {
	c.flushAll()
	for _, lane := range c.lanes.Items() {
		lane.close()
	}
	pool.Shutdown()
}

func (c *Coordinator) closeSink() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Sink.Close()
	})
	return c.closeErr
}

// commit writes one batch. Commits are detached from the run's cancellation
// and bounded by CommitTimeout; a failed batch is dropped.
func (c *Coordinator) commit(batch models.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Options.CommitTimeout)
	defer cancel()

	result, err := c.commitBatch(ctx, batch)
	if err != nil {
		commitErr := models.NewCommitError(batch, err)
		c.batchesFailed.Add(1)
		c.Recorder.BatchFailed(batch.Destination.Table)
		c.Logger.Error().
			Err(commitErr.Err).
			Str("destination", commitErr.Destination).
			Uint64("seq", commitErr.Seq).
			Int("size", commitErr.Size).
			Msg("Batch commit failed, batch dropped")
		return
	}

	c.rowsInserted.Add(int64(result.RowsWritten))
	c.batchesCommitted.Add(1)
	c.Recorder.BatchCommitted(batch.Destination.Table, result.RowsWritten, result.Elapsed)
}

// commitBatch calls the sink, turning a panic into an error so the lane keeps draining.
func (c *Coordinator) commitBatch(ctx context.Context, batch models.Batch) (result models.CommitResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return c.Sink.Commit(ctx, batch)
}

// commitLane commits the batches of one destination strictly in sequence
// order, whatever order producers hand them over in.
type commitLane struct {
	destination models.Destination
	buffer      *buffer.Buffer
	queue       chan models.Batch
	pending     map[uint64]models.Batch
	next        uint64
	closeOnce   sync.Once
}

func newCommitLane(destination models.Destination, batchSize int) *commitLane {
	return &commitLane{
		destination: destination,
		buffer:      buffer.NewBuffer(destination, batchSize),
		queue:       make(chan models.Batch, laneQueueSize),
		pending:     make(map[uint64]models.Batch),
		next:        1,
	}
}

func (l *commitLane) enqueue(batch models.Batch) {
	l.queue <- batch
}

func (l *commitLane) close() {
	l.closeOnce.Do(func() { close(l.queue) })
}

// run commits ready batches until the queue is closed and drained.
func (l *commitLane) run(commit func(models.Batch)) {
	for batch := range l.queue {
		l.pending[batch.Seq] = batch
		for {
			ready, ok := l.pending[l.next]
			if !ok {
				break
			}
			delete(l.pending, l.next)
			commit(ready)
			l.next++
		}
	}
}
