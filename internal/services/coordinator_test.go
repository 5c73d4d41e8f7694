package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/benmeehan/telemetry-ingest/internal/generators"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/observability"
)

var sensorStream = models.Destination{Table: "sensor_stream", Schema: models.SchemaNarrow}

func cpuGenerator(seed int64) generators.Generator {
	return generators.NewUniformGenerator(generators.Spec{
		Policy: generators.PolicyUniform,
		Kind:   models.KindCPUUtilization,
		Range:  generators.Range{Min: 10, Max: 90},
		Seed:   seed,
	})
}

func newTestCoordinator(t *testing.T, opts RunOptions, sink *recordingSink, sources int) *Coordinator {
	t.Helper()
	c := NewCoordinator(opts, sink, observability.NewPromMetrics(), nil, zerolog.Nop())
	for i := 1; i <= sources; i++ {
		_, err := c.AddSource(Source{
			ID:          fmt.Sprintf("%d", i),
			Destination: sensorStream,
			Generator:   cpuGenerator(int64(i)),
		})
		require.NoError(t, err)
	}
	return c
}

func assertAllStopped(t *testing.T, c *Coordinator) {
	t.Helper()
	for _, sim := range c.Sources() {
		assert.Equal(t, StateStopped, sim.State(), "source %s", sim.ID)
	}
}

func TestCoordinator_RowTargetSevenReadingsThresholdThree(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCoordinator(t, RunOptions{BatchSize: 3, RowTarget: 7}, sink, 1)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	batches := sink.Batches()
	require.Len(t, batches, 3)
	assert.Equal(t, 3, batches[0].Len())
	assert.Equal(t, 3, batches[1].Len())
	assert.Equal(t, 1, batches[2].Len())
	for i, b := range batches {
		assert.Equal(t, uint64(i+1), b.Seq)
	}

	assert.Equal(t, int64(7), report.RowsInserted)
	assert.Equal(t, int64(3), report.BatchesCommitted)
	assert.Zero(t, report.BatchesFailed)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, sink.Closed())
	assertAllStopped(t, c)
}

func TestCoordinator_CommitFailureDropsOnlyThatBatch(t *testing.T) {
	sink := &recordingSink{failSeqs: map[uint64]bool{2: true}}
	c := newTestCoordinator(t, RunOptions{BatchSize: 2, RowTarget: 10}, sink, 1)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.BatchesCommitted)
	assert.Equal(t, int64(1), report.BatchesFailed)
	assert.Equal(t, int64(8), report.RowsInserted)
	assert.Equal(t, 1, sink.Closed())
	assertAllStopped(t, c)

	var seqs []uint64
	for _, b := range sink.Batches() {
		seqs = append(seqs, b.Seq)
	}
	assert.Equal(t, []uint64{1, 3, 4, 5}, seqs)
}

func TestCoordinator_SinkPanicCountsAsFailedBatch(t *testing.T) {
	sink := &recordingSink{panicSeqs: map[uint64]bool{1: true}}
	c := newTestCoordinator(t, RunOptions{BatchSize: 1, RowTarget: 500}, sink, 1)

	done := make(chan *models.RunReport)
	go func() {
		report, err := c.Run(context.Background())
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case report := <-done:
		assert.Equal(t, int64(1), report.BatchesFailed)
		assert.Equal(t, int64(499), report.BatchesCommitted)
		assert.Equal(t, int64(499), report.RowsInserted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the sink panicked")
	}
	assert.Equal(t, 1, sink.Closed())
	assertAllStopped(t, c)
	require.NotEmpty(t, sink.Batches())
	assert.Equal(t, uint64(2), sink.Batches()[0].Seq)
}

func TestCoordinator_ConcurrentSourcesCommitInOrder(t *testing.T) {
	sink := &recordingSink{}
	c := newTestCoordinator(t, RunOptions{BatchSize: 7, RowTarget: 2000}, sink, 4)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	batches := sink.Batches()
	require.Len(t, batches, 286)
	total := 0
	for i, b := range batches {
		assert.Equal(t, uint64(i+1), b.Seq)
		total += b.Len()

		last := map[string]time.Time{}
		for _, r := range b.Readings {
			assert.False(t, r.Timestamp.Before(last[r.SourceID]))
			last[r.SourceID] = r.Timestamp
		}
	}
	assert.Equal(t, 2000, total)
	assert.Equal(t, int64(2000), report.RowsInserted)
	assert.Equal(t, 1, sink.Closed())
	assertAllStopped(t, c)
}

func TestCoordinator_InterruptFlushesPartialBatch(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(RunOptions{BatchSize: 1000}, sink, nil, nil, zerolog.Nop())
	sim, err := c.AddSource(Source{
		ID:          "SENSOR_001",
		Destination: sensorReadings,
		Cadence:     time.Millisecond,
		Device:      &DeviceProfile{Firmware: "1.2.3"},
		Generator:   constantGenerator(22),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := c.Run(ctx)
	require.NoError(t, err)

	require.Greater(t, sim.Emitted(), uint64(0))
	assert.Equal(t, int64(sim.Emitted()), report.RowsInserted)
	assert.Equal(t, int64(1), report.BatchesCommitted)
	assert.Equal(t, 1, sink.Closed())
	assertAllStopped(t, c)
}

func TestCoordinator_DurationMode(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	c := NewCoordinator(RunOptions{BatchSize: 50, Duration: 10 * time.Second}, sink, nil, fakeClock, zerolog.Nop())
	_, err := c.AddSource(Source{ID: "1", Destination: sensorStream, Generator: cpuGenerator(1)})
	require.NoError(t, err)

	done := make(chan *models.RunReport)
	go func() {
		report, err := c.Run(context.Background())
		assert.NoError(t, err)
		done <- report
	}()

	assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(10 * time.Second)

	select {
	case report := <-done:
		assert.Greater(t, report.RowsInserted, int64(0))
		assert.Equal(t, 10*time.Second, report.Elapsed)
		assert.InDelta(t, float64(report.RowsInserted)/10, report.Throughput(), 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the duration elapsed")
	}
	assertAllStopped(t, c)
}

func TestCoordinator_LingerFlush(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	c := NewCoordinator(RunOptions{BatchSize: 100, FlushInterval: time.Second}, sink, nil, fakeClock, zerolog.Nop())
	_, err := c.AddSource(Source{
		ID:          "London",
		Destination: models.Destination{Table: "weather_data", Schema: models.SchemaWeather},
		Cadence:     time.Hour,
		Generator:   constantGenerator(18),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Run(ctx)
		assert.NoError(t, err)
	}()

	assert.Eventually(t, func() bool {
		fakeClock.Step(time.Second)
		return len(sink.Batches()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Len(t, sink.Batches(), 1)
}

func TestCoordinator_VerifyFailureIsFatal(t *testing.T) {
	sink := verifyingSink{&recordingSink{verifyErr: &models.ConfigurationError{Field: "destination.schema", Reason: "missing column metric"}}}
	c := NewCoordinator(RunOptions{BatchSize: 10, RowTarget: 10}, sink, nil, nil, zerolog.Nop())
	sim, err := c.AddSource(Source{ID: "1", Destination: sensorStream, Generator: cpuGenerator(1)})
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	assert.Nil(t, report)
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StateCreated, sim.State())
	assert.Equal(t, 1, sink.Closed())
}

func TestCoordinator_RejectsBadSetup(t *testing.T) {
	c := NewCoordinator(RunOptions{}, &recordingSink{}, nil, nil, zerolog.Nop())

	_, err := c.AddSource(Source{ID: "1", Destination: models.Destination{Table: "x", Schema: "wide"}, Generator: cpuGenerator(1)})
	assert.Error(t, err)

	_, err = c.Run(context.Background())
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = c.Run(context.Background())
	assert.EqualError(t, err, "coordinator is already running")
}

func TestCoordinator_DuplicateSource(t *testing.T) {
	c := NewCoordinator(RunOptions{}, &recordingSink{}, nil, nil, zerolog.Nop())
	_, err := c.AddSource(Source{ID: "1", Destination: sensorStream, Generator: cpuGenerator(1)})
	require.NoError(t, err)
	_, err = c.AddSource(Source{ID: "1", Destination: sensorStream, Generator: cpuGenerator(2)})
	assert.Error(t, err)
}

func TestCommitLane_ReordersBySequence(t *testing.T) {
	lane := newCommitLane(sensorStream, 1)
	for _, seq := range []uint64{3, 1, 2, 5, 4} {
		lane.enqueue(models.Batch{Destination: sensorStream, Seq: seq})
	}
	lane.close()

	var committed []uint64
	lane.run(func(b models.Batch) { committed = append(committed, b.Seq) })
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, committed)
}
