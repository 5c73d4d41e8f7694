package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/benmeehan/telemetry-ingest/internal/generators"
	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// SimulatorState is the lifecycle state of a simulated source.
type SimulatorState int

const (
	StateCreated SimulatorState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s SimulatorState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Device telemetry metadata keys.
const (
	MetaBatteryLevel    = "battery_level"
	MetaSignalStrength  = "signal_strength"
	MetaFirmwareVersion = "firmware_version"
)

const defaultGenerationTimeout = 10 * time.Second

// ReadingHandler receives what a simulator produces.
type ReadingHandler interface {
	HandleReading(destination models.Destination, reading models.Reading)
	HandleGenerationFailure(sourceID string, err error)
}

// DeviceProfile adds simulated device telemetry to every reading.
type DeviceProfile struct {
	Firmware string
}

// Simulator drives one source: it runs its generator every Cadence and hands
// each reading to the handler until stopped.
type Simulator struct {
	ID                string
	Location          string
	Destination       models.Destination
	Cadence           time.Duration // Zero runs cycles back to back
	TimeStep          time.Duration // When set, timestamps are StartTime + i*TimeStep
	StartTime         time.Time
	GenerationTimeout time.Duration
	Device            *DeviceProfile
	Generator         generators.Generator
	Handler           ReadingHandler
	Clock             clock.WithTicker
	Logger            zerolog.Logger

	mu            sync.Mutex
	state         SimulatorState
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	emitted       uint64
	lastTimestamp time.Time
	battery       int
	rand          *rand.Rand
}

// NewSimulator creates a simulator in the Created state.
func NewSimulator(id string, destination models.Destination, cadence time.Duration, generator generators.Generator,
	handler ReadingHandler, clk clock.WithTicker, logger zerolog.Logger) *Simulator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Simulator{
		ID:                id,
		Destination:       destination,
		Cadence:           cadence,
		GenerationTimeout: defaultGenerationTimeout,
		Generator:         generator,
		Handler:           handler,
		Clock:             clk,
		Logger:            logger.With().Str("source", id).Logger(),
		state:             StateCreated,
		battery:           80 + rng.Intn(21),
		rand:              rng,
	}
}

// State returns the current lifecycle state.
func (s *Simulator) State() SimulatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emitted returns the number of readings handed to the handler so far.
func (s *Simulator) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}

// Start launches the generation loop in a separate goroutine.
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		s.Logger.Warn().Str("state", s.state.String()).Msg("Simulator cannot be started")
		return fmt.Errorf("simulator %s is %s", s.ID, s.state)
	}
	if s.Generator == nil || s.Handler == nil {
		return errors.New("simulator requires a generator and a handler")
	}
	if s.StartTime.IsZero() {
		s.StartTime = s.Clock.Now().UTC()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state = StateRunning

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop()
	}()

	s.Logger.Info().
		Str("generator", s.Generator.Name()).
		Str("destination", s.Destination.Table).
		Dur("cadence", s.Cadence).
		Msg("Simulator started")
	return nil
}

// Stop signals the loop, waits for the current cycle to complete and leaves
// the simulator Stopped. Stopping a simulator that never started is allowed.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateCreated:
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		s.mu.Unlock()
		return fmt.Errorf("simulator %s is not running", s.ID)
	}
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	emitted := s.emitted
	s.mu.Unlock()

	s.Logger.Info().Uint64("readings", emitted).Msg("Simulator stopped")
	return nil
}

func (s *Simulator) runLoop() {
	if s.Cadence <= 0 {
		for {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.cycle()
			}
		}
	}

	ticker := s.Clock.NewTicker(s.Cadence)
	defer ticker.Stop()

	s.cycle()
	for {
		select {
		case <-ticker.C():
			s.cycle()
		case <-s.ctx.Done():
			s.Logger.Debug().Msg("Simulator stopping gracefully")
			return
		}
	}
}

// cycle produces and forwards one reading. A stop request does not cut the
// generator short; the cycle is bounded by GenerationTimeout instead.
func (s *Simulator) cycle() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.GenerationTimeout)
	reading, err := s.Generator.Next(ctx)
	cancel()
	if err != nil {
		s.Logger.Warn().Err(err).Msg("Skipping generation cycle")
		s.Handler.HandleGenerationFailure(s.ID, err)
		return
	}

	s.mu.Lock()
	reading.SourceID = s.ID
	if reading.Location == "" {
		reading.Location = s.Location
	}
	reading.Timestamp = s.nextTimestamp(reading.Timestamp)
	if s.Device != nil {
		reading.Metadata = s.deviceMetadata(reading.Metadata)
	}
	s.emitted++
	s.mu.Unlock()

	s.Handler.HandleReading(s.Destination, reading)
}

// nextTimestamp picks the reading time and keeps the sequence non-decreasing.
func (s *Simulator) nextTimestamp(observed time.Time) time.Time {
	var ts time.Time
	switch {
	case s.TimeStep > 0:
		ts = s.StartTime.Add(time.Duration(s.emitted) * s.TimeStep)
	case !observed.IsZero():
		ts = observed.UTC()
	default:
		ts = s.Clock.Now().UTC()
	}
	if ts.Before(s.lastTimestamp) {
		ts = s.lastTimestamp
	}
	s.lastTimestamp = ts
	return ts
}

func (s *Simulator) deviceMetadata(base map[string]any) map[string]any {
	if s.rand.Float64() < 0.01 && s.battery > 0 {
		s.battery--
	}

	md := make(map[string]any, len(base)+3)
	for k, v := range base {
		md[k] = v
	}
	md[MetaBatteryLevel] = s.battery
	md[MetaSignalStrength] = -80 + s.rand.Intn(51)
	if s.Device.Firmware != "" {
		md[MetaFirmwareVersion] = s.Device.Firmware
	}
	return md
}
