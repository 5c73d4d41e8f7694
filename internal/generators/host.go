package generators

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
)

var hostRange = Range{Min: 0, Max: 100}

// HostGenerator reads live utilisation of the machine running the pipeline.
type HostGenerator struct {
	Logger zerolog.Logger

	kind      models.MetricKind
	precision int
	sample    func(ctx context.Context) (float64, error)
}

// NewHostGenerator returns a generator for the cpu, memory or disk kind.
func NewHostGenerator(spec Spec, logger zerolog.Logger) (*HostGenerator, error) {
	h := &HostGenerator{
		Logger:    logger,
		kind:      spec.Kind,
		precision: spec.precision(),
	}
	switch spec.Kind {
	case models.KindCPUUtilization:
		h.sample = cpuPercent
	case models.KindMemoryUtilization:
		h.sample = memoryPercent
	case models.KindDiskUtilization:
		h.sample = diskPercent
	default:
		return nil, fmt.Errorf("host policy does not support kind %q", spec.Kind)
	}
	return h, nil
}

func (h *HostGenerator) Name() string            { return PolicyHost }
func (h *HostGenerator) Kind() models.MetricKind { return h.kind }
func (h *HostGenerator) Unit() string            { return "percentage" }

func (h *HostGenerator) Description() string {
	switch h.kind {
	case models.KindCPUUtilization:
		return "Percentage of CPU utilization across all cores."
	case models.KindMemoryUtilization:
		return "Percentage of used virtual memory."
	}
	return "Percentage of disk space used on the root filesystem."
}

// Next samples the host and clamps the result to [0, 100].
func (h *HostGenerator) Next(ctx context.Context) (models.Reading, error) {
	v, err := h.sample(ctx)
	if err != nil {
		h.Logger.Error().Err(err).Str("kind", string(h.kind)).Msg("Failed to sample host utilization")
		return models.Reading{}, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	v = hostRange.Clamp(round(v, h.precision))
	h.Logger.Debug().Float64(string(h.kind), v).Msg("Host utilization collected")
	return models.Reading{Kind: h.kind, Unit: h.Unit(), Value: models.Float(v)}, nil
}

func cpuPercent(ctx context.Context) (float64, error) {
	percentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, errors.New("cpu usage data is empty")
	}
	return percentages[0], nil
}

func memoryPercent(ctx context.Context) (float64, error) {
	stats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return stats.UsedPercent, nil
}

func diskPercent(ctx context.Context) (float64, error) {
	stats, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return 0, err
	}
	return stats.UsedPercent, nil
}
