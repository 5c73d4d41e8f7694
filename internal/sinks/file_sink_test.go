package sinks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/telemetry-ingest/internal/mocks"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/pkg/file"
)

func TestFileSink_CSV(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, FormatCSV, file.NewFileService(), zerolog.Nop())
	require.NoError(t, err)

	dest := models.Destination{Table: "cpu_metrics", Schema: models.SchemaCompact}
	first := narrowBatch(1, 42.5, 43)
	first.Destination = dest
	second := narrowBatch(2, 44)
	second.Destination = dest

	_, err = sink.Commit(context.Background(), first)
	require.NoError(t, err)
	result, err := sink.Commit(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowsWritten)

	raw, err := os.ReadFile(filepath.Join(dir, "cpu_metrics.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "time,device_id,value", lines[0])
	assert.Equal(t, "2024-01-01T00:00:00Z,1,42.5", lines[1])
	assert.Equal(t, "2024-01-01T00:00:00Z,1,44", lines[3])
}

func TestFileSink_LineProtocol(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, FormatLineProtocol, file.NewFileService(), zerolog.Nop())
	require.NoError(t, err)

	batch := narrowBatch(1, 12.5, 0)
	batch.Readings[1].Value = nil

	result, err := sink.Commit(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, batch.Len(), result.RowsWritten)

	raw, err := os.ReadFile(filepath.Join(dir, "cpu_metrics.lp"))
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := strconv.FormatInt(start.UnixNano(), 10)
	second := strconv.FormatInt(start.Add(time.Second).UnixNano(), 10)
	assert.Equal(t, "cpu,device_id=1 value=12.5 "+first+"\n"+
		"cpu,device_id=1 missing=true "+second+"\n", string(raw))
}

func TestFileSink_LineProtocolWeatherWithNulls(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, FormatLineProtocol, file.NewFileService(), zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := models.Batch{
		Destination: models.Destination{Table: "weather_data", Schema: models.SchemaWeather},
		Seq:         1,
		Readings: []models.Reading{
			{
				SourceID:  "London",
				Kind:      models.KindWeather,
				Value:     models.Float(18.2),
				Timestamp: ts,
				Metadata:  map[string]any{models.WeatherHumidity: models.Float(71), models.WeatherDescription: "Open-Meteo"},
			},
			{
				SourceID:  "Tokyo",
				Kind:      models.KindWeather,
				Timestamp: ts,
				Metadata:  map[string]any{models.WeatherPressure: (*float64)(nil), models.WeatherDescription: "Open-Meteo"},
			},
			{SourceID: "Sydney", Kind: models.KindWeather, Timestamp: ts},
		},
	}

	result, err := sink.Commit(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowsWritten)

	raw, err := os.ReadFile(filepath.Join(dir, "weather_data.lp"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `value=18.2,description="Open-Meteo",humidity=71`)
	assert.Contains(t, lines[1], `weather,device_id=Tokyo description="Open-Meteo" `)
	assert.Contains(t, lines[2], "weather,device_id=Sydney missing=true ")
}

func TestFileSink_WriteFailure(t *testing.T) {
	fileClient := new(mocks.MockFileOperations)
	fileClient.On("AppendFile", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	sink, err := NewFileSink("/data", FormatLineProtocol, fileClient, zerolog.Nop())
	require.NoError(t, err)

	_, err = sink.Commit(context.Background(), narrowBatch(4, 1))
	var commitErr *models.CommitError
	require.ErrorAs(t, err, &commitErr)
	assert.Equal(t, 1, commitErr.Size)
}

func TestFileSink_UnsupportedFormat(t *testing.T) {
	_, err := NewFileSink(t.TempDir(), "parquet", file.NewFileService(), zerolog.Nop())
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
