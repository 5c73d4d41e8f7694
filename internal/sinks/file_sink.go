package sinks

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/utils"
	"github.com/benmeehan/telemetry-ingest/pkg/file"
)

// Export formats.
const (
	FormatCSV          = "csv"
	FormatLineProtocol = "line"
)

// FileSink appends batches to one export file per destination, either as CSV
// using the destination's schema columns or as line protocol.
type FileSink struct {
	Dir        string
	Format     string
	FileClient file.FileOperations
	Logger     zerolog.Logger

	mu      sync.Mutex
	headers map[string]bool
}

// NewFileSink creates an export sink writing under dir.
func NewFileSink(dir, format string, fileClient file.FileOperations, logger zerolog.Logger) (*FileSink, error) {
	switch format {
	case FormatCSV, FormatLineProtocol:
	default:
		return nil, &models.ConfigurationError{Field: "sink.file.format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	return &FileSink{
		Dir:        dir,
		Format:     format,
		FileClient: fileClient,
		Logger:     logger,
		headers:    make(map[string]bool),
	}, nil
}

func (s *FileSink) Name() string { return "file" }

// Path returns the export file of a destination.
func (s *FileSink) Path(destination models.Destination) string {
	ext := ".csv"
	if s.Format == FormatLineProtocol {
		ext = ".lp"
	}
	return filepath.Join(s.Dir, destination.Table+ext)
}

// Commit renders the whole batch in memory and appends it with one write.
func (s *FileSink) Commit(ctx context.Context, batch models.Batch) (models.CommitResult, error) {
	start := time.Now()
	if batch.Len() == 0 {
		return models.CommitResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(batch.Destination)
	var (
		data []byte
		rows int
		err  error
	)
	switch s.Format {
	case FormatCSV:
		data, rows, err = s.renderCSV(path, batch)
	default:
		data, rows = renderLineProtocol(batch)
	}
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, err)
	}

	if err := s.FileClient.AppendFile(path, data); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to write %s: %w", path, err))
	}
	if s.Format == FormatCSV {
		s.headers[path] = true
	}

	s.Logger.Debug().Str("path", path).Uint64("seq", batch.Seq).Int("rows", rows).Msg("Batch exported")
	return models.CommitResult{RowsWritten: rows, Elapsed: time.Since(start)}, nil
}

func (s *FileSink) Close() error { return nil }

func (s *FileSink) renderCSV(path string, batch models.Batch) ([]byte, int, error) {
	layout, err := batch.Destination.Layout()
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if !s.headers[path] {
		exists, err := s.FileClient.IsFileExists(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !exists {
			if err := w.Write(layout.Columns); err != nil {
				return nil, 0, err
			}
		}
	}

	record := make([]string, len(layout.Columns))
	for _, r := range batch.Readings {
		row, err := layout.Row(r)
		if err != nil {
			return nil, 0, err
		}
		for i, v := range row {
			record[i] = formatField(v)
		}
		if err := w.Write(record); err != nil {
			return nil, 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), batch.Len(), nil
}

// renderLineProtocol writes "<kind>,device_id=<id> value=<v>[,<field>=<v>...] <ns>",
// one line per reading. A reading without any field is written as missing=true.
func renderLineProtocol(batch models.Batch) ([]byte, int) {
	var buf bytes.Buffer
	for _, r := range batch.Readings {
		fields := lineFields(r)
		if len(fields) == 0 {
			fields = []string{"missing=true"}
		}
		fmt.Fprintf(&buf, "%s,device_id=%s %s %d\n",
			escapeLineKey(string(r.Kind)),
			escapeLineKey(r.SourceID),
			strings.Join(fields, ","),
			r.Timestamp.UnixNano())
	}
	return buf.Bytes(), batch.Len()
}

func lineFields(r models.Reading) []string {
	var fields []string
	if v, ok := r.FloatValue(); ok {
		fields = append(fields, "value="+strconv.FormatFloat(v, 'f', -1, 64))
	}

	for _, k := range utils.SortedKeys(r.Metadata) {
		var f float64
		switch v := r.Metadata[k].(type) {
		case float64:
			f = v
		case *float64:
			if v == nil {
				continue
			}
			f = *v
		case int:
			f = float64(v)
		case string:
			fields = append(fields, escapeLineKey(k)+"="+strconv.Quote(v))
			continue
		default:
			continue
		}
		fields = append(fields, escapeLineKey(k)+"="+strconv.FormatFloat(f, 'f', -1, 64))
	}
	return fields
}

var lineKeyEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)

func escapeLineKey(s string) string {
	return lineKeyEscaper.Replace(s)
}

func formatField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *float64:
		if x == nil {
			return ""
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
