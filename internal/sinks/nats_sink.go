package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// NATSConn is the subset of *nats.Conn the sink needs.
type NATSConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSSink publishes each batch on <SubjectPrefix>.<table> and flushes so the
// server has seen the message before the commit is reported.
type NATSSink struct {
	SubjectPrefix string
	FlushTimeout  time.Duration
	Conn          NATSConn
	Logger        zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// ConnectNATS dials url with reconnect handling and wraps the connection.
func ConnectNATS(url, name, subjectPrefix string, flushTimeout time.Duration, logger zerolog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSSink(nc, subjectPrefix, flushTimeout, logger), nil
}

// NewNATSSink wraps an established connection.
func NewNATSSink(conn NATSConn, subjectPrefix string, flushTimeout time.Duration, logger zerolog.Logger) *NATSSink {
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &NATSSink{
		SubjectPrefix: subjectPrefix,
		FlushTimeout:  flushTimeout,
		Conn:          conn,
		Logger:        logger,
	}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a destination is published on.
func (s *NATSSink) Subject(destination models.Destination) string {
	if s.SubjectPrefix == "" {
		return destination.Table
	}
	return s.SubjectPrefix + "." + destination.Table
}

func (s *NATSSink) Commit(ctx context.Context, batch models.Batch) (models.CommitResult, error) {
	start := time.Now()
	if batch.Len() == 0 {
		return models.CommitResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, err)
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to serialize batch: %w", err))
	}

	subject := s.Subject(batch.Destination)
	if err := s.Conn.Publish(subject, payload); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("publish to %s failed: %w", subject, err))
	}
	if err := s.Conn.FlushTimeout(s.FlushTimeout); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("flush failed: %w", err))
	}

	s.Logger.Debug().Str("subject", subject).Uint64("seq", batch.Seq).Int("rows", batch.Len()).Msg("Batch published")
	return models.CommitResult{RowsWritten: batch.Len(), Elapsed: time.Since(start)}, nil
}

// Close drains the connection once.
func (s *NATSSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Conn.Drain()
	})
	return s.closeErr
}
