package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/pkg/mqtt"
)

// MQTTSink publishes each batch as a single JSON message on
// <TopicPrefix>/<table>.
type MQTTSink struct {
	TopicPrefix    string
	QOS            int
	PublishTimeout time.Duration
	MqttClient     mqtt.MQTTClient
	Logger         zerolog.Logger

	closeOnce sync.Once
}

// NewMQTTSink creates an MQTT sink on top of a connected client.
func NewMQTTSink(topicPrefix string, qos int, publishTimeout time.Duration, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *MQTTSink {
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &MQTTSink{
		TopicPrefix:    topicPrefix,
		QOS:            qos,
		PublishTimeout: publishTimeout,
		MqttClient:     mqttClient,
		Logger:         logger,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic a destination is published to.
func (s *MQTTSink) Topic(destination models.Destination) string {
	if s.TopicPrefix == "" {
		return destination.Table
	}
	return s.TopicPrefix + "/" + destination.Table
}

// Commit publishes the batch and waits for the broker acknowledgement.
func (s *MQTTSink) Commit(ctx context.Context, batch models.Batch) (models.CommitResult, error) {
	start := time.Now()
	if batch.Len() == 0 {
		return models.CommitResult{}, nil
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to serialize batch: %w", err))
	}

	timeout := s.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := s.MqttClient.Publish(s.Topic(batch.Destination), byte(s.QOS), false, payload)
	if !token.WaitTimeout(timeout) {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("publish timed out after %s", timeout))
	}
	if err := token.Error(); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("publish failed: %w", err))
	}

	s.Logger.Debug().Str("topic", s.Topic(batch.Destination)).Uint64("seq", batch.Seq).Int("rows", batch.Len()).Msg("Batch published")
	return models.CommitResult{RowsWritten: batch.Len(), Elapsed: time.Since(start)}, nil
}

// Close disconnects from the broker once.
func (s *MQTTSink) Close() error {
	s.closeOnce.Do(func() {
		s.MqttClient.Disconnect(250)
	})
	return nil
}
