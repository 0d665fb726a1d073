// Package kafka exports push events to a Kafka topic keyed by channel, so a
// channel's events land on one partition in order.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Exporter implements model.Publisher on a Kafka topic.
type Exporter struct {
	w     MessageWriter
	topic string
	now   func() time.Time
	log   *slog.Logger
}

var _ model.Publisher = (*Exporter)(nil)

// NewWriter builds a kafka-go writer for topic on brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// New wraps w. topic is recorded for logging only; the writer carries it.
func New(w MessageWriter, topic string, log *slog.Logger) *Exporter {
	return &Exporter{w: w, topic: topic, now: time.Now, log: logger.Component(log, "kafka")}
}

// Publish writes one message keyed by channel with a channel header.
func (e *Exporter) Publish(ctx context.Context, channel string, payload []byte) error {
	err := e.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(channel),
		Value:   payload,
		Time:    e.now(),
		Headers: []kafka.Header{{Key: "channel", Value: []byte(channel)}},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s to %s: %w", channel, e.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (e *Exporter) Close() error {
	e.log.Info("closing exporter", "topic", e.topic)
	return e.w.Close()
}
