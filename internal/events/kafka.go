// Package events publishes report lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"

	"noisewatch/internal/config"
	"noisewatch/internal/model"
)

type Publisher interface {
	PublishReportCreated(ctx context.Context, r model.Report) error
	Close() error
}

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, clock clockwork.Clock, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, clock, logger)
}

func newKafkaPublisher(w messageWriter, clock clockwork.Clock, logger *slog.Logger) *KafkaPublisher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, clock: clock, logger: logger}
}

func (p *KafkaPublisher) PublishReportCreated(ctx context.Context, r model.Report) error {
	msg, err := serializeToMessage(model.ReportCreatedEvent{
		Type:     model.EventReportCreated,
		Report:   r,
		StoredAt: p.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish report %d: %w", r.ID, err)
	}
	p.logger.Debug("report event published", "report_id", r.ID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage keys the message by report id so every event for one
// report lands on the same partition.
func serializeToMessage(ev model.ReportCreatedEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize report event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(ev.Report.ID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "severity", Value: []byte(ev.Report.Severity)},
			{Key: "stored_at", Value: []byte(ev.StoredAt.Format(time.RFC3339))},
		},
	}, nil
}

// DecodeReportCreated parses a message produced by PublishReportCreated.
func DecodeReportCreated(msg kafkago.Message) (model.ReportCreatedEvent, error) {
	var ev model.ReportCreatedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return model.ReportCreatedEvent{}, fmt.Errorf("decode report event: %w", err)
	}
	if ev.Type != model.EventReportCreated {
		return model.ReportCreatedEvent{}, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	return ev, nil
}

// Nop discards events. It is used when Kafka is disabled.
type Nop struct{}

func (Nop) PublishReportCreated(context.Context, model.Report) error { return nil }
func (Nop) Close() error                                             { return nil }

// New returns a Kafka publisher when enabled and Nop otherwise.
func New(cfg config.KafkaConfig, clock clockwork.Clock, logger *slog.Logger) Publisher {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka events disabled")
		}
		return Nop{}
	}
	if logger != nil {
		logger.Info("kafka events enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return NewKafkaPublisher(cfg, clock, logger)
}
