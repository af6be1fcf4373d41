// Package events fans accepted samples out to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"coldroom/monitor-server/internal/model"
)

// Publisher delivers accepted samples. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, sample model.Sample) error
	Close() error
}

// Nop discards every sample. It is used when no event sink is configured.
type Nop struct{}

func (Nop) Publish(context.Context, model.Sample) error { return nil }
func (Nop) Close() error                                { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects the brokers and topic samples are written to.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaPublisher writes one message per sample, keyed by room id so a room's samples stay ordered.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	log     *slog.Logger
}

// SampleEvent is the JSON value of each published message.
type SampleEvent struct {
	RoomID      int64     `json:"room_id"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewKafkaPublisher(cfg KafkaConfig, log *slog.Logger) (*KafkaPublisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           timeout,
	}
	return newKafkaPublisher(w, cfg.Topic, timeout, log), nil
}

func newKafkaPublisher(w messageWriter, topic string, timeout time.Duration, log *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		topic:   topic,
		timeout: timeout,
		log:     log.With("component", "kafka-events", "topic", topic),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, sample model.Sample) error {
	value, err := json.Marshal(SampleEvent{
		RoomID:      sample.RoomID,
		Temperature: sample.Temperature,
		Timestamp:   sample.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode sample event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(sample.RoomID, 10)),
		Value: value,
		Time:  sample.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish sample for room %d: %w", sample.RoomID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.log.Warn("close kafka writer", "error", err)
		return err
	}
	return nil
}
