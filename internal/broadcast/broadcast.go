// Package broadcast forwards every command response to a Kafka topic so other
// screens and processes can follow the terminal.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/engine"
)

// Event is the record value. V is bumped on incompatible changes.
type Event struct {
	V        int             `json:"v"`
	Type     string          `json:"type"`
	Response engine.Response `json:"response"`
	SentAt   time.Time       `json:"sent_at"`
}

const eventVersion = 1

type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

// New dials the brokers with a synchronous, fully acknowledged producer.
func New(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "termtrader"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewWithProducer(producer, topic, logger), nil
}

func NewWithProducer(p sarama.SyncProducer, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{producer: p, topic: topic, logger: logger, now: time.Now}
}

// Publish has the engine.Subscriber shape. Records are keyed by origin so
// one screen's responses stay ordered within a partition.
func (p *Publisher) Publish(resp engine.Response) error {
	value, err := json.Marshal(Event{V: eventVersion, Type: "command_response", Response: resp, SentAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(resp.Origin),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("trace_id"), Value: []byte(resp.TraceID())},
			{Key: []byte("outcome"), Value: []byte(resp.Outcome())},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.logger.Debug("response published",
		zap.String("trace_id", resp.TraceID()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
