package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"remittance/internal/ledger"
)

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	msg := NewMessage(ev)
	p.logger.InfoContext(ctx, "escrow event",
		"kind", msg.Kind,
		"entry_id", msg.EntryID,
		"sender", msg.Sender,
		"recipient", msg.Recipient,
		"amount", msg.Amount,
	)
	return nil
}

// KafkaPublisher writes events to a single topic keyed by entry id so all
// events of one entry land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return Permanent(fmt.Errorf("encode event: %w", err))
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(partitionKey(ev)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
		Time: time.Now().UTC(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func partitionKey(ev ledger.Event) string {
	if ev.EntryID == 0 {
		return "sweep:" + ev.Asset.Hex()
	}
	return strconv.FormatUint(ev.EntryID, 10)
}
