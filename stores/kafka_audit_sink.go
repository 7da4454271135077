package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/oarkflow/profileauthz"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaAuditSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaAuditSink publishes audit entries to a topic, keyed by user so one user's
// decisions stay ordered within a partition.
type KafkaAuditSink struct {
	writer kafkaWriter
}

func NewKafkaAuditSink(cfg KafkaConfig) (*KafkaAuditSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaAuditSink{writer: w}, nil
}

func (s *KafkaAuditSink) Write(ctx context.Context, entries []profileauthz.AuditEntry) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka audit sink not initialized")
	}
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode audit entry %d: %w", e.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Context.UserID),
			Value: b,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
				{Key: "outcome", Value: []byte(e.Decision.Outcome.String())},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaAuditSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
