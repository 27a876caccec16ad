package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher streams verdicts keyed by trace id. Writes are synchronous
// so a broker failure surfaces as an audit failure.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
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
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Write(ctx context.Context, v *contracts.Verdict) error {
	if p == nil || p.writer == nil {
		return contracts.NewAuditWriteError(traceOf(v), "kafka publisher not initialized", nil)
	}
	body, err := encodeArchived(v)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(v.TraceID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "decision", Value: []byte(v.Decision)},
			{Key: "domain", Value: []byte(v.Action.Domain)},
		},
	})
	if err != nil {
		return contracts.NewAuditWriteError(v.TraceID, "kafka publish", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
