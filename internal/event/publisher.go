package event

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// Publisher forwards provider failover transitions to a Kafka topic so
// operators can alert on them. A Publisher with no writer is valid and
// drops events silently, which keeps call sites free of enabled checks.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a publisher. brokers may be empty, in which case the
// publisher runs disabled.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	var writer *kafka.Writer
	if len(brokers) > 0 {
		writer = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
		logger.Info("Initialized Kafka writer",
			zap.Strings("brokers", brokers),
			zap.String("topic", topic))
	}
	return &Publisher{writer: writer, logger: logger}
}

// PublishFailover publishes one failover event.
func (p *Publisher) PublishFailover(ctx context.Context, event market.FailoverEvent) error {
	if p.writer == nil {
		return nil
	}

	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.To),
		Value: value,
	})
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
