package outbox

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes messages to a Kafka topic keyed by order id, so all
// events of one order land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	var brokers []string
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes msgs synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs []Message) error {
	out := make([]kafka.Message, len(msgs))
	now := time.Now().UTC()
	for i, m := range msgs {
		out[i] = kafka.Message{
			Key:   []byte(strconv.FormatInt(m.OrderID, 10)),
			Value: m.Payload,
			Time:  now,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(m.Type)},
			},
		}
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		return errors.Wrap(err, "write messages")
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
