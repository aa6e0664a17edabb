// Package broker wraps the Kafka producer and consumer-group readers used by
// the pipeline. Each process holds one long-lived producer and enqueues
// through it; per-event producer construction is deliberately not supported.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topic names on the broker.
const (
	TopicMetricsRaw      = "metrics.raw"
	TopicLogsRaw         = "logs.raw"
	TopicDeploymentsRaw  = "deployments.raw"
	TopicConfigRaw       = "config.raw"
	TopicFlagsRaw        = "flags.raw"
	TopicAnomaliesDetect = "anomalies.detected"
	TopicRCARequests     = "rca.requests"
)

// Producer is a shared JSON-encoding writer. Safe for concurrent use.
type Producer struct {
	brokers []string
	writer  *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		brokers: brokers,
		writer: &kafka.Writer{
			Addr: kafka.TCP(brokers...),
			// Hash keys so all messages for one incident land on one
			// partition: at most one RCA run per incident at a time.
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish JSON-encodes v and writes it to the topic with the given key.
func (p *Producer) Publish(ctx context.Context, topic, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.writer.Close() }

// Ping dials the first bootstrap broker to verify connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", p.brokers[0], err)
	}
	return conn.Close()
}

// Consumer reads one topic inside a consumer group, committing offsets only
// after the caller confirms processing.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, groupID, topic string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			Topic:       topic,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}),
	}
}

// Fetch blocks for the next message without committing its offset.
func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return c.reader.FetchMessage(ctx)
}

// Commit marks the message processed.
func (c *Consumer) Commit(ctx context.Context, msg kafka.Message) error {
	return c.reader.CommitMessages(ctx, msg)
}

func (c *Consumer) Close() error { return c.reader.Close() }
