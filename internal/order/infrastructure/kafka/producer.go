package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewWriter returns a writer for outbox events. The topic comes from each
// message; keys are hashed so every event of an order goes to the same
// partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}
