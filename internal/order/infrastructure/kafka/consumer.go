package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/pkg/tracing"
)

const DroneStatusDelivered = "DELIVERED"

// DroneEvent is what drones report on the drone topic.
type DroneEvent struct {
	OrderID int64  `json:"order_id"`
	DroneID string `json:"drone_id"`
	Status  string `json:"status"`
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Deliverer interface {
	MarkDelivered(ctx context.Context, orderID int64) error
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// DroneConsumer marks orders delivered from drone status events. A message
// is committed once it is handled or known to be unprocessable; transient
// failures are retried with a growing pause.
type DroneConsumer struct {
	log        *slog.Logger
	reader     MessageReader
	svc        Deliverer
	idem       Deduper
	tracer     trace.Tracer
	maxRetries int
	backoff    time.Duration
}

func NewDroneReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

func NewDroneConsumer(log *slog.Logger, reader MessageReader, svc Deliverer, idem Deduper) *DroneConsumer {
	return &DroneConsumer{
		log:        log,
		reader:     reader,
		svc:        svc,
		idem:       idem,
		tracer:     otel.Tracer("delivery-consumer"),
		maxRetries: 5,
		backoff:    200 * time.Millisecond,
	}
}

func (c *DroneConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("drone event at offset %d left uncommitted: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", "offset", msg.Offset, "err", err)
		}
	}
}

// process handles msg until it succeeds or fails permanently. An error
// means the message must not be committed, so the group redelivers it.
func (c *DroneConsumer) process(ctx context.Context, msg kafka.Message) error {
	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	for attempt := 1; ; attempt++ {
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			c.log.Error("idempotency check failed", "err", err)
		} else if seen {
			c.log.Info("duplicate message skipped", "key", key)
			return nil
		}

		err = c.Handle(ctx, msg)
		if err == nil || !retryable(err) {
			if err != nil {
				c.log.Warn("drone event dropped", "key", key, "err", err)
			}
			return nil
		}
		if rerr := c.idem.Release(ctx, key); rerr != nil {
			c.log.Error("idempotency release failed", "key", key, "err", rerr)
		}
		if attempt >= c.maxRetries {
			c.log.Error("drone event failed, stopping for redelivery", "key", key, "attempts", attempt, "err", err)
			return err
		}
		c.log.Warn("drone event failed, retrying", "key", key, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

// Handle applies one message. Malformed payloads and orders that can no
// longer be delivered come back as errors that are not worth retrying.
func (c *DroneConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeDroneEvent", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var ev DroneEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		span.SetStatus(codes.Error, "unmarshal")
		return errMalformed{err}
	}
	span.SetAttributes(attribute.Int64("order.id", ev.OrderID), attribute.String("drone.id", ev.DroneID))
	if ev.Status != DroneStatusDelivered {
		return nil
	}

	if err := c.svc.MarkDelivered(msgCtx, ev.OrderID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.log.Info("delivery recorded", "order_id", ev.OrderID, "drone_id", ev.DroneID)
	return nil
}

type errMalformed struct{ err error }

func (e errMalformed) Error() string { return "malformed drone event: " + e.err.Error() }
func (e errMalformed) Unwrap() error { return e.err }

func retryable(err error) bool {
	var m errMalformed
	switch {
	case errors.As(err, &m),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
