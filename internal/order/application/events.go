package application

import (
	"context"
	"strconv"

	"github.com/dmehra2102/drone-delivery/pkg/outbox"
)

const aggregateOrder = "order"

func newOrderEvent(ctx context.Context, orderID int64, eventType string, v any) (outbox.Event, error) {
	return outbox.NewEvent(ctx, aggregateOrder, strconv.FormatInt(orderID, 10), eventType, v,
		map[string]string{"source": "order-service"})
}
