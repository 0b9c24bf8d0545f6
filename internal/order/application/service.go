package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

// RetryPolicy bounds how often a transaction is re-run after losing a lock
// conflict. Delay is jittered up to twice its value.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: 50 * time.Millisecond}

type Option func(*Service)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		s.retry = p
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.rec = r
		}
	}
}

// Service places, cancels and delivers orders. Each mutating call runs as
// one store transaction, re-run from scratch on contention.
type Service struct {
	log    *slog.Logger
	store  Store
	retry  RetryPolicy
	rec    Recorder
	tracer trace.Tracer
}

func NewService(log *slog.Logger, store Store, opts ...Option) *Service {
	s := &Service{
		log:    log,
		store:  store,
		retry:  DefaultRetryPolicy,
		rec:    nopRecorder{},
		tracer: otel.Tracer("order-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder turns the cart into a PENDING order, decrementing stock and the
// buyer's balance in the same transaction, and returns the new order id.
func (s *Service) PlaceOrder(ctx context.Context, buyerID int64, cart []domain.CartLine) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "PlaceOrder", trace.WithAttributes(
		attribute.Int64("buyer.id", buyerID),
		attribute.Int("cart.lines", len(cart)),
	))
	defer span.End()

	if len(cart) == 0 {
		s.rec.Outcome(OutcomeRejected)
		return 0, domain.Reject(domain.CodeEmptyCart, "cart is empty")
	}

	var orderID int64
	err := s.withRetry(ctx, "place order", func(ctx context.Context, tx Tx) error {
		s.rec.Attempt()
		id, err := s.placeAttempt(ctx, tx, buyerID, cart)
		orderID = id
		return err
	})
	switch {
	case err == nil:
		s.rec.Outcome(OutcomeCommitted)
		span.SetAttributes(attribute.Int64("order.id", orderID))
		return orderID, nil
	case errors.Is(err, ErrContention):
		s.rec.Outcome(OutcomeContention)
		span.SetStatus(codes.Error, "contention")
		s.log.Error("order placement exhausted retries", "buyer_id", buyerID, "attempts", s.retry.MaxAttempts, "err", err)
		return 0, fmt.Errorf("%w: %w", domain.ErrOrderPlacementContention, err)
	case domain.IsRejection(err), errors.Is(err, domain.ErrBuyerNotFound):
		s.rec.Outcome(OutcomeRejected)
		span.SetAttributes(attribute.String("order.rejection", err.Error()))
		s.log.Info("order rejected", "buyer_id", buyerID, "reason", err.Error())
		return 0, err
	default:
		s.rec.Outcome(OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
}

func (s *Service) placeAttempt(ctx context.Context, tx Tx, buyerID int64, cart []domain.CartLine) (int64, error) {
	// Validating: pure checks over current catalog rows, no locks taken.
	if _, err := tx.GetBuyer(ctx, buyerID); err != nil {
		return 0, err
	}
	lines := make([]domain.PricedLine, 0, len(cart))
	var total int64
	for _, cl := range cart {
		line, err := s.priceLine(ctx, tx, cl.ProductID, cl.OptionIDs, cl.Quantity)
		if errors.Is(err, domain.ErrProductNotFound) {
			return 0, domain.Reject(domain.CodeProductsNotFound, "product %d does not exist", cl.ProductID)
		}
		if err != nil {
			return 0, err
		}
		if len(lines) > 0 && line.StoreID != lines[0].StoreID {
			return 0, domain.Reject(domain.CodeMixedStoreOrder, "%s and %s come from different stores", lines[0].ProductName, line.ProductName)
		}
		if total > math.MaxInt64-line.LineTotal {
			re := domain.Reject(domain.CodeInvalidQuantity, "order total exceeds the largest payable amount at %s", line.ProductName)
			re.Product = line.ProductName
			re.Requested = int64(line.Quantity)
			return 0, re
		}
		total += line.LineTotal
		lines = append(lines, line)
	}
	storeID := lines[0].StoreID

	// Locking. Each line is at most MaxQuantity, so the running sum is
	// bounded before it is added to.
	requested := make(map[int64]int, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		sum, ok := requested[line.ProductID]
		if !ok {
			ids = append(ids, line.ProductID)
		}
		if sum > domain.MaxQuantity-line.Quantity {
			re := domain.Reject(domain.CodeInvalidQuantity, "quantity for %s must be at most %d in one order", line.ProductName, domain.MaxQuantity)
			re.Product = line.ProductName
			re.Requested = int64(sum) + int64(line.Quantity)
			return 0, re
		}
		requested[line.ProductID] = sum + line.Quantity
	}
	ledger := NewStockLedger(tx)
	products, err := ledger.LockAndLoad(ctx, ids)
	if err != nil {
		return 0, err
	}

	// Checking, against the locked rows. Prices stay as validated; only
	// stock is re-read.
	for _, p := range products {
		qty := requested[p.ID]
		if qty < 1 {
			re := domain.Reject(domain.CodeInvalidQuantity, "quantity for %s must be at least 1, got %d", p.Name, qty)
			re.Product = p.Name
			re.Requested = int64(qty)
			return 0, re
		}
		if qty > p.Stock {
			re := domain.Reject(domain.CodeInsufficientStock, "%s has %d left, requested %d", p.Name, p.Stock, qty)
			re.Product = p.Name
			re.Requested = int64(qty)
			re.Available = int64(p.Stock)
			return 0, re
		}
	}

	order := domain.NewOrder(buyerID, storeID, lines)
	store, err := tx.GetStore(ctx, storeID)
	if err != nil {
		return 0, err
	}
	if store.MinOrderPrice > 0 && order.TotalPrice < store.MinOrderPrice {
		re := domain.Reject(domain.CodeBelowMinimumOrder, "%s requires at least %d, order is %d", store.Name, store.MinOrderPrice, order.TotalPrice)
		re.Requested = order.TotalPrice
		re.Available = store.MinOrderPrice
		return 0, re
	}
	if order.TotalPrice <= 0 {
		return 0, domain.Reject(domain.CodeNonPositiveTotal, "order total is %d", order.TotalPrice)
	}
	buyer, err := tx.LockBuyer(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	if buyer.Balance < order.TotalPrice {
		re := domain.Reject(domain.CodeInsufficientBalance, "balance %d is less than order total %d", buyer.Balance, order.TotalPrice)
		re.Requested = order.TotalPrice
		re.Available = buyer.Balance
		return 0, re
	}

	// Applying.
	for _, p := range products {
		if err := ledger.Decrement(ctx, p.ID, requested[p.ID]); err != nil {
			return 0, err
		}
	}
	if err := tx.SetBuyerBalance(ctx, buyer.ID, buyer.Balance-order.TotalPrice); err != nil {
		return 0, fmt.Errorf("debit buyer %d: %w", buyer.ID, err)
	}
	if err := order.CheckTotals(); err != nil {
		return 0, err
	}
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	ev, err := newOrderEvent(ctx, order.ID, domain.EventOrderPlaced, domain.NewOrderPlaced(order))
	if err != nil {
		return 0, err
	}
	if err := tx.AppendOutbox(ctx, ev); err != nil {
		return 0, fmt.Errorf("append outbox: %w", err)
	}

	s.log.Info("order placed", "order_id", order.ID, "buyer_id", buyerID, "store_id", storeID, "total", order.TotalPrice)
	return order.ID, nil
}

// CancelOrder reverses a PENDING order: the total goes back to the buyer and
// every item quantity back to its product.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) error {
	ctx, span := s.tracer.Start(ctx, "CancelOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	err := s.withRetry(ctx, "cancel order", func(ctx context.Context, tx Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.Transition(domain.StatusCanceled); err != nil {
			return err
		}

		qty := order.QuantitiesByProduct()
		ids := make([]int64, 0, len(qty))
		for id := range qty {
			ids = append(ids, id)
		}
		ledger := NewStockLedger(tx)
		if _, err := ledger.LockAndLoad(ctx, ids); err != nil {
			return err
		}
		for _, id := range LockOrder(ids) {
			if err := ledger.Restore(ctx, id, qty[id]); err != nil {
				return err
			}
		}

		buyer, err := tx.LockBuyer(ctx, order.BuyerID)
		if err != nil {
			return err
		}
		if err := tx.SetBuyerBalance(ctx, buyer.ID, buyer.Balance+order.TotalPrice); err != nil {
			return fmt.Errorf("refund buyer %d: %w", buyer.ID, err)
		}
		if err := tx.SetOrderStatus(ctx, order.ID, order.Status, order.UpdatedAt); err != nil {
			return fmt.Errorf("set order status: %w", err)
		}
		ev, err := newOrderEvent(ctx, order.ID, domain.EventOrderCanceled, domain.OrderCanceled{
			OrderID:       order.ID,
			BuyerID:       order.BuyerID,
			RefundedPrice: order.TotalPrice,
		})
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, ev)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.log.Info("order canceled", "order_id", orderID)
	return nil
}

// MarkDelivered moves a PENDING order to DELIVERED. Repeating it on a
// delivered order is a no-op, since drone webhooks may arrive more than once.
func (s *Service) MarkDelivered(ctx context.Context, orderID int64) error {
	ctx, span := s.tracer.Start(ctx, "MarkDelivered", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	var changed bool
	err := s.withRetry(ctx, "deliver order", func(ctx context.Context, tx Tx) error {
		changed = false
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.StatusDelivered {
			return nil
		}
		if err := order.Transition(domain.StatusDelivered); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, order.ID, order.Status, order.UpdatedAt); err != nil {
			return fmt.Errorf("set order status: %w", err)
		}
		ev, err := newOrderEvent(ctx, order.ID, domain.EventOrderDelivered, domain.OrderDelivered{OrderID: order.ID, BuyerID: order.BuyerID})
		if err != nil {
			return err
		}
		changed = true
		return tx.AppendOutbox(ctx, ev)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if changed {
		s.log.Info("order delivered", "order_id", orderID)
	}
	return nil
}

// PreviewLine validates and prices one cart line without touching stock.
func (s *Service) PreviewLine(ctx context.Context, productID int64, optionIDs []int64, quantity int) (domain.PricedLine, error) {
	var line domain.PricedLine
	err := s.store.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		line, err = s.priceLine(ctx, r, productID, optionIDs, quantity)
		return err
	})
	return line, err
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	var order domain.Order
	err := s.store.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		order, err = r.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}

func (s *Service) ListOrders(ctx context.Context, buyerID int64, status domain.OrderStatus) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.store.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		orders, err = r.ListOrders(ctx, buyerID, status)
		return err
	})
	return orders, err
}

func (s *Service) priceLine(ctx context.Context, r CatalogReader, productID int64, optionIDs []int64, quantity int) (domain.PricedLine, error) {
	product, err := r.GetProduct(ctx, productID)
	if err != nil {
		return domain.PricedLine{}, err
	}
	groups, err := r.GetOptionGroups(ctx, productID)
	if err != nil {
		return domain.PricedLine{}, fmt.Errorf("load option groups of product %d: %w", productID, err)
	}
	items := map[int64]domain.OptionItem{}
	if len(optionIDs) > 0 {
		items, err = r.GetOptionItems(ctx, optionIDs)
		if err != nil {
			return domain.PricedLine{}, fmt.Errorf("load option items: %w", err)
		}
	}
	opts, err := ValidateSelection(product.Name, groups, optionIDs, items)
	if err != nil {
		return domain.PricedLine{}, err
	}
	return PriceLine(product, quantity, opts)
}

// withRetry runs fn in a fresh transaction until it commits, fails with a
// non-contention error, or the attempt budget is spent. The last contention
// error is returned in that case.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err = s.store.InTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrContention) {
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}
		s.rec.Retry()
		s.log.Warn("transaction lost lock contention, retrying", "op", op, "attempt", attempt, "err", err)
		if werr := s.wait(ctx); werr != nil {
			return werr
		}
	}
	return err
}

func (s *Service) wait(ctx context.Context) error {
	if s.retry.Delay <= 0 {
		return ctx.Err()
	}
	d := s.retry.Delay + rand.N(s.retry.Delay)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
