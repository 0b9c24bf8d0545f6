package application_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/internal/order/infrastructure/memory"
	"github.com/dmehra2102/drone-delivery/pkg/outbox"
)

func TestPlaceOrderCommitsEverything(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	rec := &countingRecorder{}
	svc := newService(s, application.WithRecorder(rec))

	id, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{
		{ProductID: burger, Quantity: 2, OptionIDs: []int64{cheese, noPickles}},
	})
	require.NoError(t, err)

	order, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, burgerHouse, order.StoreID)
	assert.EqualValues(t, 20_600, order.TotalPrice)
	require.Len(t, order.Items, 1)
	assert.EqualValues(t, 10_300, order.Items[0].UnitPrice)
	assert.EqualValues(t, 20_600, order.Items[0].LineTotal)
	assert.Len(t, order.Items[0].Options, 2)
	assert.Equal(t, "• Burger (Cheese, No pickles) x 2\n", order.Summary)
	require.NoError(t, order.CheckTotals())

	assert.Equal(t, 8, stockOf(t, s, burger))
	assert.EqualValues(t, 79_400, balanceOf(t, s, alice))

	events := s.Outbox()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOrderPlaced, events[0].Type)
	assert.Equal(t, outbox.StatusPending, events[0].Status)
	var placed domain.OrderPlaced
	require.NoError(t, json.Unmarshal(events[0].Payload, &placed))
	assert.Equal(t, id, placed.OrderID)
	assert.EqualValues(t, 20_600, placed.TotalPrice)
	assert.Equal(t, []domain.DispatchItem{{Name: "Burger", Quantity: 2}}, placed.Items)

	assert.EqualValues(t, 1, rec.attempts.Load())
	assert.EqualValues(t, 0, rec.retries.Load())
	assert.Equal(t, application.OutcomeCommitted, rec.last())
}

func TestPlaceOrderRejections(t *testing.T) {
	tests := []struct {
		name  string
		buyer int64
		cart  []domain.CartLine
		want  error
	}{
		{name: "empty cart", buyer: alice, want: domain.ErrEmptyCart},
		{name: "unknown product", buyer: alice, cart: []domain.CartLine{{ProductID: 999, Quantity: 1}}, want: domain.ErrProductsNotFound},
		{name: "unknown buyer", buyer: 42, cart: []domain.CartLine{{ProductID: water, Quantity: 1}}, want: domain.ErrBuyerNotFound},
		{name: "zero quantity", buyer: alice, cart: []domain.CartLine{{ProductID: water, Quantity: 0}}, want: domain.ErrInvalidQuantity},
		{
			name:  "quantities that would wrap when summed",
			buyer: whale,
			cart: []domain.CartLine{
				{ProductID: water, Quantity: 6148914691236517207},
				{ProductID: water, Quantity: 6148914691236517207},
				{ProductID: water, Quantity: 6148914691236517207},
			},
			want: domain.ErrInvalidQuantity,
		},
		{
			name:  "summed quantity above the per-order limit",
			buyer: whale,
			cart: []domain.CartLine{
				{ProductID: water, Quantity: domain.MaxQuantity},
				{ProductID: water, Quantity: 1},
			},
			want: domain.ErrInvalidQuantity,
		},
		{
			name:  "mixed stores",
			buyer: alice,
			cart:  []domain.CartLine{{ProductID: water, Quantity: 1}, {ProductID: bibimbap, Quantity: 2}},
			want:  domain.ErrMixedStoreOrder,
		},
		{
			name:  "option on a disabled group",
			buyer: alice,
			cart:  []domain.CartLine{{ProductID: burger, Quantity: 1, OptionIDs: []int64{cheese, secret}}},
			want:  domain.ErrOptionNotOnProduct,
		},
		{
			name:  "option from another product",
			buyer: alice,
			cart:  []domain.CartLine{{ProductID: water, Quantity: 1, OptionIDs: []int64{large}}},
			want:  domain.ErrOptionNotOnProduct,
		},
		{name: "sold out option", buyer: alice, cart: []domain.CartLine{{ProductID: cola, Quantity: 1, OptionIDs: []int64{xl}}}, want: domain.ErrOptionSoldOut},
		{name: "required option missing", buyer: alice, cart: []domain.CartLine{{ProductID: burger, Quantity: 1}}, want: domain.ErrRequiredOptionMissing},
		{
			name:  "stock summed across lines",
			buyer: alice,
			cart: []domain.CartLine{
				{ProductID: burger, Quantity: 6, OptionIDs: []int64{cheese}},
				{ProductID: burger, Quantity: 5, OptionIDs: []int64{bacon}},
			},
			want: domain.ErrInsufficientStock,
		},
		{name: "below store minimum", buyer: alice, cart: []domain.CartLine{{ProductID: bibimbap, Quantity: 1}}, want: domain.ErrBelowMinimumOrder},
		{name: "free order", buyer: alice, cart: []domain.CartLine{{ProductID: freeSample, Quantity: 2}}, want: domain.ErrNonPositiveTotal},
		{
			name:  "balance too low",
			buyer: bob,
			cart:  []domain.CartLine{{ProductID: burger, Quantity: 1, OptionIDs: []int64{cheese}}},
			want:  domain.ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := seed(t)
			rec := &countingRecorder{}
			svc := newService(s, application.WithRecorder(rec))

			_, err := svc.PlaceOrder(context.Background(), tt.buyer, tt.cart)

			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, s.Orders())
			assert.Empty(t, s.Outbox())
			assert.Equal(t, 10, stockOf(t, s, burger))
			assert.Equal(t, 5, stockOf(t, s, bibimbap))
			assert.EqualValues(t, 100_000, balanceOf(t, s, alice))
			assert.EqualValues(t, 5_000, balanceOf(t, s, bob))
			assert.Equal(t, 10, stockOf(t, s, water))
			assert.Equal(t, application.OutcomeRejected, rec.last())
		})
	}
}

func TestPlaceOrderRejectsTotalBeyondInt64(t *testing.T) {
	s := seed(t)
	const gold = int64(77)
	s.PutProduct(domain.Product{ID: gold, StoreID: burgerHouse, Name: "Gold Bar", BasePrice: math.MaxInt64 / 2, Stock: 10})
	svc := newService(s)

	_, err := svc.PlaceOrder(context.Background(), whale, []domain.CartLine{
		{ProductID: gold, Quantity: 1},
		{ProductID: gold, Quantity: 1},
		{ProductID: gold, Quantity: 1},
	})

	var re *domain.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.CodeInvalidQuantity, re.Code)
	assert.Equal(t, "Gold Bar", re.Product)
	assert.Equal(t, 10, stockOf(t, s, gold))
	assert.EqualValues(t, 10_000_000, balanceOf(t, s, whale))
	assert.Empty(t, s.Orders())
}

func TestPlaceOrderReportsShortfall(t *testing.T) {
	s := seed(t)
	svc := newService(s)

	_, err := svc.PlaceOrder(context.Background(), alice, []domain.CartLine{
		{ProductID: burger, Quantity: 6, OptionIDs: []int64{cheese}},
		{ProductID: burger, Quantity: 5, OptionIDs: []int64{bacon}},
	})

	var re *domain.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.CodeInsufficientStock, re.Code)
	assert.Equal(t, "Burger", re.Product)
	assert.EqualValues(t, 11, re.Requested)
	assert.EqualValues(t, 10, re.Available)
}

func TestPlaceOrderBelowMinimumLeavesNoTrace(t *testing.T) {
	s := seed(t)
	svc := newService(s)

	_, err := svc.PlaceOrder(context.Background(), alice, []domain.CartLine{{ProductID: bibimbap, Quantity: 1}})

	var re *domain.RejectionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, domain.CodeBelowMinimumOrder, re.Code)
	assert.EqualValues(t, 12_000, re.Requested)
	assert.EqualValues(t, 15_000, re.Available)
	assert.Equal(t, 5, stockOf(t, s, bibimbap))
	assert.EqualValues(t, 100_000, balanceOf(t, s, alice))
}

func TestPlaceOrderRejectionIsRepeatable(t *testing.T) {
	s := seed(t)
	svc := newService(s)
	cart := []domain.CartLine{{ProductID: fries, Quantity: 2}}

	_, first := svc.PlaceOrder(context.Background(), alice, cart)
	_, second := svc.PlaceOrder(context.Background(), alice, cart)

	var a, b *domain.RejectionError
	require.ErrorAs(t, first, &a)
	require.ErrorAs(t, second, &b)
	assert.Equal(t, *a, *b)
	assert.Equal(t, 1, stockOf(t, s, fries))
}

func TestValidationFailureTakesNoLocks(t *testing.T) {
	locks := &lockLog{}
	s := seed(t, memory.WithLockHook(locks.record))
	svc := newService(s)

	_, err := svc.PlaceOrder(context.Background(), alice, []domain.CartLine{
		{ProductID: cola, Quantity: 1, OptionIDs: []int64{regular, large}},
	})

	require.ErrorIs(t, err, domain.ErrTooManySelections)
	assert.Empty(t, locks.snapshot())
}

func TestPlaceOrderLocksProductsAscendingThenBuyer(t *testing.T) {
	locks := &lockLog{}
	s := seed(t, memory.WithLockHook(locks.record))
	svc := newService(s)

	_, err := svc.PlaceOrder(context.Background(), alice, []domain.CartLine{
		{ProductID: water, Quantity: 1},
		{ProductID: cola, Quantity: 1},
		{ProductID: burger, Quantity: 1, OptionIDs: []int64{bacon}},
		{ProductID: cola, Quantity: 2, OptionIDs: []int64{large}},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"product:1", "product:2", "product:5", "buyer:1"}, locks.snapshot())
	assert.Equal(t, 47, stockOf(t, s, cola))
}

func TestPlaceOrderRetriesOnContention(t *testing.T) {
	ctx := context.Background()
	s := seed(t, memory.WithLockTimeout(30*time.Millisecond))
	rec := &countingRecorder{}
	svc := newService(s,
		application.WithRecorder(rec),
		application.WithRetryPolicy(application.RetryPolicy{MaxAttempts: 20, Delay: 10 * time.Millisecond}),
	)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(ctx context.Context, tx application.Tx) error {
			if _, err := tx.LockProducts(ctx, []int64{water}); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	time.AfterFunc(80*time.Millisecond, func() { close(release) })

	id, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 3}})

	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.NotZero(t, id)
	assert.Equal(t, 7, stockOf(t, s, water))
	assert.GreaterOrEqual(t, rec.retries.Load(), int64(1))
	assert.Equal(t, rec.attempts.Load(), rec.retries.Load()+1)
	assert.Equal(t, application.OutcomeCommitted, rec.last())
}

func TestPlaceOrderGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := seed(t, memory.WithLockTimeout(20*time.Millisecond))
	rec := &countingRecorder{}
	svc := newService(s,
		application.WithRecorder(rec),
		application.WithRetryPolicy(application.RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Millisecond}),
	)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(ctx context.Context, tx application.Tx) error {
			if _, err := tx.LockBuyer(ctx, alice); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 1}})
	close(release)
	require.NoError(t, <-done)

	require.ErrorIs(t, err, domain.ErrOrderPlacementContention)
	require.ErrorIs(t, err, application.ErrContention)
	assert.False(t, domain.IsRejection(err))
	assert.EqualValues(t, 2, rec.attempts.Load())
	assert.EqualValues(t, 1, rec.retries.Load())
	assert.Equal(t, application.OutcomeContention, rec.last())

	// Product locks taken by the failed attempts were rolled back.
	assert.Equal(t, 10, stockOf(t, s, water))
	assert.EqualValues(t, 100_000, balanceOf(t, s, alice))
	assert.Empty(t, s.Orders())
}

func TestCancelOrderIsExactInverse(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	svc := newService(s)

	id, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{
		{ProductID: burger, Quantity: 2, OptionIDs: []int64{cheese, noPickles}},
		{ProductID: cola, Quantity: 3, OptionIDs: []int64{large}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 100_000-28_100, balanceOf(t, s, alice))

	require.NoError(t, svc.CancelOrder(ctx, id))

	order, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, order.Status)
	assert.Equal(t, 10, stockOf(t, s, burger))
	assert.Equal(t, 50, stockOf(t, s, cola))
	assert.EqualValues(t, 100_000, balanceOf(t, s, alice))

	events := s.Outbox()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOrderCanceled, events[1].Type)
	var canceled domain.OrderCanceled
	require.NoError(t, json.Unmarshal(events[1].Payload, &canceled))
	assert.EqualValues(t, 28_100, canceled.RefundedPrice)

	err = svc.CancelOrder(ctx, id)
	require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
	assert.EqualValues(t, 100_000, balanceOf(t, s, alice))
}

func TestCancelDeliveredOrderIsRefused(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	svc := newService(s)

	id, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 4}})
	require.NoError(t, err)
	require.NoError(t, svc.MarkDelivered(ctx, id))

	err = svc.CancelOrder(ctx, id)

	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusDelivered, te.From)
	assert.Equal(t, domain.StatusCanceled, te.To)
	assert.Equal(t, 6, stockOf(t, s, water))
	assert.EqualValues(t, 96_000, balanceOf(t, s, alice))
	order, err := svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, order.Status)
}

func TestMarkDelivered(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	svc := newService(s)

	id, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 1}})
	require.NoError(t, err)

	require.NoError(t, svc.MarkDelivered(ctx, id))
	require.NoError(t, svc.MarkDelivered(ctx, id), "repeat delivery is a no-op")

	var delivered int
	for _, ev := range s.Outbox() {
		if ev.Type == domain.EventOrderDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)

	require.ErrorIs(t, svc.MarkDelivered(ctx, 999), domain.ErrOrderNotFound)
	require.ErrorIs(t, svc.CancelOrder(ctx, 999), domain.ErrOrderNotFound)

	other, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, svc.CancelOrder(ctx, other))
	require.ErrorIs(t, svc.MarkDelivered(ctx, other), domain.ErrInvalidStatusTransition)
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := seed(t)
	svc := newService(s)

	first, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: water, Quantity: 1}})
	require.NoError(t, err)
	second, err := svc.PlaceOrder(ctx, alice, []domain.CartLine{{ProductID: cola, Quantity: 1}})
	require.NoError(t, err)
	_, err = svc.PlaceOrder(ctx, whale, []domain.CartLine{{ProductID: cola, Quantity: 1}})
	require.NoError(t, err)
	require.NoError(t, svc.CancelOrder(ctx, first))

	all, err := svc.ListOrders(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID)
	assert.Equal(t, first, all[1].ID)

	pending, err := svc.ListOrders(ctx, alice, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].ID)
}

func TestPreviewLineDoesNotTouchStock(t *testing.T) {
	s := seed(t)
	svc := newService(s)

	line, err := svc.PreviewLine(context.Background(), burger, []int64{bacon, noPickles}, 3)

	require.NoError(t, err)
	assert.EqualValues(t, 10_800, line.UnitPrice)
	assert.EqualValues(t, 32_400, line.LineTotal)
	assert.Equal(t, 10, stockOf(t, s, burger))

	_, err = svc.PreviewLine(context.Background(), burger, nil, 1)
	require.ErrorIs(t, err, domain.ErrRequiredOptionMissing)
	_, err = svc.PreviewLine(context.Background(), 999, nil, 1)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}
