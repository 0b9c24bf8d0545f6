package application

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
)

// StockLedger is the only path that takes product row locks. Locks are
// always requested in ascending product id, whatever order the caller
// passes, so two transactions touching overlapping products queue behind
// each other instead of deadlocking. Every writer of product stock must go
// through here for that to hold.
type StockLedger struct {
	tx     ProductLocker
	locked map[int64]domain.Product
}

func NewStockLedger(tx ProductLocker) *StockLedger {
	return &StockLedger{tx: tx, locked: make(map[int64]domain.Product)}
}

// LockOrder returns the distinct ids in the order they will be locked.
func LockOrder(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// LockAndLoad locks the given products and returns them in lock order. It
// fails with ProductsNotFound if any id does not resolve.
func (l *StockLedger) LockAndLoad(ctx context.Context, ids []int64) ([]domain.Product, error) {
	want := LockOrder(ids)
	rows, err := l.tx.LockProducts(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	if len(rows) != len(want) {
		found := make(map[int64]bool, len(rows))
		for _, p := range rows {
			found[p.ID] = true
		}
		var missing []int64
		for _, id := range want {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, domain.Reject(domain.CodeProductsNotFound, "products %v do not exist", missing)
	}
	for _, p := range rows {
		l.locked[p.ID] = p
	}
	return rows, nil
}

// Decrement subtracts qty from a locked product. Sufficiency is the
// caller's check; a decrement that would go negative is refused, never
// clamped.
func (l *StockLedger) Decrement(ctx context.Context, productID int64, qty int) error {
	p, ok := l.locked[productID]
	if !ok {
		return fmt.Errorf("decrement product %d: not locked", productID)
	}
	if qty > p.Stock {
		re := domain.Reject(domain.CodeInsufficientStock, "%s has %d left, requested %d", p.Name, p.Stock, qty)
		re.Product = p.Name
		re.Requested = int64(qty)
		re.Available = int64(p.Stock)
		return re
	}
	return l.set(ctx, p, p.Stock-qty)
}

// Restore adds qty back to a locked product.
func (l *StockLedger) Restore(ctx context.Context, productID int64, qty int) error {
	p, ok := l.locked[productID]
	if !ok {
		return fmt.Errorf("restore product %d: not locked", productID)
	}
	return l.set(ctx, p, p.Stock+qty)
}

func (l *StockLedger) set(ctx context.Context, p domain.Product, stock int) error {
	if err := l.tx.SetProductStock(ctx, p.ID, stock); err != nil {
		return fmt.Errorf("set stock of product %d: %w", p.ID, err)
	}
	p.Stock = stock
	l.locked[p.ID] = p
	return nil
}
