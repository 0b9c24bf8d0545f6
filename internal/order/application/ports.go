package application

import (
	"context"
	"errors"
	"time"

	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/pkg/outbox"
)

// ErrContention marks a transient lock conflict (lock wait timeout,
// deadlock, serialization failure). Store adapters wrap their native error
// with it; anything else is treated as non-retryable.
var ErrContention = errors.New("lock contention")

type CatalogReader interface {
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	GetStore(ctx context.Context, id int64) (domain.Store, error)
	GetBuyer(ctx context.Context, id int64) (domain.Buyer, error)
	// GetOptionGroups returns the groups attached and enabled on the product,
	// each with its items.
	GetOptionGroups(ctx context.Context, productID int64) ([]domain.OptionGroup, error)
	// GetOptionItems resolves item ids; unknown ids are absent from the map.
	GetOptionItems(ctx context.Context, ids []int64) (map[int64]domain.OptionItem, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	// ListOrders returns the buyer's orders newest first. An empty status
	// returns every status.
	ListOrders(ctx context.Context, buyerID int64, status domain.OrderStatus) ([]domain.Order, error)
}

// ProductLocker is only meant to be driven through StockLedger, which fixes
// the lock order.
type ProductLocker interface {
	// LockProducts takes exclusive row locks in exactly the order given and
	// returns the rows that exist.
	LockProducts(ctx context.Context, ids []int64) ([]domain.Product, error)
	SetProductStock(ctx context.Context, id int64, stock int) error
}

type Tx interface {
	CatalogReader
	ProductLocker

	LockBuyer(ctx context.Context, id int64) (domain.Buyer, error)
	SetBuyerBalance(ctx context.Context, id int64, balance int64) error

	// InsertOrder persists the order with its items and assigns o.ID.
	InsertOrder(ctx context.Context, o *domain.Order) error
	LockOrder(ctx context.Context, id int64) (domain.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, at time.Time) error

	AppendOutbox(ctx context.Context, ev outbox.Event) error
}

type Reader interface {
	CatalogReader
	OrderReader
}

// Store runs fn inside one transaction. Returning an error from fn rolls
// everything back.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}

// Recorder observes placement attempts.
type Recorder interface {
	Attempt()
	Retry()
	Outcome(outcome string)
}

const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected"
	OutcomeContention = "contention"
	OutcomeError      = "error"
)

type nopRecorder struct{}

func (nopRecorder) Attempt()       {}
func (nopRecorder) Retry()         {}
func (nopRecorder) Outcome(string) {}
