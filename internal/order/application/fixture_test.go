package application_test

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/internal/order/infrastructure/memory"
)

const (
	burgerHouse   = int64(1)
	koreanKitchen = int64(2)

	alice = int64(1) // 100_000
	bob   = int64(2) // 5_000
	whale = int64(3) // 10_000_000

	burger     = int64(1) // 10_000, stock 10, Toppings required
	cola       = int64(2) // 2_000, stock 50, Size optional
	bibimbap   = int64(3) // 12_000, stock 5, Korean Kitchen
	fries      = int64(4) // 3_000, stock 1
	water      = int64(5) // 1_000, stock 10
	freeSample = int64(6) // 0, stock 5

	cheese    = int64(101) // +500
	bacon     = int64(102) // +1000
	noPickles = int64(103) // -200
	regular   = int64(201)
	large     = int64(202) // +500
	xl        = int64(203) // sold out
	secret    = int64(401) // on a disabled group
)

func intp(v int) *int { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, opts ...memory.Option) *memory.Store {
	t.Helper()
	s := memory.NewStore(opts...)

	s.PutStore(domain.Store{ID: burgerHouse, Name: "Burger House"})
	s.PutStore(domain.Store{ID: koreanKitchen, Name: "Korean Kitchen", MinOrderPrice: 15_000})

	s.PutBuyer(domain.Buyer{ID: alice, Name: "alice", Balance: 100_000})
	s.PutBuyer(domain.Buyer{ID: bob, Name: "bob", Balance: 5_000})
	s.PutBuyer(domain.Buyer{ID: whale, Name: "whale", Balance: 10_000_000})

	s.PutProduct(domain.Product{ID: burger, StoreID: burgerHouse, Name: "Burger", BasePrice: 10_000, Stock: 10})
	s.PutProduct(domain.Product{ID: cola, StoreID: burgerHouse, Name: "Cola", BasePrice: 2_000, Stock: 50})
	s.PutProduct(domain.Product{ID: bibimbap, StoreID: koreanKitchen, Name: "Bibimbap", BasePrice: 12_000, Stock: 5})
	s.PutProduct(domain.Product{ID: fries, StoreID: burgerHouse, Name: "Fries", BasePrice: 3_000, Stock: 1})
	s.PutProduct(domain.Product{ID: water, StoreID: burgerHouse, Name: "Water", BasePrice: 1_000, Stock: 10})
	s.PutProduct(domain.Product{ID: freeSample, StoreID: burgerHouse, Name: "Free sample", Stock: 5})

	toppings, err := domain.NewOptionGroup(100, "Toppings", domain.SelectMulti, true, 1, intp(2),
		domain.OptionItem{ID: cheese, Name: "Cheese", PriceDelta: 500},
		domain.OptionItem{ID: bacon, Name: "Bacon", PriceDelta: 1_000},
		domain.OptionItem{ID: noPickles, Name: "No pickles", PriceDelta: -200},
	)
	require.NoError(t, err)
	size, err := domain.NewOptionGroup(200, "Size", domain.SelectSingle, false, 0, nil,
		domain.OptionItem{ID: regular, Name: "Regular"},
		domain.OptionItem{ID: large, Name: "Large", PriceDelta: 500},
		domain.OptionItem{ID: xl, Name: "XL", PriceDelta: 1_000, Stock: intp(0)},
	)
	require.NoError(t, err)
	hidden, err := domain.NewOptionGroup(400, "Secret menu", domain.SelectSingle, false, 0, nil,
		domain.OptionItem{ID: secret, Name: "Truffle", PriceDelta: 5_000},
	)
	require.NoError(t, err)

	s.PutOptionGroup(toppings)
	s.PutOptionGroup(size)
	s.PutOptionGroup(hidden)
	s.Attach(burger, 100, true)
	s.Attach(burger, 400, false)
	s.Attach(cola, 200, true)
	return s
}

type countingRecorder struct {
	attempts atomic.Int64
	retries  atomic.Int64

	mu       sync.Mutex
	outcomes []string
}

func (r *countingRecorder) Attempt() { r.attempts.Add(1) }
func (r *countingRecorder) Retry()   { r.retries.Add(1) }
func (r *countingRecorder) Outcome(o string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *countingRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

// lockLog records granted row locks in order.
type lockLog struct {
	mu   sync.Mutex
	keys []string
}

func (l *lockLog) record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
}

func (l *lockLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

func newService(s *memory.Store, opts ...application.Option) *application.Service {
	return application.NewService(quietLogger(), s, opts...)
}

func stockOf(t *testing.T, s *memory.Store, id int64) int {
	t.Helper()
	p, ok := s.Product(id)
	require.True(t, ok)
	return p.Stock
}

func balanceOf(t *testing.T, s *memory.Store, id int64) int64 {
	t.Helper()
	b, ok := s.Buyer(id)
	require.True(t, ok)
	return b.Balance
}
