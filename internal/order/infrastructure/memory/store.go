// Package memory is an in-process order store with row-level exclusive
// locks and a lock wait timeout. It behaves like the Postgres store closely
// enough to exercise placement under real concurrency in tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/pkg/outbox"
)

type link struct {
	groupID int64
	enabled bool
}

type rowLock chan struct{}

type Store struct {
	mu       sync.Mutex
	products map[int64]domain.Product
	stores   map[int64]domain.Store
	buyers   map[int64]domain.Buyer
	groups   map[int64]domain.OptionGroup
	links    map[int64][]link
	orders   map[int64]domain.Order
	events   []outbox.Event
	locks    map[string]rowLock

	nextOrderID int64
	nextEventID int64
	lockTimeout time.Duration
	onLock      func(key string)
}

type Option func(*Store)

// WithLockTimeout sets how long a transaction waits for a row lock before
// failing with application.ErrContention.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLockHook calls fn with the row key ("product:7") each time a lock is
// granted.
func WithLockHook(fn func(key string)) Option {
	return func(s *Store) { s.onLock = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		products:    map[int64]domain.Product{},
		stores:      map[int64]domain.Store{},
		buyers:      map[int64]domain.Buyer{},
		groups:      map[int64]domain.OptionGroup{},
		links:       map[int64][]link{},
		orders:      map[int64]domain.Order{},
		locks:       map[string]rowLock{},
		lockTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PutStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *Store) PutBuyer(b domain.Buyer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buyers[b.ID] = b
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutOptionGroup(g domain.OptionGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// Attach links an option group to a product. Disabled links are stored but
// not offered.
func (s *Store) Attach(productID, groupID int64, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[productID] = append(s.links[productID], link{groupID: groupID, enabled: enabled})
}

func (s *Store) Product(id int64) (domain.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p, ok
}

func (s *Store) Buyer(id int64) (domain.Buyer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buyers[id]
	return b, ok
}

func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) Outbox() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	tx := &memTx{
		reader:   reader{s},
		store:    s,
		held:     map[string]rowLock{},
		stock:    map[int64]int{},
		balance:  map[int64]int64{},
		statuses: map[int64]statusChange{},
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r application.Reader) error) error {
	return fn(ctx, reader{s})
}

func (s *Store) lockFor(key string) rowLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(rowLock, 1)
		s.locks[key] = l
	}
	return l
}

type reader struct{ s *Store }

func (r reader) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (r reader) GetStore(_ context.Context, id int64) (domain.Store, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stores[id]
	if !ok {
		return domain.Store{}, domain.ErrStoreNotFound
	}
	return st, nil
}

func (r reader) GetBuyer(_ context.Context, id int64) (domain.Buyer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.buyers[id]
	if !ok {
		return domain.Buyer{}, domain.ErrBuyerNotFound
	}
	return b, nil
}

func (r reader) GetOptionGroups(_ context.Context, productID int64) ([]domain.OptionGroup, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := map[int64]bool{}
	var out []domain.OptionGroup
	for _, l := range r.s.links[productID] {
		g, ok := r.s.groups[l.groupID]
		if !ok || !l.enabled || seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		out = append(out, g)
	}
	return out, nil
}

func (r reader) GetOptionItems(_ context.Context, ids []int64) (map[int64]domain.OptionItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[int64]domain.OptionItem, len(ids))
	for _, g := range r.s.groups {
		for _, it := range g.Items {
			if want[it.ID] {
				out[it.ID] = it
			}
		}
	}
	return out, nil
}

func (r reader) GetOrder(_ context.Context, id int64) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (r reader) ListOrders(_ context.Context, buyerID int64, status domain.OrderStatus) ([]domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Order
	for _, o := range r.s.orders {
		if o.BuyerID != buyerID || (status != "" && o.Status != status) {
			continue
		}
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

type statusChange struct {
	status domain.OrderStatus
	at     time.Time
}

// memTx stages writes and applies them on commit. Row locks are held until
// the transaction ends.
type memTx struct {
	reader
	store    *Store
	held     map[string]rowLock
	stock    map[int64]int
	balance  map[int64]int64
	orders   []domain.Order
	statuses map[int64]statusChange
	events   []outbox.Event
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l := t.store.lockFor(key)
	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		t.held[key] = l
		if t.store.onLock != nil {
			t.store.onLock(key)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: lock wait timeout: %w", key, application.ErrContention)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTx) release() {
	for key, l := range t.held {
		<-l
		delete(t.held, key)
	}
}

func (t *memTx) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := t.reader.GetProduct(ctx, id)
	if err != nil {
		return p, err
	}
	if st, ok := t.stock[id]; ok {
		p.Stock = st
	}
	return p, nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		if err := t.lock(ctx, fmt.Sprintf("product:%d", id)); err != nil {
			return nil, err
		}
		p, err := t.GetProduct(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *memTx) SetProductStock(_ context.Context, id int64, stock int) error {
	if _, ok := t.held[fmt.Sprintf("product:%d", id)]; !ok {
		return fmt.Errorf("product %d is not locked", id)
	}
	if stock < 0 {
		return fmt.Errorf("product %d: stock would be %d", id, stock)
	}
	t.stock[id] = stock
	return nil
}

func (t *memTx) LockBuyer(ctx context.Context, id int64) (domain.Buyer, error) {
	if err := t.lock(ctx, fmt.Sprintf("buyer:%d", id)); err != nil {
		return domain.Buyer{}, err
	}
	b, err := t.reader.GetBuyer(ctx, id)
	if err != nil {
		return b, err
	}
	if bal, ok := t.balance[id]; ok {
		b.Balance = bal
	}
	return b, nil
}

func (t *memTx) SetBuyerBalance(_ context.Context, id int64, balance int64) error {
	if _, ok := t.held[fmt.Sprintf("buyer:%d", id)]; !ok {
		return fmt.Errorf("buyer %d is not locked", id)
	}
	if balance < 0 {
		return fmt.Errorf("buyer %d: balance would be %d", id, balance)
	}
	t.balance[id] = balance
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *domain.Order) error {
	t.store.mu.Lock()
	t.store.nextOrderID++
	o.ID = t.store.nextOrderID
	t.store.mu.Unlock()

	cp := *o
	cp.Items = slices.Clone(o.Items)
	t.orders = append(t.orders, cp)
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (domain.Order, error) {
	if err := t.lock(ctx, fmt.Sprintf("order:%d", id)); err != nil {
		return domain.Order{}, err
	}
	return t.reader.GetOrder(ctx, id)
}

func (t *memTx) SetOrderStatus(_ context.Context, id int64, status domain.OrderStatus, at time.Time) error {
	if _, ok := t.held[fmt.Sprintf("order:%d", id)]; !ok {
		return fmt.Errorf("order %d is not locked", id)
	}
	t.statuses[id] = statusChange{status: status, at: at}
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, ev outbox.Event) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range t.stock {
		p := s.products[id]
		p.Stock = st
		s.products[id] = p
	}
	for id, bal := range t.balance {
		b := s.buyers[id]
		b.Balance = bal
		s.buyers[id] = b
	}
	for _, o := range t.orders {
		s.orders[o.ID] = o
	}
	for id, ch := range t.statuses {
		o := s.orders[id]
		o.Status = ch.status
		o.UpdatedAt = ch.at
		s.orders[id] = o
	}
	for _, ev := range t.events {
		s.nextEventID++
		ev.ID = s.nextEventID
		ev.Status = outbox.StatusPending
		ev.CreatedAt = time.Now().UTC()
		s.events = append(s.events, ev)
	}
}

var _ application.Store = (*Store)(nil)
