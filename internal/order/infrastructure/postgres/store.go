package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	"github.com/dmehra2102/drone-delivery/internal/order/domain"
	"github.com/dmehra2102/drone-delivery/pkg/outbox"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{log: log, pool: pool, lockTimeout: lockTimeout}
}

// InTx runs fn in a read committed transaction whose row lock waits are
// bounded by the store's lock timeout.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx application.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	if err := fn(ctx, &pgTx{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r application.Reader) error) error {
	return fn(ctx, reader{q: s.pool})
}

type reader struct {
	q querier
}

const productColumns = `id, store_id, name, base_price, stock`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.StoreID, &p.Name, &p.BasePrice, &p.Stock)
	return p, err
}

func (r reader) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, classify(err)
	}
	return p, nil
}

func (r reader) GetStore(ctx context.Context, id int64) (domain.Store, error) {
	var st domain.Store
	err := r.q.QueryRow(ctx, `SELECT id, name, min_order_price FROM stores WHERE id=$1`, id).
		Scan(&st.ID, &st.Name, &st.MinOrderPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Store{}, domain.ErrStoreNotFound
	}
	if err != nil {
		return domain.Store{}, classify(err)
	}
	return st, nil
}

func (r reader) getBuyer(ctx context.Context, id int64, forUpdate bool) (domain.Buyer, error) {
	sql := `SELECT id, name, balance FROM buyers WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var b domain.Buyer
	err := r.q.QueryRow(ctx, sql, id).Scan(&b.ID, &b.Name, &b.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Buyer{}, domain.ErrBuyerNotFound
	}
	if err != nil {
		return domain.Buyer{}, classify(err)
	}
	return b, nil
}

func (r reader) GetBuyer(ctx context.Context, id int64) (domain.Buyer, error) {
	return r.getBuyer(ctx, id, false)
}

func (r reader) GetOptionGroups(ctx context.Context, productID int64) ([]domain.OptionGroup, error) {
	rows, err := r.q.Query(ctx, `
		SELECT g.id, g.name, g.select_mode, g.required, g.min_select, g.max_select
		FROM option_groups g
		JOIN product_option_groups pg ON pg.group_id = g.id
		WHERE pg.product_id = $1 AND pg.enabled
		ORDER BY g.id
	`, productID)
	if err != nil {
		return nil, classify(err)
	}
	type groupRow struct {
		id        int64
		name      string
		mode      string
		required  bool
		minSelect int
		maxSelect *int
	}
	var groupRows []groupRow
	for rows.Next() {
		var g groupRow
		if err := rows.Scan(&g.id, &g.name, &g.mode, &g.required, &g.minSelect, &g.maxSelect); err != nil {
			rows.Close()
			return nil, err
		}
		groupRows = append(groupRows, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(groupRows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(groupRows))
	for _, g := range groupRows {
		ids = append(ids, g.id)
	}
	items, err := r.queryItems(ctx, `WHERE group_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byGroup := map[int64][]domain.OptionItem{}
	for _, it := range items {
		byGroup[it.GroupID] = append(byGroup[it.GroupID], it)
	}

	groups := make([]domain.OptionGroup, 0, len(groupRows))
	for _, g := range groupRows {
		og, err := domain.NewOptionGroup(g.id, g.name, domain.SelectMode(g.mode), g.required, g.minSelect, g.maxSelect, byGroup[g.id]...)
		if err != nil {
			return nil, err
		}
		groups = append(groups, og)
	}
	return groups, nil
}

func (r reader) GetOptionItems(ctx context.Context, ids []int64) (map[int64]domain.OptionItem, error) {
	items, err := r.queryItems(ctx, `WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.OptionItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func (r reader) queryItems(ctx context.Context, where string, ids []int64) ([]domain.OptionItem, error) {
	rows, err := r.q.Query(ctx, `SELECT id, group_id, name, price_delta, stock FROM option_items `+where+` ORDER BY id`, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var items []domain.OptionItem
	for rows.Next() {
		var it domain.OptionItem
		if err := rows.Scan(&it.ID, &it.GroupID, &it.Name, &it.PriceDelta, &it.Stock); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, classify(rows.Err())
}

const orderColumns = `id, buyer_id, store_id, status, total_price, summary, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.StoreID, &o.Status, &o.TotalPrice, &o.Summary, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (r reader) getOrder(ctx context.Context, id int64, forUpdate bool) (domain.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(r.q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, classify(err)
	}
	items, err := r.loadItems(ctx, []int64{id})
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

func (r reader) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return r.getOrder(ctx, id, false)
}

func (r reader) ListOrders(ctx context.Context, buyerID int64, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC, id DESC
	`, buyerID, string(status))
	if err != nil {
		return nil, classify(err)
	}
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (r reader) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	rows, err := r.q.Query(ctx, `
		SELECT order_id, product_id, product_name, unit_price, quantity, line_total, options
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[int64][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var orderID int64
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity, &item.LineTotal, &item.Options); err != nil {
			return nil, err
		}
		out[orderID] = append(out[orderID], item)
	}
	return out, classify(rows.Err())
}

type pgTx struct {
	reader
	tx pgx.Tx
}

// LockProducts issues one SELECT ... FOR UPDATE per id, in the given order,
// in a single batch round trip.
func (t *pgTx) LockProducts(ctx context.Context, ids []int64) ([]domain.Product, error) {
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]domain.Product, 0, len(ids))
	for range ids {
		p, err := scanProduct(br.QueryRow())
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *pgTx) SetProductStock(ctx context.Context, id int64, stock int) error {
	ct, err := t.tx.Exec(ctx, `UPDATE products SET stock=$2 WHERE id=$1`, id, stock)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (t *pgTx) LockBuyer(ctx context.Context, id int64) (domain.Buyer, error) {
	return t.getBuyer(ctx, id, true)
}

func (t *pgTx) SetBuyerBalance(ctx context.Context, id int64, balance int64) error {
	ct, err := t.tx.Exec(ctx, `UPDATE buyers SET balance=$2 WHERE id=$1`, id, balance)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrBuyerNotFound
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (buyer_id, store_id, status, total_price, summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, o.BuyerID, o.StoreID, string(o.Status), o.TotalPrice, o.Summary, o.CreatedAt, o.UpdatedAt).Scan(&o.ID)
	if err != nil {
		return classify(err)
	}

	batch := &pgx.Batch{}
	for i, item := range o.Items {
		options := item.Options
		if options == nil {
			options = []domain.OptionSnapshot{}
		}
		batch.Queue(`INSERT INTO order_items (order_id, line_no, product_id, product_name, unit_price, quantity, line_total, options)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			o.ID, i, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.LineTotal, options)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (domain.Order, error) {
	return t.getOrder(ctx, id, true)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev outbox.Event) error {
	headers := ev.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		ev.AggregateType, ev.AggregateID, ev.Type, ev.Payload, headers, ev.Traceparent)
	return classify(err)
}

var _ application.Store = (*Store)(nil)
