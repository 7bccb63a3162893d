package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/internal/outbox"
)

const (
	orderColumns = `o.id, o.user_id, o.total, o.status::text, o.created_at, o.updated_at,
		COALESCE(u.name, ''), COALESCE(u.email, '')`

	orderFilterSQL = `($1::text = '' OR u.name ILIKE '%' || $1 || '%' ESCAPE '\' OR u.email ILIKE '%' || $1 || '%' ESCAPE '\')
		  AND ($2::text = '' OR o.status::text = $2)`

	listOrdersSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE ` + orderFilterSQL + `
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $3 OFFSET $4`

	countOrdersSQL = `SELECT count(*)
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE ` + orderFilterSQL

	listOrdersByUserSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id DESC`

	getOrderSQL = `SELECT ` + orderColumns + `
		FROM orders o LEFT JOIN users u ON u.id = o.user_id
		WHERE o.id = $1 AND ($2::bigint IS NULL OR o.user_id = $2)`

	lockOrderSQL = `SELECT id, user_id, total, status::text, created_at, updated_at
		FROM orders WHERE id = $1 FOR UPDATE`

	orderItemsSQL = `SELECT oi.order_id, oi.product_id, COALESCE(p.name, ''), oi.quantity, oi.price
		FROM order_items oi LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1)
		ORDER BY oi.order_id, oi.id`

	lockProductsSQL = `SELECT ` + productColumns + `
		FROM products
		WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE`

	adjustStockSQL = `UPDATE products
		SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0`

	insertOrderSQL = `INSERT INTO orders (user_id, total, status)
		VALUES ($1, $2, $3::order_status)
		RETURNING id, created_at, updated_at`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, price)
		VALUES ($1, $2, $3, $4)`

	setStatusSQL = `UPDATE orders SET status = $2::order_status, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	insertEventSQL = `INSERT INTO order_events (event_id, order_id, type, payload)
		VALUES ($1, $2, $3, $4)`

	orderStatsSQL = `SELECT count(*),
		count(*) FILTER (WHERE created_at >= $1),
		COALESCE(sum(total) FILTER (WHERE status <> 'Cancelled'), 0),
		COALESCE(sum(total) FILTER (WHERE status <> 'Cancelled' AND created_at >= $1), 0)
		FROM orders`
)

var (
	_ order.Store = (*OrderStore)(nil)
	_ order.Tx    = (*orderTx)(nil)
)

// OrderStore implements order.Store backed by PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Begin opens a read committed transaction. Row locks taken through the
// returned Tx serialize competing writers.
func (s *OrderStore) Begin(ctx context.Context) (order.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &orderTx{tx: tx}, nil
}

// List returns one page of orders, newest first, with the total match count.
func (s *OrderStore) List(ctx context.Context, filter order.ListFilter) ([]order.Order, int, error) {
	search := escapeLike(filter.Search)
	status := string(filter.Status)

	var total int
	if err := s.pool.QueryRow(ctx, countOrdersSQL, search, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting orders: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	rows, err := s.pool.Query(ctx, listOrdersSQL, search, status, filter.Limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders: %w", err)
	}

	if err := loadItems(ctx, s.pool, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListByUser returns every order owned by userID, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}

	if err := loadItems(ctx, s.pool, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Get returns a single order with its items.
func (s *OrderStore) Get(ctx context.Context, id int64, owner *int64) (*order.Order, error) {
	rows, err := s.pool.Query(ctx, getOrderSQL, id, owner)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	orders := []order.Order{o}
	if err := loadItems(ctx, s.pool, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// querier is satisfied by both the pool and an open transaction.
// Stats aggregates every order in one scan.
func (s *OrderStore) Stats(ctx context.Context, since time.Time) (order.Totals, error) {
	var t order.Totals
	if err := s.pool.QueryRow(ctx, orderStatsSQL, since).
		Scan(&t.Orders, &t.RecentOrders, &t.Sales, &t.RecentSales); err != nil {
		return order.Totals{}, fmt.Errorf("aggregating orders: %w", err)
	}
	return t, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// loadItems fills Items of every order with one query.
func loadItems(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := q.Query(ctx, orderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID int64
			item    order.Item
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.Price); err != nil {
			return fmt.Errorf("scanning order item: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading order items: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
		c      order.Customer
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &o.Total, &status, &o.CreatedAt, &o.UpdatedAt, &c.Name, &c.Email,
	); err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	c.ID = o.UserID
	o.Customer = &c
	return o, nil
}

type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) LockProducts(ctx context.Context, ids []uuid.UUID) ([]product.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	rows, err := t.tx.Query(ctx, lockProductsSQL, keys)
	if err != nil {
		return nil, fmt.Errorf("locking products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func (t *orderTx) AdjustStock(ctx context.Context, adjustments []order.StockAdjustment) error {
	for _, adj := range adjustments {
		tag, err := t.tx.Exec(ctx, adjustStockSQL, adj.ProductID, adj.Delta)
		if err != nil {
			return fmt.Errorf("adjusting stock of %s: %w", adj.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			// The row is locked, so a miss means the guard rejected it.
			return errors.Wrapf(order.ErrStockConflict, "product %s", adj.ProductID)
		}
	}
	return nil
}

func (t *orderTx) InsertOrder(ctx context.Context, o *order.Order) error {
	if err := t.tx.QueryRow(ctx, insertOrderSQL, o.UserID, o.Total, string(o.Status)).
		Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(insertOrderItemSQL, o.ID, item.ProductID, item.Quantity, item.Price)
	}
	br := t.tx.SendBatch(ctx, batch)
	for range o.Items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("inserting order items: %w", err)
		}
	}
	return br.Close()
}

func (t *orderTx) LockOrder(ctx context.Context, id int64) (*order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := t.tx.QueryRow(ctx, lockOrderSQL, id).
		Scan(&o.ID, &o.UserID, &o.Total, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("locking order %d: %w", id, err)
	}
	o.Status = order.Status(status)

	orders := []order.Order{o}
	if err := loadItems(ctx, t.tx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (t *orderTx) SetStatus(ctx context.Context, id int64, status order.Status) (time.Time, error) {
	var updatedAt time.Time
	if err := t.tx.QueryRow(ctx, setStatusSQL, id, string(status)).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, order.ErrOrderNotFound
		}
		return time.Time{}, fmt.Errorf("setting status of order %d: %w", id, err)
	}
	return updatedAt, nil
}

func (t *orderTx) AppendEvent(ctx context.Context, e order.Event) error {
	payload := outbox.EncodeEvent(e)
	if _, err := t.tx.Exec(ctx, insertEventSQL, e.ID, e.OrderID, string(e.Type), payload); err != nil {
		return fmt.Errorf("appending %s event: %w", e.Type, err)
	}
	return nil
}

func (t *orderTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *orderTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE wildcards so search terms match literally.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

