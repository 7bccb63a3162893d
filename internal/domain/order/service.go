package order

import (
	"bytes"
	"context"
	"math"
	"slices"
	"time"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/internal/domain/product"
)

// Listing limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// MaxQuantity bounds the total quantity of one product in a single order.
// It matches the width of the stock and quantity columns.
const MaxQuantity = math.MaxInt32

// StatsWindow is the recent period reported by Stats.
const StatsWindow = 30 * 24 * time.Hour

// ErrStockConflict is returned by a Tx when a stock adjustment would drive
// a product below zero despite the row lock.
var ErrStockConflict = errors.New("stock changed concurrently")

// LineRequest is one requested line of a new order.
type LineRequest struct {
	ProductID uuid.UUID
	Quantity  int
}

// CreateRequest holds the input for placing an order.
type CreateRequest struct {
	UserID int64
	Items  []LineRequest
	// IdempotencyKey, when set, makes retries of the same request return
	// the order created by the first attempt.
	IdempotencyKey string
}

// Service encapsulates the order lifecycle: placement with stock
// reservation, status changes, and cancellation with stock restoration.
type Service struct {
	store Store
	dedup Deduplicator
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDeduplicator enables idempotency keys on Create.
func WithDeduplicator(d Deduplicator) Option {
	return func(s *Service) {
		s.dedup = d
	}
}

// WithClock overrides the time source used by Stats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an order Service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the request, reserves stock, and persists the order in a
// single transaction. Either the order, its items and every stock decrement
// are committed together, or nothing is.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if err := validateLines(req.Items); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" || s.dedup == nil {
		return s.create(ctx, req)
	}

	key := dedupKey(req.UserID, req.IdempotencyKey)
	existing, claimed, err := s.dedup.Reserve(ctx, key)
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return nil, err
		}
		return nil, errors.Wrap(err, "reserve idempotency key")
	}
	if !claimed {
		return s.store.Get(ctx, existing, &req.UserID)
	}

	o, err := s.create(ctx, req)
	if err != nil {
		if rerr := s.dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
			zctx.From(ctx).Warn("Release idempotency key", zap.String("key", key), zap.Error(rerr))
		}
		return nil, err
	}
	if err := s.dedup.Complete(context.WithoutCancel(ctx), key, o.ID); err != nil {
		// The order is already committed. The pending key expires shortly.
		zctx.From(ctx).Warn("Complete idempotency key", zap.String("key", key), zap.Int64("order_id", o.ID), zap.Error(err))
	}
	return o, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*Order, error) {
	// Total demand per product, so repeated lines are checked together.
	demand := make(map[uuid.UUID]int, len(req.Items))
	ids := make([]uuid.UUID, 0, len(req.Items))
	for _, line := range req.Items {
		if _, ok := demand[line.ProductID]; !ok {
			ids = append(ids, line.ProductID)
		}
		demand[line.ProductID] += line.Quantity
	}
	// Lock rows in a stable order so concurrent orders cannot deadlock.
	slices.SortFunc(ids, compareIDs)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "lock products")
	}
	products := make(map[uuid.UUID]product.Product, len(locked))
	for _, p := range locked {
		products[p.ID] = p
	}

	for _, line := range req.Items {
		p, ok := products[line.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: line.ProductID}
		}
		if want := demand[p.ID]; want > p.Stock {
			return nil, &InsufficientStockError{
				ProductID: p.ID,
				Name:      p.Name,
				Available: p.Stock,
				Requested: want,
			}
		}
	}

	items := make([]Item, len(req.Items))
	total := decimal.Zero
	for i, line := range req.Items {
		p := products[line.ProductID]
		items[i] = Item{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    line.Quantity,
			Price:       p.Price,
		}
		total = total.Add(items[i].Subtotal())
	}

	o := &Order{
		UserID: req.UserID,
		Items:  items,
		Total:  total.Round(2),
		Status: StatusPending,
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	adjustments := make([]StockAdjustment, len(ids))
	for i, id := range ids {
		adjustments[i] = StockAdjustment{ProductID: id, Delta: -demand[id]}
	}
	if err := tx.AdjustStock(ctx, adjustments); err != nil {
		return nil, errors.Wrap(err, "reserve stock")
	}

	if err := tx.AppendEvent(ctx, newEvent(EventCreated, o)); err != nil {
		return nil, errors.Wrap(err, "record event")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return o, nil
}

// List returns one page of all orders, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) (*Page, error) {
	if filter.Page == 0 {
		filter.Page = 1
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Page < 0 || filter.Limit < 0 {
		return nil, ErrInvalidPage
	}
	filter.Limit = min(filter.Limit, MaxLimit)
	filter.Search = strings.TrimSpace(filter.Search)
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &InvalidStatusError{Value: string(filter.Status)}
	}

	orders, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if orders == nil {
		orders = []Order{}
	}
	return &Page{
		Orders: orders,
		Total:  total,
		Page:   filter.Page,
		Limit:  filter.Limit,
		Pages:  (total + filter.Limit - 1) / filter.Limit,
	}, nil
}

// ListForUser returns every order owned by userID, newest first.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]Order, error) {
	orders, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list user orders")
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}

// Get returns the order with the given id. A non-nil owner restricts the
// lookup to that user's orders.
func (s *Service) Get(ctx context.Context, id int64, owner *int64) (*Order, error) {
	o, err := s.store.Get(ctx, id, owner)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "get order %d", id)
	}
	return o, nil
}

// Stats returns order aggregates over all time and over the last
// StatsWindow.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	since := s.now().Add(-StatsWindow).UTC()
	t, err := s.store.Stats(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "order stats")
	}
	st := &Stats{Totals: t, Since: since}
	if t.Orders > 0 {
		st.OrdersChange = int(decimal.NewFromInt(int64(t.RecentOrders)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(t.Orders))).
			Round(0).IntPart())
	}
	if t.Sales.IsPositive() {
		st.SalesChange = int(t.RecentSales.Mul(decimal.NewFromInt(100)).Div(t.Sales).Round(0).IntPart())
	}
	return st, nil
}

// UpdateStatus moves an order to status. Moving to Cancelled restores stock
// exactly as Cancel does.
func (s *Service) UpdateStatus(ctx context.Context, id int64, status Status) (*Order, error) {
	o, _, err := s.updateStatus(ctx, id, status)
	return o, err
}

// updateStatus reports whether the order's status actually changed.
func (s *Service) updateStatus(ctx context.Context, id int64, status Status) (*Order, bool, error) {
	if !status.Valid() {
		return nil, false, &InvalidStatusError{Value: string(status)}
	}
	if status == StatusCancelled {
		return s.cancel(ctx, id, nil)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := s.lockOrder(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if o.Status == status {
		return o, false, nil
	}
	if !o.Status.CanTransitionTo(status) {
		return nil, false, &InvalidTransitionError{OrderID: id, From: o.Status, To: status}
	}

	updatedAt, err := tx.SetStatus(ctx, id, status)
	if err != nil {
		return nil, false, errors.Wrap(err, "set status")
	}
	o.Status = status
	o.UpdatedAt = updatedAt

	if err := tx.AppendEvent(ctx, newEvent(EventStatusChanged, o)); err != nil {
		return nil, false, errors.Wrap(err, "record event")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit")
	}
	return o, true, nil
}

// Cancel cancels an order on behalf of p and restores the stock it
// reserved. Non-admins may only cancel their own orders. Cancelling an
// already cancelled order returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id int64, p auth.Principal) (*Order, error) {
	o, _, err := s.cancel(ctx, id, &p)
	return o, err
}

// cancel runs the cancellation transaction and reports whether it restored
// stock. A nil principal skips the ownership check.
func (s *Service) cancel(ctx context.Context, id int64, p *auth.Principal) (*Order, bool, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := s.lockOrder(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if p != nil && !p.IsAdmin() && o.UserID != p.UserID {
		return nil, false, ErrForbidden
	}
	// The status check runs under the row lock, so two concurrent cancels
	// cannot both restore stock.
	if o.Status == StatusCancelled {
		return o, false, nil
	}
	if !o.Status.Cancellable() {
		return nil, false, &InvalidTransitionError{OrderID: id, From: o.Status, To: StatusCancelled}
	}

	restore := make(map[uuid.UUID]int, len(o.Items))
	ids := make([]uuid.UUID, 0, len(o.Items))
	for _, item := range o.Items {
		if _, ok := restore[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		restore[item.ProductID] += item.Quantity
	}
	slices.SortFunc(ids, compareIDs)

	adjustments := make([]StockAdjustment, len(ids))
	for i, pid := range ids {
		adjustments[i] = StockAdjustment{ProductID: pid, Delta: restore[pid]}
	}
	if err := tx.AdjustStock(ctx, adjustments); err != nil {
		return nil, false, errors.Wrap(err, "restore stock")
	}

	updatedAt, err := tx.SetStatus(ctx, id, StatusCancelled)
	if err != nil {
		return nil, false, errors.Wrap(err, "set status")
	}
	o.Status = StatusCancelled
	o.UpdatedAt = updatedAt

	if err := tx.AppendEvent(ctx, newEvent(EventCancelled, o)); err != nil {
		return nil, false, errors.Wrap(err, "record event")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit")
	}
	return o, true, nil
}

func (s *Service) lockOrder(ctx context.Context, tx Tx, id int64) (*Order, error) {
	o, err := tx.LockOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "lock order %d", id)
	}
	return o, nil
}

func validateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return ErrEmptyItems
	}
	totals := make(map[uuid.UUID]int, len(lines))
	for _, line := range lines {
		if line.ProductID == uuid.Nil {
			return ErrInvalidProductID
		}
		if line.Quantity <= 0 || line.Quantity > MaxQuantity {
			return &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
		// Compared by subtraction so the running sum never overflows.
		sum := totals[line.ProductID]
		if line.Quantity > MaxQuantity-sum {
			return &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
		}
		totals[line.ProductID] = sum + line.Quantity
	}
	return nil
}

func newEvent(t EventType, o *Order) Event {
	return Event{
		ID:      uuid.New(),
		Type:    t,
		OrderID: o.ID,
		UserID:  o.UserID,
		Status:  o.Status,
		Total:   o.Total,
		Items:   o.Items,
	}
}

func dedupKey(userID int64, key string) string {
	return strings.Join([]string{"order", strconv.FormatInt(userID, 10), key}, ":")
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
