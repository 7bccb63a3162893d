// Package memory provides an in-process implementation of the order and
// catalog stores. A transaction holds the store exclusively and works on a
// private copy of the state that replaces the shared one on commit.
//
// Recorded events stay until the outbox relay marks them sent. At most
// MaxPendingEvents are kept; older ones are dropped first.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/internal/outbox"
)

// MaxPendingEvents caps the events kept for the relay.
const MaxPendingEvents = 10_000

var (
	_ order.Store        = (*Store)(nil)
	_ order.Tx           = (*tx)(nil)
	_ product.Repository = (*Catalog)(nil)
	_ outbox.Source      = (*Store)(nil)
)

// User is the subset of the user profile needed for order listings.
type User struct {
	ID    int64
	Name  string
	Email string
}

type recordedEvent struct {
	seq   int64
	event order.Event
}

type state struct {
	users       map[int64]User
	products    map[uuid.UUID]product.Product
	orders      map[int64]order.Order
	events      []recordedEvent
	nextOrderID int64
	nextSeq     int64
}

func (s *state) clone() *state {
	return &state{
		users:       maps.Clone(s.users),
		products:    maps.Clone(s.products),
		orders:      maps.Clone(s.orders),
		events:      slices.Clone(s.events),
		nextOrderID: s.nextOrderID,
		nextSeq:     s.nextSeq,
	}
}

// Store is an in-memory order and catalog store.
type Store struct {
	// sem is a one-slot semaphore held by readers briefly and by
	// transactions until Commit or Rollback.
	sem   chan struct{}
	state *state
	now   func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sem: make(chan struct{}, 1),
		state: &state{
			users:       make(map[int64]User),
			products:    make(map[uuid.UUID]product.Product),
			orders:      make(map[int64]order.Order),
			nextOrderID: 1,
			nextSeq:     1,
		},
		now: time.Now,
	}
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	<-s.sem
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u User) {
	s.sem <- struct{}{}
	defer s.release()
	s.state.users[u.ID] = u
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(p product.Product) {
	s.sem <- struct{}{}
	defer s.release()
	s.state.products[p.ID] = p
}

// Events returns the events recorded by committed transactions that were
// not yet marked sent.
func (s *Store) Events() []order.Event {
	s.sem <- struct{}{}
	defer s.release()
	out := make([]order.Event, len(s.state.events))
	for i, e := range s.state.events {
		out[i] = e.event
	}
	return out
}

// FetchPending returns up to limit unsent events, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]outbox.Message, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	events := s.state.events
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	msgs := make([]outbox.Message, len(events))
	for i, e := range events {
		msgs[i] = outbox.Message{
			Seq:     e.seq,
			OrderID: e.event.OrderID,
			Type:    string(e.event.Type),
			Payload: outbox.EncodeEvent(e.event),
		}
	}
	return msgs, nil
}

// MarkSent forgets the given events.
func (s *Store) MarkSent(ctx context.Context, seqs []int64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.state.events = slices.DeleteFunc(s.state.events, func(e recordedEvent) bool {
		return slices.Contains(seqs, e.seq)
	})
	return nil
}

// Stats aggregates orders, counting those created at or after since as
// recent. Cancelled orders are counted but add nothing to sales.
func (s *Store) Stats(ctx context.Context, since time.Time) (order.Totals, error) {
	if err := s.acquire(ctx); err != nil {
		return order.Totals{}, err
	}
	defer s.release()

	t := order.Totals{Sales: decimal.Zero, RecentSales: decimal.Zero}
	for _, o := range s.state.orders {
		recent := !o.CreatedAt.Before(since)
		t.Orders++
		if recent {
			t.RecentOrders++
		}
		if o.Status == order.StatusCancelled {
			continue
		}
		t.Sales = t.Sales.Add(o.Total)
		if recent {
			t.RecentSales = t.RecentSales.Add(o.Total)
		}
	}
	return t, nil
}

// Catalog exposes the store's products as a read-only catalog.
type Catalog struct {
	s *Store
}

// Catalog returns the product view of s.
func (s *Store) Catalog() *Catalog {
	return &Catalog{s: s}
}

// List returns catalog products ordered by name.
func (c *Catalog) List(ctx context.Context, filter product.ListFilter) ([]product.Product, error) {
	s := c.s
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	search := strings.ToLower(filter.Search)
	var out []product.Product
	for _, p := range s.state.products {
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.Description), search) {
			continue
		}
		if filter.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *filter.CategoryID) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b product.Product) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), strings.Compare(a.ID.String(), b.ID.String()))
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

// GetByID returns a single product.
func (c *Catalog) GetByID(ctx context.Context, id uuid.UUID) (*product.Product, error) {
	s := c.s
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	p, ok := s.state.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// Begin opens an exclusive transaction.
func (s *Store) Begin(ctx context.Context) (order.Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, errors.Wrap(err, "acquire store")
	}
	return &tx{store: s, st: s.state.clone()}, nil
}

// List returns one page of orders, newest first.
func (s *Store) List(ctx context.Context, filter order.ListFilter) ([]order.Order, int, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer s.release()

	search := strings.ToLower(filter.Search)
	var matched []order.Order
	for _, o := range s.state.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		u := s.state.users[o.UserID]
		if search != "" &&
			!strings.Contains(strings.ToLower(u.Name), search) &&
			!strings.Contains(strings.ToLower(u.Email), search) {
			continue
		}
		o.Customer = &order.Customer{ID: u.ID, Name: u.Name, Email: u.Email}
		matched = append(matched, o)
	}
	sortNewestFirst(matched)

	offset := (filter.Page - 1) * filter.Limit
	return paginate(matched, offset, filter.Limit), len(matched), nil
}

// ListByUser returns the user's orders, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var out []order.Order
	for _, o := range s.state.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// Get returns a single order, optionally scoped to owner.
func (s *Store) Get(ctx context.Context, id int64, owner *int64) (*order.Order, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	o, ok := s.state.orders[id]
	if !ok || (owner != nil && o.UserID != *owner) {
		return nil, order.ErrOrderNotFound
	}
	if u, ok := s.state.users[o.UserID]; ok {
		o.Customer = &order.Customer{ID: u.ID, Name: u.Name, Email: u.Email}
	}
	return &o, nil
}

type tx struct {
	store *Store
	st    *state
	done  bool
}

func (t *tx) LockProducts(_ context.Context, ids []uuid.UUID) ([]product.Product, error) {
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *tx) AdjustStock(_ context.Context, adjustments []order.StockAdjustment) error {
	next := make(map[uuid.UUID]product.Product, len(adjustments))
	for _, adj := range adjustments {
		p, ok := next[adj.ProductID]
		if !ok {
			if p, ok = t.st.products[adj.ProductID]; !ok {
				return &order.ProductNotFoundError{ProductID: adj.ProductID}
			}
		}
		p.Stock += adj.Delta
		if p.Stock < 0 {
			return order.ErrStockConflict
		}
		next[adj.ProductID] = p
	}
	maps.Copy(t.st.products, next)
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *order.Order) error {
	now := t.store.now().UTC()
	o.ID = t.st.nextOrderID
	o.CreatedAt = now
	o.UpdatedAt = now
	t.st.nextOrderID++

	stored := *o
	stored.Items = slices.Clone(o.Items)
	stored.Customer = nil
	t.st.orders[o.ID] = stored
	return nil
}

func (t *tx) LockOrder(_ context.Context, id int64) (*order.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

func (t *tx) SetStatus(_ context.Context, id int64, status order.Status) (time.Time, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return time.Time{}, order.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = t.store.now().UTC()
	t.st.orders[id] = o
	return o.UpdatedAt, nil
}

func (t *tx) AppendEvent(_ context.Context, e order.Event) error {
	t.st.events = append(t.st.events, recordedEvent{seq: t.st.nextSeq, event: e})
	t.st.nextSeq++
	if n := len(t.st.events) - MaxPendingEvents; n > 0 {
		t.st.events = t.st.events[n:]
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	if err := ctx.Err(); err != nil {
		// A cancelled caller never commits.
		_ = t.Rollback(ctx)
		return err
	}
	t.store.state = t.st
	t.done = true
	t.store.release()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.release()
	return nil
}

func sortNewestFirst(orders []order.Order) {
	slices.SortFunc(orders, func(a, b order.Order) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
