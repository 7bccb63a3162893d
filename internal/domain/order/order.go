package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-orders/internal/domain/product"
)

// Order represents a customer order. Items and Total are fixed when the
// order is created; only Status changes afterwards.
type Order struct {
	ID        int64
	UserID    int64
	Customer  *Customer
	Items     []Item
	Total     decimal.Decimal
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Customer is the owning user's public profile, joined for listings.
type Customer struct {
	ID    int64
	Name  string
	Email string
}

// Item represents a single line item in an order. Price is the product
// price captured when the order was placed.
type Item struct {
	ProductID   uuid.UUID
	ProductName string
	Quantity    int
	Price       decimal.Decimal
}

// Subtotal returns Price * Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StockAdjustment is a pending change to one product's stock that must be
// applied in the same transaction as the order rows.
type StockAdjustment struct {
	ProductID uuid.UUID
	Delta     int
}

// EventType names an order lifecycle event.
type EventType string

const (
	EventCreated       EventType = "order.created"
	EventStatusChanged EventType = "order.status_changed"
	EventCancelled     EventType = "order.cancelled"
)

// Event is recorded in the same transaction as the change it describes and
// relayed to subscribers afterwards.
type Event struct {
	ID      uuid.UUID
	Type    EventType
	OrderID int64
	UserID  int64
	Status  Status
	Total   decimal.Decimal
	Items   []Item
}

// ListFilter controls the admin order listing.
type ListFilter struct {
	Page   int
	Limit  int
	Search string
	Status Status
}

// Page is one page of an order listing.
type Page struct {
	Orders []Order
	Total  int
	Page   int
	Limit  int
	Pages  int
}

// Totals are raw order aggregates. Sales sum the totals of orders that
// were not cancelled.
type Totals struct {
	Orders       int
	RecentOrders int
	Sales        decimal.Decimal
	RecentSales  decimal.Decimal
}

// Stats summarizes orders for the admin dashboard. The change fields are
// the recent share of each total in whole percent.
type Stats struct {
	Totals
	OrdersChange int
	SalesChange  int
	Since        time.Time
}

// Store is the persistence facility for orders.
type Store interface {
	// Begin opens a transaction. Callers must defer Rollback.
	Begin(ctx context.Context) (Tx, error)
	// List returns one page of orders matching filter (already normalized)
	// and the total number of matches.
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	// Get returns ErrOrderNotFound when the order does not exist or, with a
	// non-nil owner, belongs to someone else.
	Get(ctx context.Context, id int64, owner *int64) (*Order, error)
	// Stats aggregates every order, treating those created at or after
	// since as recent.
	Stats(ctx context.Context, since time.Time) (Totals, error)
}

// Tx is a scoped transaction over catalog stock and order rows. Every
// change made through it commits or rolls back as one unit. Rollback after
// Commit is a no-op.
type Tx interface {
	// LockProducts returns the products with the given ids, locking their
	// rows until the transaction ends. Missing ids are omitted.
	LockProducts(ctx context.Context, ids []uuid.UUID) ([]product.Product, error)
	// AdjustStock applies every adjustment or fails without applying any
	// that would make stock negative.
	AdjustStock(ctx context.Context, adjustments []StockAdjustment) error
	// InsertOrder stores o and its items, filling ID, CreatedAt and UpdatedAt.
	InsertOrder(ctx context.Context, o *Order) error
	// LockOrder returns the order with its items, locking its row.
	LockOrder(ctx context.Context, id int64) (*Order, error)
	SetStatus(ctx context.Context, id int64, status Status) (time.Time, error)
	AppendEvent(ctx context.Context, e Event) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Deduplicator makes order creation replay-safe for a client supplied key.
type Deduplicator interface {
	// Reserve claims key. When the key already completed it returns the
	// stored order id with claimed == false. When another request holds the
	// key it returns ErrDuplicateRequest.
	Reserve(ctx context.Context, key string) (orderID int64, claimed bool, err error)
	Complete(ctx context.Context, key string, orderID int64) error
	Release(ctx context.Context, key string) error
}
