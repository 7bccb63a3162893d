package order_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/internal/idempotency"
	"github.com/xenking/storefront-orders/internal/storage/memory"
)

// --- Helpers ---

var (
	customer = auth.Principal{UserID: 1, Email: "ana@example.com", Role: auth.RoleUser}
	stranger = auth.Principal{UserID: 2, Email: "bob@example.com", Role: auth.RoleUser}
	admin    = auth.Principal{UserID: 99, Email: "admin@example.com", Role: auth.RoleAdmin}
)

func newStore(t *testing.T, products ...product.Product) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutUser(memory.User{ID: customer.UserID, Name: "Ana", Email: customer.Email})
	s.PutUser(memory.User{ID: stranger.UserID, Name: "Bob", Email: stranger.Email})
	for _, p := range products {
		s.PutProduct(p)
	}
	return s
}

func newProduct(name, price string, stock int) product.Product {
	return product.Product{
		ID:    uuid.New(),
		Name:  name,
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
}

func stockOf(t *testing.T, s *memory.Store, id uuid.UUID) int {
	t.Helper()
	p, err := s.Catalog().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func place(t *testing.T, svc *order.Service, userID int64, lines ...order.LineRequest) *order.Order {
	t.Helper()
	o, err := svc.Create(context.Background(), order.CreateRequest{UserID: userID, Items: lines})
	require.NoError(t, err)
	return o
}

func line(p product.Product, qty int) order.LineRequest {
	return order.LineRequest{ProductID: p.ID, Quantity: qty}
}

// --- Create ---

func TestCreate_ReservesStock(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)

	o := place(t, svc, customer.UserID, line(p, 2))

	assert.NotZero(t, o.ID)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "20.00", o.Total.StringFixed(2))
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Waffle", o.Items[0].ProductName)
	assert.True(t, o.Items[0].Price.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, 3, stockOf(t, s, p.ID))

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, order.EventCreated, events[0].Type)
	assert.Equal(t, o.ID, events[0].OrderID)
}

func TestCreate_InsufficientStock(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	place(t, svc, customer.UserID, line(p, 2))

	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(p, 5)},
	})

	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, p.ID, stockErr.ProductID)
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 5, stockErr.Requested)
	assert.Equal(t, 3, stockOf(t, s, p.ID))
}

func TestCreate_NothingReservedOnPartialFailure(t *testing.T) {
	a := newProduct("Latte", "3.50", 10)
	b := newProduct("Brownie", "4.00", 1)
	s := newStore(t, a, b)
	svc := order.NewService(s)

	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(a, 2), line(b, 2)},
	})

	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, b.ID, stockErr.ProductID)
	assert.Equal(t, 10, stockOf(t, s, a.ID))
	assert.Equal(t, 1, stockOf(t, s, b.ID))

	orders, err := svc.ListForUser(context.Background(), customer.UserID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreate_UnknownProduct(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	missing := uuid.New()

	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(p, 1), {ProductID: missing, Quantity: 1}},
	})

	var pnf *order.ProductNotFoundError
	require.ErrorAs(t, err, &pnf)
	assert.Equal(t, missing, pnf.ProductID)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func TestCreate_RepeatedProductCheckedTogether(t *testing.T) {
	p := newProduct("Waffle", "10.00", 3)
	s := newStore(t, p)
	svc := order.NewService(s)

	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(p, 2), line(p, 2)},
	})

	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 3, stockOf(t, s, p.ID))

	o := place(t, svc, customer.UserID, line(p, 1), line(p, 2))
	assert.Len(t, o.Items, 2)
	assert.Equal(t, "30.00", o.Total.StringFixed(2))
	assert.Zero(t, stockOf(t, s, p.ID))
}

func TestCreate_Validation(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	svc := order.NewService(newStore(t, p))

	tests := []struct {
		name  string
		lines []order.LineRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "NoItems",
			lines: nil,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, order.ErrEmptyItems) },
		},
		{
			name:  "NilProduct",
			lines: []order.LineRequest{{Quantity: 1}},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, order.ErrInvalidProductID) },
		},
		{
			name:  "ZeroQuantity",
			lines: []order.LineRequest{line(p, 0)},
			check: func(t *testing.T, err error) {
				var qErr *order.InvalidQuantityError
				assert.ErrorAs(t, err, &qErr)
			},
		},
		{
			name:  "NegativeQuantity",
			lines: []order.LineRequest{line(p, -1)},
			check: func(t *testing.T, err error) {
				var qErr *order.InvalidQuantityError
				assert.ErrorAs(t, err, &qErr)
			},
		},		{
			name:  "QuantityAboveMax",
			lines: []order.LineRequest{line(p, order.MaxQuantity+1)},
			check: func(t *testing.T, err error) {
				var qErr *order.InvalidQuantityError
				require.ErrorAs(t, err, &qErr)
				assert.Equal(t, order.MaxQuantity+1, qErr.Quantity)
			},
		},
		{
			name:  "RepeatedLinesAboveMax",
			lines: []order.LineRequest{line(p, order.MaxQuantity), line(p, 1)},
			check: func(t *testing.T, err error) {
				var qErr *order.InvalidQuantityError
				assert.ErrorAs(t, err, &qErr)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), order.CreateRequest{UserID: customer.UserID, Items: tt.lines})
			require.Error(t, err)
			assert.True(t, order.IsValidation(err))
			tt.check(t, err)
		})
	}
}

func TestCreate_HugeQuantitiesNeverCreditStock(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)

	// Summed naively these lines wrap around to a negative demand.
	huge := 1 << 62
	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(p, huge), line(p, huge), line(p, huge), line(p, huge-1)},
	})
	require.Error(t, err)
	assert.True(t, order.IsValidation(err))
	assert.Equal(t, 5, stockOf(t, s, p.ID))
	assert.Empty(t, s.Events())

	// Many lines each within bounds are still checked as one total.
	lines := make([]order.LineRequest, 3)
	for i := range lines {
		lines[i] = line(p, order.MaxQuantity)
	}
	_, err = svc.Create(context.Background(), order.CreateRequest{UserID: customer.UserID, Items: lines})
	var qErr *order.InvalidQuantityError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func TestCreate_SnapshotsPrice(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 1))

	p.Price = decimal.RequireFromString("99.00")
	p.Stock = 4
	s.PutProduct(p)

	got, err := svc.Get(context.Background(), o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.Items[0].Price.StringFixed(2))
	assert.Equal(t, "10.00", got.Total.StringFixed(2))
}

func TestCreate_ConcurrentOrdersNeverOversell(t *testing.T) {
	p := newProduct("Limited", "1.00", 10)
	s := newStore(t, p)
	svc := order.NewService(s)

	const workers = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		placed   int
		rejected int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), order.CreateRequest{
				UserID: customer.UserID,
				Items:  []order.LineRequest{line(p, 1)},
			})
			mu.Lock()
			defer mu.Unlock()
			var stockErr *order.InsufficientStockError
			switch {
			case err == nil:
				placed++
			case errors.As(err, &stockErr):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, placed)
	assert.Equal(t, workers-10, rejected)
	assert.Zero(t, stockOf(t, s, p.ID))
}

// --- Idempotency ---

func TestCreate_IdempotencyKeyReplaysOrder(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s, order.WithDeduplicator(idempotency.NewMemory(0)))
	req := order.CreateRequest{
		UserID:         customer.UserID,
		Items:          []order.LineRequest{line(p, 2)},
		IdempotencyKey: "checkout-1",
	}

	first, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, stockOf(t, s, p.ID))
}

func TestCreate_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	p := newProduct("Waffle", "10.00", 1)
	s := newStore(t, p)
	svc := order.NewService(s, order.WithDeduplicator(idempotency.NewMemory(0)))
	req := order.CreateRequest{
		UserID:         customer.UserID,
		Items:          []order.LineRequest{line(p, 2)},
		IdempotencyKey: "checkout-1",
	}

	_, err := svc.Create(context.Background(), req)
	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)

	p.Stock = 2
	s.PutProduct(p)
	o, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, stockOf(t, s, p.ID))
	assert.NotZero(t, o.ID)
}

func TestCreate_IdempotencyKeyScopedPerUser(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s, order.WithDeduplicator(idempotency.NewMemory(0)))

	a, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID, Items: []order.LineRequest{line(p, 1)}, IdempotencyKey: "k",
	})
	require.NoError(t, err)
	b, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: stranger.UserID, Items: []order.LineRequest{line(p, 1)}, IdempotencyKey: "k",
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 3, stockOf(t, s, p.ID))
}

// --- Cancel ---

func TestCancel_RestoresStock(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	got, err := svc.Cancel(context.Background(), o.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, 5, stockOf(t, s, p.ID))

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, order.EventCancelled, events[1].Type)
}

func TestCancel_Twice(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	_, err := svc.Cancel(context.Background(), o.ID, customer)
	require.NoError(t, err)
	got, err := svc.Cancel(context.Background(), o.ID, customer)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
	assert.Len(t, s.Events(), 2)
}

func TestCancel_ConcurrentRestoresOnce(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Cancel(context.Background(), o.ID, customer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func TestCancel_Ownership(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	_, err := svc.Cancel(context.Background(), o.ID, stranger)
	require.ErrorIs(t, err, order.ErrForbidden)
	assert.Equal(t, 3, stockOf(t, s, p.ID))

	got, err := svc.Cancel(context.Background(), o.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func TestCancel_NotFound(t *testing.T) {
	svc := order.NewService(newStore(t))

	_, err := svc.Cancel(context.Background(), 404, customer)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestCancel_AfterShipping(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	_, err := svc.UpdateStatus(context.Background(), o.ID, order.StatusShipped)
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), o.ID, customer)
	var trErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, order.StatusShipped, trErr.From)
	assert.Equal(t, 3, stockOf(t, s, p.ID))
}

// --- UpdateStatus ---

func TestUpdateStatus_NoStockChange(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	got, err := svc.UpdateStatus(context.Background(), o.ID, order.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.Equal(t, 3, stockOf(t, s, p.ID))

	got, err = svc.UpdateStatus(context.Background(), o.ID, order.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, got.Status)
	assert.Equal(t, 3, stockOf(t, s, p.ID))
}

func TestUpdateStatus_CancelledRestoresStock(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 2))

	_, err := svc.UpdateStatus(context.Background(), o.ID, order.StatusProcessing)
	require.NoError(t, err)
	got, err := svc.UpdateStatus(context.Background(), o.ID, order.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, 5, stockOf(t, s, p.ID))

	// Repeating the update must not restore stock again.
	_, err = svc.UpdateStatus(context.Background(), o.ID, order.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func TestUpdateStatus_Rejected(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 1))

	_, err := svc.UpdateStatus(context.Background(), o.ID, order.Status("Lost"))
	var stErr *order.InvalidStatusError
	require.ErrorAs(t, err, &stErr)

	_, err = svc.UpdateStatus(context.Background(), o.ID, order.StatusDelivered)
	var trErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, order.StatusPending, trErr.From)
	assert.Equal(t, order.StatusDelivered, trErr.To)

	_, err = svc.UpdateStatus(context.Background(), 404, order.StatusShipped)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestUpdateStatus_SameStatusIsNoop(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(s)
	o := place(t, svc, customer.UserID, line(p, 1))

	got, err := svc.UpdateStatus(context.Background(), o.ID, order.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Len(t, s.Events(), 1)
}

// --- Reads ---

func TestGet_OwnerScope(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	svc := order.NewService(newStore(t, p))
	o := place(t, svc, customer.UserID, line(p, 1))

	got, err := svc.Get(context.Background(), o.ID, &customer.UserID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	require.NotNil(t, got.Customer)
	assert.Equal(t, "Ana", got.Customer.Name)

	_, err = svc.Get(context.Background(), o.ID, &stranger.UserID)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestList_Pagination(t *testing.T) {
	p := newProduct("Waffle", "1.00", 100)
	svc := order.NewService(newStore(t, p))
	for range 3 {
		place(t, svc, customer.UserID, line(p, 1))
	}
	for range 2 {
		place(t, svc, stranger.UserID, line(p, 1))
	}

	page, err := svc.List(context.Background(), order.ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	assert.Equal(t, 2, page.Page)
	assert.Len(t, page.Orders, 2)

	page, err = svc.List(context.Background(), order.ListFilter{Search: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, order.DefaultLimit, page.Limit)

	page, err = svc.List(context.Background(), order.ListFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, order.MaxLimit, page.Limit)

	page, err = svc.List(context.Background(), order.ListFilter{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page.Orders)
	assert.NotNil(t, page.Orders)

	_, err = svc.List(context.Background(), order.ListFilter{Page: -1})
	assert.ErrorIs(t, err, order.ErrInvalidPage)

	_, err = svc.List(context.Background(), order.ListFilter{Status: "Lost"})
	var stErr *order.InvalidStatusError
	assert.ErrorAs(t, err, &stErr)
}

func TestList_StatusFilter(t *testing.T) {
	p := newProduct("Waffle", "1.00", 100)
	svc := order.NewService(newStore(t, p))
	a := place(t, svc, customer.UserID, line(p, 1))
	place(t, svc, customer.UserID, line(p, 1))
	_, err := svc.UpdateStatus(context.Background(), a.ID, order.StatusShipped)
	require.NoError(t, err)

	page, err := svc.List(context.Background(), order.ListFilter{Status: order.StatusShipped})
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, a.ID, page.Orders[0].ID)
}

func TestListForUser(t *testing.T) {
	p := newProduct("Waffle", "1.00", 100)
	svc := order.NewService(newStore(t, p))
	first := place(t, svc, customer.UserID, line(p, 1))
	second := place(t, svc, customer.UserID, line(p, 1))
	place(t, svc, stranger.UserID, line(p, 1))

	orders, err := svc.ListForUser(context.Background(), customer.UserID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)

	orders, err = svc.ListForUser(context.Background(), 12345)
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)
}

// --- Stats ---

func TestStats(t *testing.T) {
	p := newProduct("Waffle", "10.00", 100)
	s := newStore(t, p)
	svc := order.NewService(s)
	ctx := context.Background()

	empty, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Orders)
	assert.Zero(t, empty.OrdersChange)
	assert.Zero(t, empty.SalesChange)
	assert.True(t, empty.Sales.IsZero())

	place(t, svc, customer.UserID, line(p, 2))
	place(t, svc, stranger.UserID, line(p, 3))
	cancelled := place(t, svc, customer.UserID, line(p, 1))
	_, err = svc.Cancel(ctx, cancelled.ID, customer)
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Orders)
	assert.Equal(t, 3, st.RecentOrders)
	assert.Equal(t, "50.00", st.Sales.StringFixed(2))
	assert.Equal(t, "50.00", st.RecentSales.StringFixed(2))
	assert.Equal(t, 100, st.OrdersChange)
	assert.Equal(t, 100, st.SalesChange)

	// Seen from two windows later nothing is recent.
	later := order.NewService(s, order.WithClock(func() time.Time {
		return time.Now().Add(2 * order.StatsWindow)
	}))
	st, err = later.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Orders)
	assert.Zero(t, st.RecentOrders)
	assert.True(t, st.RecentSales.IsZero())
	assert.Zero(t, st.OrdersChange)
	assert.Zero(t, st.SalesChange)
	assert.Equal(t, "50.00", st.Sales.StringFixed(2))
}

// --- Atomicity ---

// failingStore makes AppendEvent fail so the whole transaction must roll
// back.
type failingStore struct {
	*memory.Store
}

func (s failingStore) Begin(ctx context.Context) (order.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{Tx: tx}, nil
}

type failingTx struct {
	order.Tx
}

func (failingTx) AppendEvent(context.Context, order.Event) error {
	return errors.New("event log unavailable")
}

func TestCreate_RollsBackOnLateFailure(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc := order.NewService(failingStore{Store: s})

	_, err := svc.Create(context.Background(), order.CreateRequest{
		UserID: customer.UserID,
		Items:  []order.LineRequest{line(p, 2)},
	})
	require.Error(t, err)
	assert.False(t, order.IsValidation(err))

	assert.Equal(t, 5, stockOf(t, s, p.ID))
	orders, err := s.ListByUser(context.Background(), customer.UserID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCancel_RollsBackOnLateFailure(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	o := place(t, order.NewService(s), customer.UserID, line(p, 2))

	_, err := order.NewService(failingStore{Store: s}).Cancel(context.Background(), o.ID, customer)
	require.Error(t, err)

	assert.Equal(t, 3, stockOf(t, s, p.ID))
	got, err := s.Get(context.Background(), o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
}
