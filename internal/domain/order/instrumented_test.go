package order_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/storefront-orders/internal/domain/order"
)

func TestInstrumented_PassesThrough(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	svc, err := order.NewInstrumented(order.NewService(s), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	ctx := context.Background()

	o, err := svc.Create(ctx, order.CreateRequest{UserID: customer.UserID, Items: []order.LineRequest{line(p, 2)}})
	require.NoError(t, err)
	assert.Equal(t, 3, stockOf(t, s, p.ID))

	_, err = svc.Create(ctx, order.CreateRequest{UserID: customer.UserID, Items: []order.LineRequest{line(p, 9)}})
	var stockErr *order.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)

	got, err := svc.Get(ctx, o.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	mine, err := svc.ListForUser(ctx, customer.UserID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	page, err := svc.List(ctx, order.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	got, err = svc.UpdateStatus(ctx, o.ID, order.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, order.StatusProcessing, got.Status)

	_, err = svc.Cancel(ctx, o.ID, stranger)
	require.ErrorIs(t, err, order.ErrForbidden)

	got, err = svc.Cancel(ctx, o.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}

func counterTotal(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestInstrumented_CountsOnlyRealChanges(t *testing.T) {
	p := newProduct("Waffle", "10.00", 5)
	s := newStore(t, p)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	svc, err := order.NewInstrumented(order.NewService(s), tracenoop.NewTracerProvider(), mp)
	require.NoError(t, err)
	ctx := context.Background()

	o, err := svc.Create(ctx, order.CreateRequest{UserID: customer.UserID, Items: []order.LineRequest{line(p, 2)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counterTotal(t, reader, "orders.created"))

	// Same status twice: only the first call is a transition.
	_, err = svc.UpdateStatus(ctx, o.ID, order.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, counterTotal(t, reader, "orders.status_changes"))
	_, err = svc.UpdateStatus(ctx, o.ID, order.StatusProcessing)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, order.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counterTotal(t, reader, "orders.status_changes"))

	// Repeated cancels through either path restore stock once.
	_, err = svc.Cancel(ctx, o.ID, customer)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, o.ID, customer)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, o.ID, order.StatusCancelled)
	require.NoError(t, err)

	assert.Equal(t, int64(1), counterTotal(t, reader, "orders.cancelled"))
	assert.Equal(t, int64(2), counterTotal(t, reader, "orders.status_changes"))
	assert.Equal(t, 5, stockOf(t, s, p.ID))
}
