package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-orders/internal/domain/auth"
)

const instrumentationName = "github.com/xenking/storefront-orders/internal/domain/order"

// Instrumented decorates a Service with spans, counters and logs.
type Instrumented struct {
	inner  *Service
	tracer trace.Tracer

	created       metric.Int64Counter
	cancelled     metric.Int64Counter
	statusChanges metric.Int64Counter
	rejected      metric.Int64Counter
}

// NewInstrumented wraps inner using the given providers.
func NewInstrumented(inner *Service, tp trace.TracerProvider, mp metric.MeterProvider) (*Instrumented, error) {
	meter := mp.Meter(instrumentationName)
	s := &Instrumented{
		inner:  inner,
		tracer: tp.Tracer(instrumentationName),
	}

	var err error
	if s.created, err = meter.Int64Counter("orders.created",
		metric.WithDescription("Orders placed"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.created")
	}
	if s.cancelled, err = meter.Int64Counter("orders.cancelled",
		metric.WithDescription("Orders cancelled with stock restored"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.cancelled")
	}
	if s.statusChanges, err = meter.Int64Counter("orders.status_changes",
		metric.WithDescription("Order status transitions"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.status_changes")
	}
	if s.rejected, err = meter.Int64Counter("orders.rejected",
		metric.WithDescription("Order placements rejected by catalog checks"),
	); err != nil {
		return nil, errors.Wrap(err, "orders.rejected")
	}
	return s, nil
}

func (s *Instrumented) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.lines", len(req.Items)),
	))
	defer span.End()

	o, err := s.inner.Create(ctx, req)
	if err != nil {
		var (
			stockErr *InsufficientStockError
			pnfErr   *ProductNotFoundError
		)
		switch {
		case errors.As(err, &stockErr):
			s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "insufficient_stock")))
		case errors.As(err, &pnfErr):
			s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "product_not_found")))
		}
		return nil, s.fail(ctx, span, err, "Create order failed", zap.Int64("user_id", req.UserID))
	}

	span.SetAttributes(attribute.Int64("order.id", o.ID))
	s.created.Add(ctx, 1)
	zctx.From(ctx).Info("Order created",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("total", o.Total.StringFixed(2)),
	)
	return o, nil
}

func (s *Instrumented) List(ctx context.Context, filter ListFilter) (*Page, error) {
	ctx, span := s.tracer.Start(ctx, "order.List")
	defer span.End()

	p, err := s.inner.List(ctx, filter)
	if err != nil {
		return nil, s.fail(ctx, span, err, "List orders failed")
	}
	span.SetAttributes(attribute.Int("orders.total", p.Total))
	return p, nil
}

func (s *Instrumented) ListForUser(ctx context.Context, userID int64) ([]Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.ListForUser", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	orders, err := s.inner.ListForUser(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, span, err, "List user orders failed", zap.Int64("user_id", userID))
	}
	return orders, nil
}

func (s *Instrumented) Get(ctx context.Context, id int64, owner *int64) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	o, err := s.inner.Get(ctx, id, owner)
	if err != nil {
		return nil, s.fail(ctx, span, err, "Get order failed", zap.Int64("order_id", id))
	}
	return o, nil
}

func (s *Instrumented) UpdateStatus(ctx context.Context, id int64, status Status) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.status", string(status)),
	))
	defer span.End()

	o, changed, err := s.inner.updateStatus(ctx, id, status)
	if err != nil {
		return nil, s.fail(ctx, span, err, "Update order status failed", zap.Int64("order_id", id))
	}
	span.SetAttributes(attribute.Bool("order.changed", changed))
	if !changed {
		return o, nil
	}
	s.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	if o.Status == StatusCancelled {
		s.cancelled.Add(ctx, 1)
	}
	zctx.From(ctx).Info("Order status updated", zap.Int64("order_id", id), zap.String("status", string(o.Status)))
	return o, nil
}

func (s *Instrumented) Cancel(ctx context.Context, id int64, p auth.Principal) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.Int64("user.id", p.UserID),
	))
	defer span.End()

	o, changed, err := s.inner.cancel(ctx, id, &p)
	if err != nil {
		return nil, s.fail(ctx, span, err, "Cancel order failed", zap.Int64("order_id", id))
	}
	span.SetAttributes(attribute.Bool("order.changed", changed))
	if !changed {
		return o, nil
	}
	s.cancelled.Add(ctx, 1)
	s.statusChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	zctx.From(ctx).Info("Order cancelled", zap.Int64("order_id", id), zap.Int64("user_id", p.UserID))
	return o, nil
}

func (s *Instrumented) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := s.tracer.Start(ctx, "order.Stats")
	defer span.End()

	st, err := s.inner.Stats(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, err, "Order stats failed")
	}
	span.SetAttributes(attribute.Int("orders.total", st.Orders))
	return st, nil
}

// fail records err on the span. Caller errors are logged at debug level,
// everything else at error level.
func (s *Instrumented) fail(ctx context.Context, span trace.Span, err error, msg string, fields ...zap.Field) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	lg := zctx.From(ctx)
	fields = append(fields, zap.Error(err))
	if isCallerError(err) {
		lg.Debug(msg, fields...)
	} else {
		lg.Error(msg, fields...)
	}
	return err
}

func isCallerError(err error) bool {
	var (
		pnfErr   *ProductNotFoundError
		stockErr *InsufficientStockError
		trErr    *InvalidTransitionError
	)
	return IsValidation(err) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.As(err, &pnfErr) ||
		errors.As(err, &stockErr) ||
		errors.As(err, &trErr)
}
