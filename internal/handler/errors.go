package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
	"github.com/xenking/storefront-orders/pkg/httpmiddleware"
)

// statusOf maps err to an HTTP status and a client-facing message.
func statusOf(err error) (int, string) {
	var (
		pnfErr   *order.ProductNotFoundError
		stockErr *order.InsufficientStockError
		trErr    *order.InvalidTransitionError
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, errInvalidOrderID),
		errors.Is(err, errInvalidQuery),
		order.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &pnfErr), errors.As(err, &stockErr):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, order.ErrOrderNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.As(err, &trErr), errors.Is(err, order.ErrDuplicateRequest):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request timed out"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// fail writes the error envelope for err. Server errors are logged with
// the cause, which is never sent to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusOf(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	httpmiddleware.WriteError(w, status, msg)
}
