package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/internal/domain/order"
)

// HeaderIdempotencyKey lets clients retry order placement safely.
const HeaderIdempotencyKey = "Idempotency-Key"

var errInvalidOrderID = errors.New("invalid order id")

// CreateOrder places an order for the caller.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	data, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lines, err := decodeCreateOrder(data)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	o, err := h.orders.Create(r.Context(), order.CreateRequest{
		UserID:         p.UserID,
		Items:          lines,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "order created", func(e *jx.Encoder) { encodeOrder(e, o) })
}

// ListMyOrders returns the caller's orders.
func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orders, err := h.orders.ListForUser(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) { encodeOrders(e, orders) })
}

// GetOrder returns one order. Non-admins only see their own.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var owner *int64
	if !p.IsAdmin() {
		owner = &p.UserID
	}

	o, err := h.orders.Get(r.Context(), id, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) { encodeOrder(e, o) })
}

// CancelOrder cancels an order and restores its stock.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	o, err := h.orders.Cancel(r.Context(), id, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "order cancelled", func(e *jx.Encoder) { encodeOrder(e, o) })
}

// ListOrders returns a page of all orders. Query: page, limit, search,
// status.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	q := r.URL.Query()
	filter := order.ListFilter{Search: q.Get("search")}

	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		h.fail(w, r, order.ErrInvalidPage)
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, order.ErrInvalidPage)
		return
	}
	if s := q.Get("status"); s != "" {
		status, ok := order.ParseStatus(s)
		if !ok {
			h.fail(w, r, &order.InvalidStatusError{Value: s})
			return
		}
		filter.Status = status
	}

	page, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) { encodePage(e, page) })
}

// UpdateOrderStatus moves an order to the status in the body.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	id, err := orderID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	raw, err := decodeStatus(data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status, ok := order.ParseStatus(raw)
	if !ok {
		h.fail(w, r, &order.InvalidStatusError{Value: raw})
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), id, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "order status updated", func(e *jx.Encoder) { encodeOrder(e, o) })
}

// DashboardStats returns order totals for the admin dashboard.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	st, err := h.orders.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) { encodeStats(e, st) })
}

func orderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidOrderID
	}
	return id, nil
}

// intParam parses an optional query integer; empty means zero.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
