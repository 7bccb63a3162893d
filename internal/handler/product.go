package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/storefront-orders/internal/domain/product"
)

var errInvalidQuery = errors.New("invalid query parameter")

// ListProducts returns catalog products. Query: search, category, limit,
// offset.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := product.ListFilter{Search: q.Get("search")}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil || filter.Limit < 0 {
		h.fail(w, r, errInvalidQuery)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil || filter.Offset < 0 {
		h.fail(w, r, errInvalidQuery)
		return
	}
	if c := q.Get("category"); c != "" {
		id, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			h.fail(w, r, errInvalidQuery)
			return
		}
		filter.CategoryID = &id
	}

	products, err := h.products.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "list products"))
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) {
		e.ArrStart()
		for i := range products {
			h.encodeProduct(e, &products[i])
		}
		e.ArrEnd()
	})
}

// GetProduct returns a single product by ID.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, errInvalidQuery)
		return
	}

	p, err := h.products.GetByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", func(e *jx.Encoder) { h.encodeProduct(e, p) })
}
