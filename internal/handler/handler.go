// Package handler exposes the order workflow and the catalog over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/xenking/storefront-orders/internal/domain/auth"
	"github.com/xenking/storefront-orders/internal/domain/order"
	"github.com/xenking/storefront-orders/internal/domain/product"
)

// OrderService is the order workflow as seen by the HTTP layer. It is
// satisfied by order.Service and order.Instrumented.
type OrderService interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	List(ctx context.Context, filter order.ListFilter) (*order.Page, error)
	ListForUser(ctx context.Context, userID int64) ([]order.Order, error)
	Get(ctx context.Context, id int64, owner *int64) (*order.Order, error)
	UpdateStatus(ctx context.Context, id int64, status order.Status) (*order.Order, error)
	Cancel(ctx context.Context, id int64, p auth.Principal) (*order.Order, error)
	Stats(ctx context.Context) (*order.Stats, error)
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
	// MaxBodyBytes caps request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the REST API.
type Handler struct {
	orders       OrderService
	products     product.Repository
	auth         *Authenticator
	imageBaseURL string
	maxBody      int64
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	orders OrderService,
	products product.Repository,
	authenticator *Authenticator,
) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		orders:       orders,
		products:     products,
		auth:         authenticator,
		imageBaseURL: cfg.ImageBaseURL,
		maxBody:      maxBody,
	}
}

// Routes registers every endpoint on a new ServeMux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)

	mux.Handle("POST /api/orders", h.authenticated(h.CreateOrder))
	mux.Handle("GET /api/orders/my", h.authenticated(h.ListMyOrders))
	mux.Handle("GET /api/orders/{id}", h.authenticated(h.GetOrder))
	mux.Handle("PUT /api/orders/{id}/cancel", h.authenticated(h.CancelOrder))
	mux.Handle("GET /api/orders", h.admin(h.ListOrders))
	mux.Handle("PATCH /api/orders/{id}/status", h.admin(h.UpdateOrderStatus))

	mux.Handle("GET /api/admin/orders", h.admin(h.ListOrders))
	mux.Handle("GET /api/admin/orders/{id}", h.admin(h.GetOrder))
	mux.Handle("PUT /api/admin/orders/{id}/status", h.admin(h.UpdateOrderStatus))
	mux.Handle("GET /api/admin/dashboard/stats", h.admin(h.DashboardStats))

	return mux
}
