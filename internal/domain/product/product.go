package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item available for purchase.
type Product struct {
	ID          uuid.UUID
	Name        string
	Description string
	Price       decimal.Decimal
	// Stock is the number of sellable units. It never goes negative.
	Stock      int
	CategoryID *int64
	ImageURL   string
}

// ListFilter narrows a catalog listing.
type ListFilter struct {
	Search     string
	CategoryID *int64
	Limit      int
	Offset     int
}

// Repository defines read operations for the product catalog. Stock is
// written only inside an order transaction.
type Repository interface {
	List(ctx context.Context, filter ListFilter) ([]Product, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
}
