package order

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Sentinel errors for order operations.
var (
	ErrEmptyItems       = errors.New("items required")
	ErrInvalidProductID = errors.New("product id required")
	ErrOrderNotFound    = errors.New("order not found")
	ErrForbidden        = errors.New("order belongs to another user")
	ErrDuplicateRequest = errors.New("request with this idempotency key is in progress")
	ErrInvalidPage      = errors.New("page and limit must be positive")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID uuid.UUID
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item quantity that is not positive
// or pushes the product's total past MaxQuantity.
type InvalidQuantityError struct {
	ProductID uuid.UUID
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	if e.Quantity <= 0 {
		return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
	}
	return fmt.Sprintf("quantity for product %s exceeds %d", e.ProductID, MaxQuantity)
}

// InsufficientStockError indicates the requested quantity exceeds the
// product's available stock.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

// InvalidTransitionError indicates a status change not allowed from the
// order's current status.
type InvalidTransitionError struct {
	OrderID int64
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d cannot move from %s to %s", e.OrderID, e.From, e.To)
}

// InvalidStatusError indicates an unknown status value.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid order status %q", e.Value)
}

// IsValidation reports whether err is caused by malformed input, in which
// case nothing was attempted.
func IsValidation(err error) bool {
	var (
		iqErr *InvalidQuantityError
		isErr *InvalidStatusError
	)
	return errors.Is(err, ErrEmptyItems) ||
		errors.Is(err, ErrInvalidProductID) ||
		errors.Is(err, ErrInvalidPage) ||
		errors.As(err, &iqErr) ||
		errors.As(err, &isErr)
}
