package order

import "strings"

// Status is the persisted lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusDelivered  Status = "Delivered"
	StatusCancelled  Status = "Cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

// transitions holds the legal moves out of each status. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusShipped, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// legacyLabels maps the storefront's Spanish labels to statuses.
var legacyLabels = map[string]Status{
	"pendiente":  StatusPending,
	"procesando": StatusProcessing,
	"enviado":    StatusShipped,
	"entregado":  StatusDelivered,
	"cancelado":  StatusCancelled,
}

// ParseStatus resolves s case-insensitively. It accepts canonical names and
// the Spanish labels.
func ParseStatus(s string) (Status, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if strings.ToLower(string(st)) == s {
			return st, true
		}
	}
	st, ok := legacyLabels[s]
	return st, ok
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Cancellable reports whether an order in this status may be cancelled.
func (s Status) Cancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// CanTransitionTo reports whether moving from s to next is legal. Staying
// in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
