// Package lifecycle holds the order state machine. Everything here is pure:
// decisions are computed from an order snapshot and an input, and the caller
// applies them inside its own transaction.
package lifecycle

import (
	"fmt"

	"github.com/samber/lo"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:   {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed: {models.OrderStatusPreparing, models.OrderStatusCancelled},
	models.OrderStatusPreparing: {models.OrderStatusReady, models.OrderStatusCancelled},
	models.OrderStatusReady:     {models.OrderStatusPickedUp, models.OrderStatusCancelled},
	models.OrderStatusPickedUp:  {models.OrderStatusRefunded},
	models.OrderStatusCancelled: {models.OrderStatusRefunded},
	models.OrderStatusRefunded:  {},
}

var terminal = []models.OrderStatus{
	models.OrderStatusPickedUp,
	models.OrderStatusCancelled,
	models.OrderStatusRefunded,
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to models.OrderStatus) bool {
	return lo.Contains(transitions[from], to)
}

// IsTerminal reports whether s only allows an explicit refund (or nothing).
func IsTerminal(s models.OrderStatus) bool {
	return lo.Contains(terminal, s)
}

// Known reports whether s is a status of the graph.
func Known(s models.OrderStatus) bool {
	_, ok := transitions[s]
	return ok
}

// next returns the manual lifecycle successor of s, if any.
func next(s models.OrderStatus) (models.OrderStatus, bool) {
	switch s {
	case models.OrderStatusConfirmed:
		return models.OrderStatusPreparing, true
	case models.OrderStatusPreparing:
		return models.OrderStatusReady, true
	case models.OrderStatusReady:
		return models.OrderStatusPickedUp, true
	default:
		return "", false
	}
}

// ValidPath checks that a recorded sequence of statuses starts at pending and
// only follows graph edges.
func ValidPath(path []models.OrderStatus) error {
	if len(path) == 0 {
		return nil
	}
	if path[0] != models.OrderStatusPending {
		return fmt.Errorf("path starts at %q: %w", path[0], apperrors.ErrInvalidTransition)
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			return fmt.Errorf("%s -> %s: %w", path[i-1], path[i], apperrors.ErrInvalidTransition)
		}
	}
	return nil
}
