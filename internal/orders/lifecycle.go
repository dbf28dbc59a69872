package orders

import (
	"fmt"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/pkg/models"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:     {models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusCancelled},
	models.OrderStatusQuoteNeeded: {models.OrderStatusQuoted, models.OrderStatusCancelled},
	models.OrderStatusQuoted:      {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed:   {models.OrderStatusProcessing, models.OrderStatusCancelled},
	models.OrderStatusProcessing:  {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:     {models.OrderStatusDelivered},
	models.OrderStatusDelivered:   {},
	models.OrderStatusCancelled:   {},
}

// AllowedTransitions returns the statuses reachable from the given one.
// Terminal and unknown statuses return an empty slice.
func AllowedTransitions(from models.OrderStatus) []models.OrderStatus {
	next := transitions[from]
	out := make([]models.OrderStatus, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func IsTerminal(status models.OrderStatus) bool {
	return len(transitions[status]) == 0
}

// TransitionDetails is attached to INVALID_STATUS_TRANSITION errors so
// callers can offer only the legal next steps.
type TransitionDetails struct {
	CurrentStatus      models.OrderStatus   `json:"current_status"`
	RequestedStatus    models.OrderStatus   `json:"requested_status"`
	AllowedTransitions []models.OrderStatus `json:"allowed_transitions"`
}

func invalidTransition(from, to models.OrderStatus) error {
	return apperrors.New(apperrors.CodeInvalidStatusTransition,
		fmt.Sprintf("cannot transition order from %s to %s", from, to)).
		WithDetails(TransitionDetails{
			CurrentStatus:      from,
			RequestedStatus:    to,
			AllowedTransitions: AllowedTransitions(from),
		})
}

func initialStatus(hasCustomItems bool) models.OrderStatus {
	if hasCustomItems {
		return models.OrderStatusQuoteNeeded
	}
	return models.OrderStatusPending
}
