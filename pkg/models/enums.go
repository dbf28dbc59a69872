package models

import "fmt"

type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "pending"
	OrderStatusQuoteNeeded OrderStatus = "quote_needed"
	OrderStatusQuoted      OrderStatus = "quoted"
	OrderStatusConfirmed   OrderStatus = "confirmed"
	OrderStatusProcessing  OrderStatus = "processing"
	OrderStatusShipped     OrderStatus = "shipped"
	OrderStatusDelivered   OrderStatus = "delivered"
	OrderStatusCancelled   OrderStatus = "cancelled"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusQuoteNeeded,
	OrderStatusQuoted,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// OrderStatuses returns every known status in lifecycle order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(validOrderStatuses))
	copy(out, validOrderStatuses)
	return out
}

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

type PricingType string

const (
	PricingTypeFixed  PricingType = "fixed"
	PricingTypeRange  PricingType = "range"
	PricingTypeCustom PricingType = "custom"
)

var validPricingTypes = []PricingType{
	PricingTypeFixed,
	PricingTypeRange,
	PricingTypeCustom,
}

func (p PricingType) String() string {
	return string(p)
}

func (p PricingType) IsValid() bool {
	for _, candidate := range validPricingTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

func ParsePricingType(value string) (PricingType, error) {
	for _, candidate := range validPricingTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid pricing type %q", value)
}

// Party identifies one side of an order conversation.
type Party string

const (
	PartyAdmin    Party = "admin"
	PartyCustomer Party = "customer"
)

func (p Party) String() string {
	return string(p)
}

func (p Party) IsValid() bool {
	switch p {
	case PartyAdmin, PartyCustomer:
		return true
	default:
		return false
	}
}

// Opposite returns the other conversation party. It panics on a value
// that did not come through ParseParty.
func (p Party) Opposite() Party {
	switch p {
	case PartyAdmin:
		return PartyCustomer
	case PartyCustomer:
		return PartyAdmin
	default:
		panic(fmt.Sprintf("models: invalid party %q", string(p)))
	}
}

func ParseParty(value string) (Party, error) {
	switch Party(value) {
	case PartyAdmin:
		return PartyAdmin, nil
	case PartyCustomer:
		return PartyCustomer, nil
	default:
		return "", fmt.Errorf("invalid party %q", value)
	}
}

// PresenceStatus is the live availability signal a connected user
// broadcasts to a room. It is unrelated to OrderStatus.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

func ParsePresenceStatus(value string) (PresenceStatus, error) {
	switch PresenceStatus(value) {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return PresenceStatus(value), nil
	default:
		return "", fmt.Errorf("invalid presence status %q", value)
	}
}
