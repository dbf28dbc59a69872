package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID              string           `json:"id"`
	Customer        Customer         `json:"customer"`
	Items           []LineItem       `json:"items"`
	TotalAmount     *decimal.Decimal `json:"total_amount"`
	EstimatedAmount *decimal.Decimal `json:"estimated_amount"`
	HasCustomItems  bool             `json:"has_custom_items"`
	Status          OrderStatus      `json:"status"`
	Notes           string           `json:"notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type Customer struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	ShippingAddress string `json:"shipping_address,omitempty"`
}

// LineItem carries the price derived at creation time. UnitPrice and
// Subtotal are nil for custom-priced items.
type LineItem struct {
	ItemID             string           `json:"item_id"`
	ItemName           string           `json:"item_name,omitempty"`
	Quantity           int              `json:"quantity"`
	SelectedColor      string           `json:"selected_color,omitempty"`
	CustomRequirements string           `json:"custom_requirements,omitempty"`
	PricingType        PricingType      `json:"pricing_type"`
	UnitPrice          *decimal.Decimal `json:"unit_price"`
	Subtotal           *decimal.Decimal `json:"subtotal"`
}

// CatalogItem is the pricing view of a catalog entry as returned by the
// catalog service.
type CatalogItem struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	PricingType     PricingType `json:"pricing_type"`
	Price           Price       `json:"price"`
	IsAvailable     bool        `json:"is_available"`
	AvailableColors []string    `json:"available_colors,omitempty"`
}

type Price struct {
	Fixed *decimal.Decimal `json:"fixed,omitempty"`
	Min   *decimal.Decimal `json:"min,omitempty"`
	Max   *decimal.Decimal `json:"max,omitempty"`
}

// RequiresQuote reports whether a quote may be set on the order.
func (o *Order) RequiresQuote() bool {
	return o.HasCustomItems || o.Status == OrderStatusQuoteNeeded
}
