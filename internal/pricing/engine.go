// Package pricing derives line and order amounts from catalog pricing
// metadata. It has no I/O.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/pkg/models"
)

var two = decimal.NewFromInt(2)

// Line pairs a resolved catalog item with the customer's request for it.
type Line struct {
	Item               models.CatalogItem
	Quantity           int
	SelectedColor      string
	CustomRequirements string
}

type Result struct {
	Items           []models.LineItem
	TotalAmount     *decimal.Decimal
	EstimatedAmount *decimal.Decimal
	HasCustomItems  bool
}

// Price computes per-line and aggregate amounts.
//
// Fixed lines count toward both the total and the estimate. Range lines use
// the midpoint and count toward the estimate only. Custom lines count toward
// neither and null the total for the whole order.
func Price(lines []Line) (Result, error) {
	total := decimal.Zero
	estimate := decimal.Zero
	result := Result{Items: make([]models.LineItem, 0, len(lines))}

	for i, line := range lines {
		if err := checkLine(i, line); err != nil {
			return Result{}, err
		}

		item := models.LineItem{
			ItemID:             line.Item.ID,
			ItemName:           line.Item.Name,
			Quantity:           line.Quantity,
			SelectedColor:      line.SelectedColor,
			CustomRequirements: line.CustomRequirements,
			PricingType:        line.Item.PricingType,
		}
		qty := decimal.NewFromInt(int64(line.Quantity))

		switch line.Item.PricingType {
		case models.PricingTypeFixed:
			if line.Item.Price.Fixed == nil {
				return Result{}, apperrors.Newf(apperrors.CodeInternal, "item %s has no fixed price", line.Item.ID)
			}
			unit := *line.Item.Price.Fixed
			subtotal := unit.Mul(qty)
			item.UnitPrice, item.Subtotal = &unit, &subtotal
			total = total.Add(subtotal)
			estimate = estimate.Add(subtotal)
		case models.PricingTypeRange:
			if line.Item.Price.Min == nil || line.Item.Price.Max == nil {
				return Result{}, apperrors.Newf(apperrors.CodeInternal, "item %s has no price range", line.Item.ID)
			}
			unit := line.Item.Price.Min.Add(*line.Item.Price.Max).Div(two)
			subtotal := unit.Mul(qty)
			item.UnitPrice, item.Subtotal = &unit, &subtotal
			estimate = estimate.Add(subtotal)
		case models.PricingTypeCustom:
			result.HasCustomItems = true
		default:
			return Result{}, apperrors.Newf(apperrors.CodeInternal, "item %s has unknown pricing type %q", line.Item.ID, line.Item.PricingType)
		}

		result.Items = append(result.Items, item)
	}

	result.EstimatedAmount = &estimate
	if !result.HasCustomItems {
		result.TotalAmount = &total
	}
	return result, nil
}

func checkLine(index int, line Line) error {
	if line.Quantity < 1 {
		return apperrors.Newf(apperrors.CodeValidation, "quantity for item %s must be at least 1", line.Item.ID).
			WithDetails(map[string]string{fmt.Sprintf("items[%d].quantity", index): "must be at least 1"})
	}
	if !line.Item.IsAvailable {
		return apperrors.Newf(apperrors.CodeItemUnavailable, "item %s is not available", line.Item.ID).
			WithDetails(map[string]any{"item_id": line.Item.ID})
	}
	if line.SelectedColor != "" && !colorAllowed(line.Item.AvailableColors, line.SelectedColor) {
		return apperrors.Newf(apperrors.CodeColorNotAvailable, "color %q is not available for item %s", line.SelectedColor, line.Item.ID).
			WithDetails(map[string]any{
				"item_id":          line.Item.ID,
				"selected_color":   line.SelectedColor,
				"available_colors": line.Item.AvailableColors,
			})
	}
	return nil
}

func colorAllowed(colors []string, selected string) bool {
	for _, c := range colors {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(selected)) {
			return true
		}
	}
	return false
}
