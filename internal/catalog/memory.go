package catalog

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/pkg/models"
)

// Memory is a fixed in-process catalog used when no catalog service is
// configured.
type Memory struct {
	items map[string]models.CatalogItem
	mutex sync.RWMutex
}

func NewMemory(items ...models.CatalogItem) *Memory {
	m := &Memory{items: make(map[string]models.CatalogItem, len(items))}
	for _, item := range items {
		m.items[item.ID] = item
	}
	return m
}

func (m *Memory) Put(item models.CatalogItem) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.items[item.ID] = item
}

func (m *Memory) ResolveItems(_ context.Context, ids []string) ([]models.CatalogItem, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]models.CatalogItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := m.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// DemoItems returns one item per pricing type for local runs.
func DemoItems() []models.CatalogItem {
	fixed := decimal.NewFromInt(24)
	min := decimal.NewFromInt(40)
	max := decimal.NewFromInt(65)
	return []models.CatalogItem{
		{
			ID:              "glazed-mug",
			Name:            "Glazed mug",
			PricingType:     models.PricingTypeFixed,
			Price:           models.Price{Fixed: &fixed},
			IsAvailable:     true,
			AvailableColors: []string{"Sage", "Cobalt", "Oatmeal"},
		},
		{
			ID:          "bud-vase",
			Name:        "Bud vase",
			PricingType: models.PricingTypeRange,
			Price:       models.Price{Min: &min, Max: &max},
			IsAvailable: true,
		},
		{
			ID:          "pet-portrait",
			Name:        "Pet portrait plate",
			PricingType: models.PricingTypeCustom,
			IsAvailable: true,
		},
	}
}
