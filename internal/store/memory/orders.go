// Package memory holds map-backed repositories for local runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/pkg/models"
)

type OrderStore struct {
	orders map[string]*models.Order
	mutex  sync.RWMutex
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]*models.Order),
	}
}

func (s *OrderStore) Create(_ context.Context, order *models.Order) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return apperrors.Newf(apperrors.CodeInternal, "order %s already exists", order.ID)
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *OrderStore) Get(_ context.Context, id string) (*models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	return cloneOrder(order), nil
}

// Update runs mutate on a copy under the write lock and stores it only if
// mutate succeeds.
func (s *OrderStore) Update(_ context.Context, id string, mutate func(*models.Order) error) (*models.Order, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	working := cloneOrder(current)
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.orders[id] = working
	return cloneOrder(working), nil
}

func (s *OrderStore) List(_ context.Context, filter orders.ListFilter) ([]models.Order, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]models.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		out = append(out, *cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func orderNotFound(id string) error {
	return apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", id)
}

// Decimal values are immutable, so sharing the pointed-to amounts is safe;
// only slices need copying.
func cloneOrder(order *models.Order) *models.Order {
	out := *order
	out.Items = append([]models.LineItem(nil), order.Items...)
	return &out
}
