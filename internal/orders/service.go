package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/pricing"
	"github.com/jogardn/commission-desk/internal/validation"
	"github.com/jogardn/commission-desk/pkg/models"
)

const defaultListLimit = 50

// Repository persists orders. Update must apply mutate and write the result
// back atomically with respect to other updates of the same order; an error
// returned by mutate aborts the write and is returned unchanged.
type Repository interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, id string, mutate func(*models.Order) error) (*models.Order, error)
	List(ctx context.Context, filter ListFilter) ([]models.Order, error)
}

type Catalog interface {
	ResolveItems(ctx context.Context, ids []string) ([]models.CatalogItem, error)
}

type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, order *models.Order) error
	PublishStatusChanged(ctx context.Context, order *models.Order, previous models.OrderStatus) error
}

// ThreadOpener opens the conversation for orders that need a quote.
type ThreadOpener interface {
	GetOrCreate(ctx context.Context, orderID, customerName, customerEmail string) (*models.Conversation, error)
}

type ListFilter struct {
	Status models.OrderStatus
	Limit  int
}

type CreateOrderInput struct {
	Customer CustomerInput `json:"customer" validate:"required"`
	Items    []LineInput   `json:"items" validate:"required,min=1,dive"`
	Notes    string        `json:"notes,omitempty" validate:"max=2000"`
}

type CustomerInput struct {
	Name            string `json:"name" validate:"required,max=200"`
	Email           string `json:"email" validate:"required,email"`
	Phone           string `json:"phone,omitempty" validate:"max=50"`
	ShippingAddress string `json:"shipping_address,omitempty" validate:"max=500"`
}

type LineInput struct {
	ItemID             string `json:"item_id" validate:"required"`
	Quantity           int    `json:"quantity" validate:"gte=1"`
	SelectedColor      string `json:"selected_color,omitempty" validate:"max=100"`
	CustomRequirements string `json:"custom_requirements,omitempty" validate:"max=2000"`
}

// Normalize trims every free-text field and lower-cases the email.
func (in *CreateOrderInput) Normalize() {
	in.Customer.Name = strings.TrimSpace(in.Customer.Name)
	in.Customer.Email = strings.ToLower(strings.TrimSpace(in.Customer.Email))
	in.Customer.Phone = strings.TrimSpace(in.Customer.Phone)
	in.Customer.ShippingAddress = strings.TrimSpace(in.Customer.ShippingAddress)
	in.Notes = strings.TrimSpace(in.Notes)
	for i := range in.Items {
		line := &in.Items[i]
		line.ItemID = strings.TrimSpace(line.ItemID)
		line.SelectedColor = strings.TrimSpace(line.SelectedColor)
		line.CustomRequirements = strings.TrimSpace(line.CustomRequirements)
	}
}

type Service struct {
	repo      Repository
	catalog   Catalog
	publisher EventPublisher
	threads   ThreadOpener
	logger    *logrus.Logger
	now       func() time.Time
}

func NewService(repo Repository, catalog Catalog, logger *logrus.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("order repository required")
	}
	if catalog == nil {
		return nil, errors.New("catalog required")
	}
	if logger == nil {
		return nil, errors.New("logger required")
	}
	return &Service{
		repo:    repo,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) SetEventPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

func (s *Service) SetThreadOpener(threads ThreadOpener) {
	s.threads = threads
}

// Create prices the requested items, derives the initial status and stores
// the order.
func (s *Service) Create(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	// validation.Struct normalizes the input first
	if err := validation.Struct(&input); err != nil {
		return nil, err
	}

	lines, err := s.resolveLines(ctx, input.Items)
	if err != nil {
		return nil, err
	}

	priced, err := pricing.Price(lines)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		ID: uuid.New().String(),
		Customer: models.Customer{
			Name:            input.Customer.Name,
			Email:           input.Customer.Email,
			Phone:           input.Customer.Phone,
			ShippingAddress: input.Customer.ShippingAddress,
		},
		Items:           priced.Items,
		TotalAmount:     priced.TotalAmount,
		EstimatedAmount: priced.EstimatedAmount,
		HasCustomItems:  priced.HasCustomItems,
		Status:          initialStatus(priced.HasCustomItems),
		Notes:           input.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":         order.ID,
		"status":           order.Status,
		"has_custom_items": order.HasCustomItems,
		"items_count":      len(order.Items),
	}).Info("Order created")

	if order.HasCustomItems && s.threads != nil {
		if _, err := s.threads.GetOrCreate(ctx, order.ID, order.Customer.Name, order.Customer.Email); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("Failed to open quote conversation")
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOrderCreated(ctx, order); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("Failed to publish order created event")
		}
	}

	return order, nil
}

func (s *Service) resolveLines(ctx context.Context, inputs []LineInput) ([]pricing.Line, error) {
	ids := make([]string, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if !seen[in.ItemID] {
			seen[in.ItemID] = true
			ids = append(ids, in.ItemID)
		}
	}

	items, err := s.catalog.ResolveItems(ctx, ids)
	if err != nil {
		if apperrors.As(err) != nil {
			return nil, err
		}
		return nil, apperrors.Transient(err, "resolve catalog items")
	}

	byID := make(map[string]models.CatalogItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	var missing []string
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.Newf(apperrors.CodeItemsNotFound, "items not found: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing_ids": missing})
	}

	lines := make([]pricing.Line, 0, len(inputs))
	for _, in := range inputs {
		lines = append(lines, pricing.Line{
			Item:               byID[in.ItemID],
			Quantity:           in.Quantity,
			SelectedColor:      strings.TrimSpace(in.SelectedColor),
			CustomRequirements: in.CustomRequirements,
		})
	}
	return lines, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Order, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "invalid status filter %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > defaultListLimit {
		filter.Limit = defaultListLimit
	}
	return s.repo.List(ctx, filter)
}

// Transition moves the order to next if the transition table allows it. The
// check runs inside the repository's atomic update, so a request that loses
// a race to a disqualifying transition fails instead of overwriting it.
func (s *Service) Transition(ctx context.Context, id string, next models.OrderStatus) (*models.Order, error) {
	if !next.IsValid() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "invalid order status %q", next).
			WithDetails(map[string]any{"allowed_values": models.OrderStatuses()})
	}

	var previous models.OrderStatus
	order, err := s.repo.Update(ctx, id, func(o *models.Order) error {
		if !CanTransition(o.Status, next) {
			return invalidTransition(o.Status, next)
		}
		previous = o.Status
		o.Status = next
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"from_status": previous,
		"to_status":   order.Status,
	}).Info("Order status changed")

	s.publishStatusChanged(ctx, order, previous)
	return order, nil
}

// SetQuote records the binding total for an order that needs a quote and
// moves it to quoted. Delivered and cancelled orders cannot be quoted.
func (s *Service) SetQuote(ctx context.Context, id string, amount decimal.Decimal, notes *string) (*models.Order, error) {
	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.CodeValidation, "quote amount must be greater than zero").
			WithDetails(map[string]string{"total_amount": "must be greater than 0"})
	}

	var previous models.OrderStatus
	order, err := s.repo.Update(ctx, id, func(o *models.Order) error {
		if !o.RequiresQuote() {
			return apperrors.Newf(apperrors.CodeQuoteNotRequired, "order %s does not require a quote", o.ID).
				WithDetails(map[string]any{
					"current_status":   o.Status,
					"has_custom_items": o.HasCustomItems,
				})
		}
		if IsTerminal(o.Status) {
			return invalidTransition(o.Status, models.OrderStatusQuoted)
		}
		previous = o.Status
		total := amount
		o.TotalAmount = &total
		o.Status = models.OrderStatusQuoted
		if notes != nil {
			o.Notes = *notes
		}
		o.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount.String(),
		"from_status":  previous,
	}).Info("Quote set on order")

	if previous != order.Status {
		s.publishStatusChanged(ctx, order, previous)
	}
	return order, nil
}

func (s *Service) publishStatusChanged(ctx context.Context, order *models.Order, previous models.OrderStatus) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishStatusChanged(ctx, order, previous); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("Failed to publish status change event")
	}
}

// ApplyQuote sets a quote without touching the order notes. Conversations
// call it before storing a quote message.
func (s *Service) ApplyQuote(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if _, err := s.SetQuote(ctx, orderID, amount, nil); err != nil {
		return fmt.Errorf("apply quote: %w", err)
	}
	return nil
}
