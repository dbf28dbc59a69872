package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/validation"
	"github.com/jogardn/commission-desk/pkg/models"
)

const (
	MinContentLength = 1
	MaxContentLength = 2000
)

var contentRule = fmt.Sprintf("min=%d,max=%d,nocontrol", MinContentLength, MaxContentLength)

// Repository persists one thread per order.
//
// Create inserts the thread unless one already exists for the order, in
// which case the stored thread is returned untouched. AppendMessage keeps
// message timestamps non-decreasing within a thread. Missing threads are
// reported as THREAD_NOT_FOUND.
type Repository interface {
	Create(ctx context.Context, thread *models.Conversation) (*models.Conversation, error)
	Get(ctx context.Context, orderID string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, orderID string, msg models.Message) (*models.Message, error)
	MarkRead(ctx context.Context, orderID string, reader models.Party) (int, error)
	SetActive(ctx context.Context, orderID string, active bool) (*models.Conversation, error)
	List(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error)
}

type OrderLookup interface {
	Get(ctx context.Context, id string) (*models.Order, error)
}

type QuoteSetter interface {
	ApplyQuote(ctx context.Context, orderID string, amount decimal.Decimal) error
}

type EventPublisher interface {
	PublishMessageAppended(ctx context.Context, orderID string, msg models.Message) error
}

type QuoteOptions struct {
	IsQuote     bool
	QuoteAmount *decimal.Decimal
}

type Service struct {
	repo      Repository
	orders    OrderLookup
	quotes    QuoteSetter
	publisher EventPublisher
	logger    *logrus.Logger
	now       func() time.Time
}

func NewService(repo Repository, orders OrderLookup, quotes QuoteSetter, logger *logrus.Logger) (*Service, error) {
	if repo == nil {
		return nil, errors.New("conversation repository required")
	}
	if orders == nil {
		return nil, errors.New("order lookup required")
	}
	if quotes == nil {
		return nil, errors.New("quote setter required")
	}
	if logger == nil {
		return nil, errors.New("logger required")
	}
	return &Service{
		repo:   repo,
		orders: orders,
		quotes: quotes,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) SetEventPublisher(publisher EventPublisher) {
	s.publisher = publisher
}

// GetOrCreate returns the order's thread, creating it on first use.
func (s *Service) GetOrCreate(ctx context.Context, orderID, customerName, customerEmail string) (*models.Conversation, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperrors.Validation("order id is required")
	}
	now := s.now()
	thread, err := s.repo.Create(ctx, &models.Conversation{
		OrderID:       orderID,
		CustomerName:  strings.TrimSpace(customerName),
		CustomerEmail: strings.ToLower(strings.TrimSpace(customerEmail)),
		Messages:      []models.Message{},
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*models.Conversation, error) {
	return s.repo.Get(ctx, orderID)
}

// AppendMessage validates and stores a message, opening the thread from the
// order's customer details if it does not exist yet. A quote message sets the
// order's quote first and is only stored if that succeeds.
func (s *Service) AppendMessage(ctx context.Context, orderID string, sender models.Party, content string, opts QuoteOptions) (*models.Message, error) {
	content, err := validateMessage(sender, content, opts)
	if err != nil {
		return nil, err
	}

	if err := s.ensureThread(ctx, orderID); err != nil {
		return nil, err
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Content:   content,
		Timestamp: s.now(),
		IsQuote:   opts.IsQuote,
	}

	if opts.IsQuote {
		amount := *opts.QuoteAmount
		if err := s.quotes.ApplyQuote(ctx, orderID, amount); err != nil {
			return nil, err
		}
		msg.QuoteAmount = &amount
	}

	stored, err := s.repo.AppendMessage(ctx, orderID, msg)
	if err != nil {
		if opts.IsQuote {
			s.logger.WithError(err).WithField("order_id", orderID).Error("Quote applied but quote message was not stored")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":   orderID,
		"message_id": stored.ID,
		"sender":     stored.Sender,
		"is_quote":   stored.IsQuote,
	}).Info("Message appended")

	if s.publisher != nil {
		if err := s.publisher.PublishMessageAppended(ctx, orderID, *stored); err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to publish message appended event")
		}
	}
	return stored, nil
}

func (s *Service) ensureThread(ctx context.Context, orderID string) error {
	_, err := s.repo.Get(ctx, orderID)
	if err == nil {
		return nil
	}
	if !apperrors.HasCode(err, apperrors.CodeThreadNotFound) {
		return err
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = s.GetOrCreate(ctx, order.ID, order.Customer.Name, order.Customer.Email)
	return err
}

func validateMessage(sender models.Party, content string, opts QuoteOptions) (string, error) {
	if !sender.IsValid() {
		return "", apperrors.Newf(apperrors.CodeValidation, "invalid sender %q", sender).
			WithDetails(map[string]any{"sender": "must be one of [admin customer]"})
	}

	content = strings.TrimSpace(content)
	if err := validation.Var("content", content, contentRule); err != nil {
		return "", err
	}

	switch {
	case opts.IsQuote && (opts.QuoteAmount == nil || !opts.QuoteAmount.IsPositive()):
		return "", apperrors.New(apperrors.CodeValidation, "quote messages require a quote amount greater than zero").
			WithDetails(map[string]string{"quote_amount": "must be greater than 0"})
	case !opts.IsQuote && opts.QuoteAmount != nil:
		return "", apperrors.New(apperrors.CodeValidation, "quote amount is only allowed on quote messages").
			WithDetails(map[string]string{"quote_amount": "requires is_quote"})
	case opts.IsQuote && sender != models.PartyAdmin:
		return "", apperrors.New(apperrors.CodeValidation, "only admin may send quotes").
			WithDetails(map[string]string{"sender": "must be admin for quotes"})
	}
	return content, nil
}

// MarkRead flags every unread message from the reader's counterpart as read.
// Marking nothing is not an error.
func (s *Service) MarkRead(ctx context.Context, orderID string, reader models.Party) (int, error) {
	if !reader.IsValid() {
		return 0, apperrors.Newf(apperrors.CodeValidation, "invalid reader %q", reader)
	}
	marked, err := s.repo.MarkRead(ctx, orderID, reader)
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"reader":   reader,
			"marked":   marked,
		}).Debug("Messages marked read")
	}
	return marked, nil
}

// UnreadCount is the number of messages forParty has not read yet.
func UnreadCount(thread *models.Conversation, forParty models.Party) int {
	if thread == nil {
		return 0
	}
	return thread.UnreadCount(forParty)
}

func (s *Service) Archive(ctx context.Context, orderID string) (*models.Conversation, error) {
	return s.setActive(ctx, orderID, false)
}

func (s *Service) Reactivate(ctx context.Context, orderID string) (*models.Conversation, error) {
	return s.setActive(ctx, orderID, true)
}

func (s *Service) setActive(ctx context.Context, orderID string, active bool) (*models.Conversation, error) {
	thread, err := s.repo.SetActive(ctx, orderID, active)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"is_active": active,
	}).Info("Conversation activity changed")
	return thread, nil
}

// ListThreads returns summaries for the admin inbox, most recent activity
// first.
func (s *Service) ListThreads(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error) {
	return s.repo.List(ctx, activeOnly)
}
