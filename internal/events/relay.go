package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/websocket"
	"github.com/jogardn/commission-desk/pkg/models"
)

type RoomNotifier interface {
	NotifyStatusChanged(change websocket.StatusChange) int
}

// StatusRelay pushes order status changes into live order rooms.
type StatusRelay struct {
	rooms  RoomNotifier
	logger *logrus.Logger
}

func NewStatusRelay(rooms RoomNotifier, logger *logrus.Logger) *StatusRelay {
	return &StatusRelay{rooms: rooms, logger: logger}
}

func (r *StatusRelay) HandleStatusChanged(_ context.Context, event OrderStatusChangedEvent) error {
	if event.OrderID == "" {
		return apperrors.Validation("status change without order id")
	}
	delivered := r.rooms.NotifyStatusChanged(websocket.StatusChange{
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		Status:         event.Status,
		UpdatedAt:      event.UpdatedAt,
	})
	r.logger.WithFields(logrus.Fields{
		"order_id":   event.OrderID,
		"status":     event.Status,
		"recipients": delivered,
	}).Debug("Relayed status change")
	return nil
}

func (r *StatusRelay) IsRetryable(err error) bool {
	return apperrors.IsRetryable(err)
}

// LocalPublisher stands in for Kafka when no brokers are configured. Status
// changes go straight to the relay; other events are only logged.
type LocalPublisher struct {
	relay  *StatusRelay
	logger *logrus.Logger
}

func NewLocalPublisher(relay *StatusRelay, logger *logrus.Logger) *LocalPublisher {
	return &LocalPublisher{relay: relay, logger: logger}
}

func (p *LocalPublisher) PublishOrderCreated(_ context.Context, order *models.Order) error {
	p.logger.WithFields(logrus.Fields{
		"topic":    OrderCreatedTopic,
		"order_id": order.ID,
	}).Debug("Event not published, no brokers configured")
	return nil
}

func (p *LocalPublisher) PublishStatusChanged(ctx context.Context, order *models.Order, previous models.OrderStatus) error {
	return p.relay.HandleStatusChanged(ctx, newStatusChangedEvent(order, previous))
}

func (p *LocalPublisher) PublishMessageAppended(_ context.Context, orderID string, msg models.Message) error {
	p.logger.WithFields(logrus.Fields{
		"topic":      MessageAppendedTopic,
		"order_id":   orderID,
		"message_id": msg.ID,
	}).Debug("Event not published, no brokers configured")
	return nil
}
