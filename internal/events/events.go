package events

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/pkg/models"
)

const (
	OrderCreatedTopic       = "order.created"
	OrderStatusChangedTopic = "order.status_changed"
	MessageAppendedTopic    = "conversation.message_appended"
	StatusChangedDLQTopic   = "order.status_changed.dlq"
)

type OrderCreatedEvent struct {
	OrderID         string             `json:"order_id"`
	CustomerEmail   string             `json:"customer_email"`
	Status          models.OrderStatus `json:"status"`
	HasCustomItems  bool               `json:"has_custom_items"`
	ItemCount       int                `json:"item_count"`
	TotalAmount     *decimal.Decimal   `json:"total_amount"`
	EstimatedAmount *decimal.Decimal   `json:"estimated_amount"`
	CreatedAt       time.Time          `json:"created_at"`
	EventTime       time.Time          `json:"event_time"`
}

type OrderStatusChangedEvent struct {
	OrderID        string             `json:"order_id"`
	PreviousStatus models.OrderStatus `json:"previous_status"`
	Status         models.OrderStatus `json:"status"`
	TotalAmount    *decimal.Decimal   `json:"total_amount"`
	UpdatedAt      time.Time          `json:"updated_at"`
	EventTime      time.Time          `json:"event_time"`
}

type MessageAppendedEvent struct {
	OrderID     string           `json:"order_id"`
	MessageID   string           `json:"message_id"`
	Sender      models.Party     `json:"sender"`
	IsQuote     bool             `json:"is_quote"`
	QuoteAmount *decimal.Decimal `json:"quote_amount,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	EventTime   time.Time        `json:"event_time"`
}

func newOrderCreatedEvent(order *models.Order) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:         order.ID,
		CustomerEmail:   order.Customer.Email,
		Status:          order.Status,
		HasCustomItems:  order.HasCustomItems,
		ItemCount:       len(order.Items),
		TotalAmount:     order.TotalAmount,
		EstimatedAmount: order.EstimatedAmount,
		CreatedAt:       order.CreatedAt,
	}
}

func newStatusChangedEvent(order *models.Order, previous models.OrderStatus) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		OrderID:        order.ID,
		PreviousStatus: previous,
		Status:         order.Status,
		TotalAmount:    order.TotalAmount,
		UpdatedAt:      order.UpdatedAt,
	}
}

func newMessageAppendedEvent(orderID string, msg models.Message) MessageAppendedEvent {
	return MessageAppendedEvent{
		OrderID:     orderID,
		MessageID:   msg.ID,
		Sender:      msg.Sender,
		IsQuote:     msg.IsQuote,
		QuoteAmount: msg.QuoteAmount,
		Timestamp:   msg.Timestamp,
	}
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func newConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

func headerValue(message *sarama.ConsumerMessage, key string) ([]byte, bool) {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return header.Value, true
		}
	}
	return nil, false
}
