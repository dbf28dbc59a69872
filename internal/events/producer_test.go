package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/commission-desk/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// expectMessage checks topic and key and decodes the value into dest.
func expectMessage(topic, key string, dest interface{}) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		if msg.Topic != topic {
			return fmt.Errorf("topic = %q, want %q", msg.Topic, topic)
		}
		gotKey, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(gotKey) != key {
			return fmt.Errorf("key = %q, want %q", gotKey, key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		return json.Unmarshal(value, dest)
	}
}

func sampleOrder() *models.Order {
	total := decimal.NewFromInt(40)
	estimate := decimal.NewFromInt(55)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Order{
		ID:              "O1",
		Customer:        models.Customer{Name: "Ada", Email: "ada@example.com"},
		Items:           []models.LineItem{{ItemID: "glazed-mug"}, {ItemID: "bud-vase"}},
		TotalAmount:     &total,
		EstimatedAmount: &estimate,
		Status:          models.OrderStatusPending,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestPublishOrderCreated(t *testing.T) {
	mock := mocks.NewSyncProducer(t, newProducerConfig())
	defer mock.Close()

	var got OrderCreatedEvent
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectMessage(OrderCreatedTopic, "O1", &got))

	producer := NewKafkaProducerWithClient(mock, quietLogger())
	require.NoError(t, producer.PublishOrderCreated(context.Background(), sampleOrder()))

	assert.Equal(t, "O1", got.OrderID)
	assert.Equal(t, "ada@example.com", got.CustomerEmail)
	assert.Equal(t, 2, got.ItemCount)
	assert.Equal(t, "40", got.TotalAmount.String())
	assert.Equal(t, "55", got.EstimatedAmount.String())
	assert.False(t, got.EventTime.IsZero())
}

func TestPublishStatusChanged(t *testing.T) {
	mock := mocks.NewSyncProducer(t, newProducerConfig())
	defer mock.Close()

	var got OrderStatusChangedEvent
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectMessage(OrderStatusChangedTopic, "O1", &got))

	order := sampleOrder()
	order.Status = models.OrderStatusConfirmed
	producer := NewKafkaProducerWithClient(mock, quietLogger())
	require.NoError(t, producer.PublishStatusChanged(context.Background(), order, models.OrderStatusPending))

	assert.Equal(t, models.OrderStatusPending, got.PreviousStatus)
	assert.Equal(t, models.OrderStatusConfirmed, got.Status)
}

func TestPublishMessageAppended(t *testing.T) {
	mock := mocks.NewSyncProducer(t, newProducerConfig())
	defer mock.Close()

	var got MessageAppendedEvent
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectMessage(MessageAppendedTopic, "O1", &got))

	amount := decimal.RequireFromString("180.00")
	producer := NewKafkaProducerWithClient(mock, quietLogger())
	err := producer.PublishMessageAppended(context.Background(), "O1", models.Message{
		ID:          "m-1",
		Sender:      models.PartyAdmin,
		Content:     "Quote attached",
		IsQuote:     true,
		QuoteAmount: &amount,
	})
	require.NoError(t, err)

	assert.Equal(t, "m-1", got.MessageID)
	assert.Equal(t, models.PartyAdmin, got.Sender)
	assert.True(t, got.IsQuote)
	assert.True(t, amount.Equal(*got.QuoteAmount))
}

func TestPublishFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, newProducerConfig())
	defer mock.Close()

	brokerErr := errors.New("leader not available")
	mock.ExpectSendMessageAndFail(brokerErr)

	producer := NewKafkaProducerWithClient(mock, quietLogger())
	err := producer.PublishOrderCreated(context.Background(), sampleOrder())
	require.Error(t, err)
	assert.ErrorIs(t, err, brokerErr)
}
