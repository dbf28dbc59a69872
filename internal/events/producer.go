package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/pkg/models"
)

// KafkaProducer publishes order and conversation events keyed by order id,
// so every event for one order lands on the same partition.
type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
	now      func() time.Time
}

func NewKafkaProducer(brokers []string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewKafkaProducerWithClient(producer, logger), nil
}

func NewKafkaProducerWithClient(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *KafkaProducer) PublishOrderCreated(_ context.Context, order *models.Order) error {
	event := newOrderCreatedEvent(order)
	event.EventTime = p.now()
	return p.publish(OrderCreatedTopic, order.ID, event)
}

func (p *KafkaProducer) PublishStatusChanged(_ context.Context, order *models.Order, previous models.OrderStatus) error {
	event := newStatusChangedEvent(order, previous)
	event.EventTime = p.now()
	return p.publish(OrderStatusChangedTopic, order.ID, event)
}

func (p *KafkaProducer) PublishMessageAppended(_ context.Context, orderID string, msg models.Message) error {
	event := newMessageAppendedEvent(orderID, msg)
	event.EventTime = p.now()
	return p.publish(MessageAppendedTopic, orderID, event)
}

func (p *KafkaProducer) publish(topic, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to send message to Kafka")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  key,
	}).Info("Event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
