package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

// StatusChangeHandler processes order status changes consumed from Kafka.
type StatusChangeHandler interface {
	HandleStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error
	IsRetryable(err error) bool
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

// ConsumerMetrics counts consumer outcomes. Safe for concurrent use.
type ConsumerMetrics struct {
	processed atomic.Int64
	retries   atomic.Int64
	dlq       atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

type ConsumerStats struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

func (m *ConsumerMetrics) Stats() ConsumerStats {
	return ConsumerStats{
		ProcessedCount: m.processed.Load(),
		RetryCount:     m.retries.Load(),
		DLQCount:       m.dlq.Load(),
		SuccessCount:   m.successes.Load(),
		FailureCount:   m.failures.Load(),
	}
}

// MessageMetadata travels in the "metadata" header of dead-lettered messages.
type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// StatusChangeConsumer consumes order.status_changed with retries and sends
// messages it cannot process to the dead letter topic.
type StatusChangeConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *statusChangeGroupHandler
	logger        *logrus.Logger
	topics        []string
}

type statusChangeGroupHandler struct {
	handler  StatusChangeHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	metrics  *ConsumerMetrics
}

func NewStatusChangeConsumer(brokers []string, groupID string, handler StatusChangeHandler, logger *logrus.Logger) (*StatusChangeConsumer, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, newConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &StatusChangeConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newStatusChangeGroupHandler(handler, producer, DefaultRetryPolicy(), logger),
		logger:        logger,
		topics:        []string{OrderStatusChangedTopic},
	}, nil
}

func newStatusChangeGroupHandler(handler StatusChangeHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *statusChangeGroupHandler {
	return &statusChangeGroupHandler{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
		metrics:  &ConsumerMetrics{},
	}
}

// Start blocks consuming until ctx is cancelled.
func (c *StatusChangeConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *StatusChangeConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *StatusChangeConsumer) Stats() ConsumerStats {
	return c.handler.metrics.Stats()
}

func (h *statusChangeGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *statusChangeGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *statusChangeGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message, dead-lettering it when handling fails.
func (h *statusChangeGroupHandler) process(ctx context.Context, message *sarama.ConsumerMessage) {
	h.metrics.processed.Add(1)

	err := h.handleMessageWithRetry(ctx, message)
	if err == nil {
		h.metrics.successes.Add(1)
		return
	}

	h.logger.WithError(err).Error("Failed to process message after retries")
	h.metrics.failures.Add(1)
	if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
		h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return
	}
	h.metrics.dlq.Add(1)
}

func (h *statusChangeGroupHandler) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Debug("Processing Kafka message")

	var event OrderStatusChangedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal status changed event: %w", err)
	}

	delay := h.policy.InitialDelay
	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    delay,
			}).Info("Retrying status change")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			h.metrics.retries.Add(1)

			delay *= 2
			if delay > h.policy.MaxDelay {
				delay = h.policy.MaxDelay
			}
		}

		err := h.handler.HandleStatusChanged(ctx, event)
		if err == nil {
			return nil
		}
		if !h.handler.IsRetryable(err) {
			return err
		}
		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error handling status change")
	}

	return fmt.Errorf("exhausted retries for order %s", event.OrderID)
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}
	if raw, ok := headerValue(message, "metadata"); ok {
		json.Unmarshal(raw, &metadata)
	}
	if raw, ok := headerValue(message, "retry_count"); ok {
		if count, err := strconv.Atoi(string(raw)); err == nil {
			metadata.RetryCount = count
		}
	}
	return metadata
}

func (h *statusChangeGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now()
	previous := extractMetadata(message)
	metadata := MessageMetadata{
		RetryCount:    previous.RetryCount + 1,
		FirstFailure:  previous.FirstFailure,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	if metadata.FirstFailure.IsZero() {
		metadata.FirstFailure = now
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: StatusChangedDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     StatusChangedDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}
