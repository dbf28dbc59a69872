package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how often one message may travel through the DLQ.
const MaxReplays = MaxRetries * 2

type DLQConfig struct {
	GroupID string
	// Replay republishes dead letters to their original topic after
	// ReplayDelay. When false the processor only reports them.
	Replay      bool
	ReplayDelay time.Duration
}

// DLQProcessor watches the status change dead letter topic.
type DLQProcessor struct {
	consumer sarama.ConsumerGroup
	producer sarama.SyncProducer
	config   DLQConfig
	logger   *logrus.Logger
}

// DLQRecord is what the processor reports about one dead letter.
type DLQRecord struct {
	Key               string          `json:"key"`
	Partition         int32           `json:"partition"`
	Offset            int64           `json:"offset"`
	Metadata          MessageMetadata `json:"metadata"`
	OriginalPartition string          `json:"original_partition"`
	OriginalOffset    string          `json:"original_offset"`
	FailureTime       string          `json:"failure_time"`
}

func NewDLQProcessor(brokers []string, config DLQConfig, logger *logrus.Logger) (*DLQProcessor, error) {
	if config.GroupID == "" {
		config.GroupID = "dlq-processor-group"
	}

	consumer, err := sarama.NewConsumerGroup(brokers, config.GroupID, newConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, newProducerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return newDLQProcessor(consumer, producer, config, logger), nil
}

func newDLQProcessor(consumer sarama.ConsumerGroup, producer sarama.SyncProducer, config DLQConfig, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		consumer: consumer,
		producer: producer,
		config:   config,
		logger:   logger,
	}
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	handler := &dlqConsumerHandler{processor: p, logger: p.logger}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("DLQ processor context cancelled")
			return nil
		default:
			if err := p.consumer.Consume(ctx, []string{StatusChangedDLQTopic}, handler); err != nil {
				p.logger.WithError(err).Error("Error consuming from DLQ")
				return err
			}
		}
	}
}

// Inspect decodes the DLQ headers of message.
func Inspect(message *sarama.ConsumerMessage) DLQRecord {
	record := DLQRecord{
		Key:       string(message.Key),
		Partition: message.Partition,
		Offset:    message.Offset,
		Metadata:  extractMetadata(message),
	}
	if raw, ok := headerValue(message, "original_partition"); ok {
		record.OriginalPartition = string(raw)
	}
	if raw, ok := headerValue(message, "original_offset"); ok {
		record.OriginalOffset = string(raw)
	}
	if raw, ok := headerValue(message, "failure_time"); ok {
		record.FailureTime = string(raw)
	}
	return record
}

// ReplayMessage republishes a dead letter to the topic it failed on.
func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := extractMetadata(message)
	if metadata.RetryCount >= MaxReplays {
		p.logger.WithFields(logrus.Fields{
			"order_key":   string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return fmt.Errorf("message %s exceeded %d replay attempts", string(message.Key), MaxReplays)
	}

	topic := metadata.OriginalTopic
	if topic == "" || topic == StatusChangedDLQTopic {
		topic = OrderStatusChangedTopic
	}

	replay := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replay)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     topic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
	}).Info("Message replayed from DLQ")
	return nil
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	return p.consumer.Close()
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			record := Inspect(message)
			h.logger.WithFields(logrus.Fields{
				"key":            record.Key,
				"original_topic": record.Metadata.OriginalTopic,
				"retry_count":    record.Metadata.RetryCount,
				"first_failure":  record.Metadata.FirstFailure,
				"last_failure":   record.Metadata.LastFailure,
				"error_message":  record.Metadata.ErrorMessage,
				"failure_time":   record.FailureTime,
			}).Warn("DLQ message detected")

			if h.processor.config.Replay {
				select {
				case <-time.After(h.processor.config.ReplayDelay):
				case <-session.Context().Done():
					return nil
				}
				if err := h.processor.ReplayMessage(message); err != nil {
					h.logger.WithError(err).Error("Failed to replay DLQ message")
				}
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
