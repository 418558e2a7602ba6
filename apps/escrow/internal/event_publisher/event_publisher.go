package event_publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrow/apps/escrow/internal/metrics"
	"escrow/apps/escrow/internal/model"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

// OutboxSource is the outbox side of the publisher.
type OutboxSource interface {
	GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error)
	MarkEventAsSent(eventID string) error
	MarkEventAsFailed(eventID string) error
}

type messageProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer messageProducer
	kafkaTopic    string
	repository    OutboxSource
	interval      time.Duration
	batchSize     int
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, interval time.Duration, batchSize int, logger *zap.Logger, repository OutboxSource) (*EventPublisher, error) {
	// Setup Kafka producer
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  kafkaBroker,
		"acks":               "all",
		"enable.idempotence": true,
		"retries":            3,
		"retry.backoff.ms":   100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newEventPublisher(producer, kafkaTopic, interval, batchSize, logger, repository), nil
}

func newEventPublisher(producer messageProducer, kafkaTopic string, interval time.Duration, batchSize int, logger *zap.Logger, repository OutboxSource) *EventPublisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		repository:    repository,
		interval:      interval,
		batchSize:     batchSize,
	}
}

// StartPublishing drains the outbox on every tick until ctx is done.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ep.logger.Info("Stopping event publisher")
			return
		case <-ticker.C:
			if err := ep.publishUnsentEvents(); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents() error {
	// Use mutex to ensure only one publishing operation at a time per instance
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(ep.batchSize)
	if err != nil {
		return err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			metrics.OutboxPublished.WithLabelValues("failed").Inc()
			ep.logger.Error("Failed to publish event to Kafka", zap.String("event_id", event.EventID), zap.String("event_type", event.EventType), zap.Error(err))
			// Mark as failed (returns status to 'unsent' for retry)
			if markErr := ep.repository.MarkEventAsFailed(event.EventID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.String("event_id", event.EventID), zap.Error(markErr))
			}
			continue
		}

		metrics.OutboxPublished.WithLabelValues("sent").Inc()
		if err := ep.repository.MarkEventAsSent(event.EventID); err != nil {
			// delivered but left in processing; it will not be re-sent
			ep.logger.Error("Failed to mark event as sent", zap.String("event_id", event.EventID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}

	return nil
}

// publishEventToKafka sends the stored event JSON as-is, keyed by record id so
// every event for one order, LP or currency lands on the same partition.
func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err := ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(event.RecordID),
		Value:          event.EventBlob,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}},
	}, deliveryChan)

	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
