package materializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrow/apps/escrow/internal/events"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
)

type OrderStore interface {
	UpsertOrder(order events.OrderPayload, updatedAt time.Time) error
}

type LPStore interface {
	UpsertLP(lp events.LPPayload) error
}

type RateStore interface {
	UpsertRate(rate events.RatePayload) error
}

type messageConsumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// Materializer projects the event stream into the read tables served by the API.
type Materializer struct {
	logger        *zap.Logger
	kafkaConsumer messageConsumer
	kafkaTopic    string
	orders        OrderStore
	lps           LPStore
	rates         RateStore
}

func NewMaterializer(kafkaBroker, kafkaTopic, groupID string, logger *zap.Logger, orders OrderStore, lps LPStore, rates RateStore) (*Materializer, error) {
	// Setup Kafka consumer
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Materializer{
		logger:        logger,
		kafkaConsumer: consumer,
		kafkaTopic:    kafkaTopic,
		orders:        orders,
		lps:           lps,
		rates:         rates,
	}, nil
}

// Start consumes until ctx is done.
func (m *Materializer) Start(ctx context.Context) error {
	m.logger.Info("Starting materializer...")

	// Subscribe to the topic
	err := m.kafkaConsumer.Subscribe(m.kafkaTopic, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", m.kafkaTopic, err)
	}

	for ctx.Err() == nil {
		msg, err := m.kafkaConsumer.ReadMessage(time.Second)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			m.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := m.processMessage(msg.Value); err != nil {
			m.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}

	m.logger.Info("Stopping materializer")
	return nil
}

func (m *Materializer) processMessage(value []byte) error {
	var event events.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	m.logger.Debug("Processing event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("record_id", event.RecordID))

	switch {
	case event.Order != nil:
		return m.orders.UpsertOrder(*event.Order, event.Timestamp)
	case event.LP != nil:
		return m.lps.UpsertLP(*event.LP)
	case event.Rate != nil:
		return m.rates.UpsertRate(*event.Rate)
	default:
		// configuration events have no read-model row
		return nil
	}
}

func (m *Materializer) Close() error {
	if m.kafkaConsumer != nil {
		return m.kafkaConsumer.Close()
	}
	return nil
}
