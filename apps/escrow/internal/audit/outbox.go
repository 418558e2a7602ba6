package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
)

// OutboxStore persists serialized events for later publishing.
type OutboxStore interface {
	StoreOutboxEvent(ctx context.Context, event model.OutboxEvent) error
}

// OutboxSink writes every event to the outbox table as an unsent row.
type OutboxSink struct {
	store OutboxStore
}

func NewOutboxSink(store OutboxStore) *OutboxSink {
	return &OutboxSink{store: store}
}

func (s *OutboxSink) Record(ctx context.Context, event events.Event) error {
	blob, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
	}
	return s.store.StoreOutboxEvent(ctx, model.OutboxEvent{
		EventID:   event.EventID,
		EventType: event.EventType,
		Status:    "unsent",
		RecordID:  event.RecordID,
		Actor:     event.Actor,
		EventBlob: blob,
		CreatedAt: event.Timestamp,
	})
}
