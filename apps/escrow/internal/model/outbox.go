package model

import (
	"encoding/json"
	"time"
)

// OutboxEvent is a notification waiting in the outbox table to be shipped.
type OutboxEvent struct {
	EventID   string          `db:"event_id"`
	EventType string          `db:"event_type"`
	Status    string          `db:"status"`
	RecordID  string          `db:"record_id"`
	Actor     string          `db:"actor"`
	EventBlob json.RawMessage `db:"event_blob"`
	CreatedAt time.Time       `db:"created_at"`
}
