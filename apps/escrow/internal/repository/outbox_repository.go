package repository

import (
	"context"
	"database/sql"
	"fmt"

	"escrow/apps/escrow/internal/model"
	"go.uber.org/zap"
)

// Outbox row states.
const (
	OutboxUnsent     = "unsent"
	OutboxProcessing = "processing"
	OutboxSent       = "sent"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// StoreOutboxEvent inserts event; storing the same event id twice is a no-op.
func (r *OutboxRepository) StoreOutboxEvent(ctx context.Context, event model.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO event_outbox (event_id, event_type, status, record_id, actor, event_blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.EventType, event.Status, event.RecordID, event.Actor, []byte(event.EventBlob), event.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	r.logger.Debug("Stored event", zap.String("event_id", event.EventID), zap.String("event_type", event.EventType), zap.String("record_id", event.RecordID))
	return nil
}

// GetUnsentEventsForProcessing claims up to limit unsent events by moving
// them to processing inside one transaction.
func (r *OutboxRepository) GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	rows, err := tx.Query(`
		SELECT event_id, event_type, status, record_id, actor, event_blob, created_at
		FROM event_outbox
		WHERE status = 'unsent'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select unsent events: %w", err)
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		var blob []byte
		if err := rows.Scan(&event.EventID, &event.EventType, &event.Status, &event.RecordID, &event.Actor, &blob, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		event.EventBlob = blob
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	rows.Close()

	for i := range events {
		if _, err := tx.Exec(`
			UPDATE event_outbox
			SET status = 'processing'
			WHERE event_id = $1 AND status = 'unsent'
		`, events[i].EventID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox event %s: %w", events[i].EventID, err)
		}
		events[i].Status = OutboxProcessing
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox claim: %w", err)
	}

	return events, nil
}

func (r *OutboxRepository) MarkEventAsSent(eventID string) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'sent'
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s as sent: %w", eventID, err)
	}
	return nil
}

// MarkEventAsFailed returns a claimed event to the unsent pool for a later retry.
func (r *OutboxRepository) MarkEventAsFailed(eventID string) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'unsent'
		WHERE event_id = $1 AND status = 'processing'
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s as failed: %w", eventID, err)
	}
	return nil
}
