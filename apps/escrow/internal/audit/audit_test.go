package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"go.uber.org/zap"
)

type failingSink struct{ calls int }

func (s *failingSink) Record(context.Context, events.Event) error {
	s.calls++
	return errors.New("sink down")
}

type memoryOutbox struct{ rows []model.OutboxEvent }

func (m *memoryOutbox) StoreOutboxEvent(_ context.Context, event model.OutboxEvent) error {
	m.rows = append(m.rows, event)
	return nil
}

func TestFanoutKeepsDeliveringAfterFailure(t *testing.T) {
	failing := &failingSink{}
	log := NewLog()
	fanout := NewFanout(zap.NewNop(), failing, log)

	event := events.ForConfig(events.ParamsUpdated, "escrow_params", "0xadmin", nil, time.Now())
	if err := fanout.Record(context.Background(), event); err == nil {
		t.Errorf("Expected the first sink error to be reported")
	}
	if failing.calls != 1 {
		t.Errorf("Expected failing sink to be called once, got %d", failing.calls)
	}
	if len(log.Entries()) != 1 {
		t.Errorf("Expected log to receive the event after a failing sink")
	}

	// Emit swallows the error
	Emit(context.Background(), fanout, zap.NewNop(), event)
	Emit(context.Background(), nil, zap.NewNop(), event)
	if len(log.Entries()) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(log.Entries()))
	}
}

func TestOutboxSinkStoresSerializedEvent(t *testing.T) {
	store := &memoryOutbox{}
	sink := NewOutboxSink(store)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	event := events.ForConfig(events.SignerRotated, "claim_signer", "0xadmin", map[string]string{"new": "0x01"}, at)

	if err := sink.Record(context.Background(), event); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("Expected one outbox row, got %d", len(store.rows))
	}
	row := store.rows[0]
	if row.EventID != event.EventID || row.Status != "unsent" || !row.CreatedAt.Equal(at) {
		t.Errorf("Unexpected outbox row: %+v", row)
	}

	var decoded events.Event
	if err := json.Unmarshal(row.EventBlob, &decoded); err != nil {
		t.Fatalf("Stored blob is not an event: %v", err)
	}
	if decoded.Details["new"] != "0x01" || decoded.RecordID != "claim_signer" {
		t.Errorf("Blob lost fields: %+v", decoded)
	}
}
