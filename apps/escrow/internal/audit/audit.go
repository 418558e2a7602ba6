package audit

import (
	"context"
	"sync"

	"escrow/apps/escrow/internal/events"
	"go.uber.org/zap"
)

// Sink receives every notification emitted by the engine.
type Sink interface {
	Record(ctx context.Context, event events.Event) error
}

// Log is an append-only in-memory audit trail.
type Log struct {
	mu      sync.RWMutex
	entries []events.Event
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Record(_ context.Context, event events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, event)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (l *Log) Entries() []events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]events.Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForRecord returns the entries about one record, in emission order.
func (l *Log) ForRecord(recordID string) []events.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []events.Event
	for _, e := range l.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out
}

// Fanout delivers each event to every sink. A failing sink is logged and does
// not stop delivery to the others; committed state is never rolled back
// because a notification could not be stored.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Record(ctx context.Context, event events.Event) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Record(ctx, event); err != nil {
			f.logger.Error("Failed to record audit event",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
				zap.String("record_id", event.RecordID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Emit records event on sink, logging instead of returning the error.
// A nil sink discards the event.
func Emit(ctx context.Context, sink Sink, logger *zap.Logger, event events.Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil {
		logger.Error("Failed to emit event",
			zap.String("event_type", event.EventType),
			zap.String("record_id", event.RecordID),
			zap.Error(err))
	}
}
