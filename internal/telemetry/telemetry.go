// Package telemetry persists finished calls and error reports consumed from
// the event bus. Records are buffered and written in bulk; every record keeps
// the id of the event it came from so redelivered events are stored once.
package telemetry

import (
	"context"
	"sync"
	"time"

	"chime-live/internal/events"
)

// Kinds label batches in logs and metrics.
const (
	KindCallLogs = "call_logs"
	KindErrors   = "errors"
)

// CallLog is a finished call.
type CallLog struct {
	EventID         string    `bson:"event_id"`
	CallerID        string    `bson:"caller_id"`
	CalleeID        string    `bson:"callee_id"`
	DurationSeconds int64     `bson:"duration_seconds"`
	EndedAt         time.Time `bson:"ended_at"`
}

// ErrorRecord is an error surfaced to a client or raised by a component.
type ErrorRecord struct {
	EventID    string    `bson:"event_id"`
	Source     string    `bson:"source"`
	UserID     string    `bson:"user_id,omitempty"`
	Kind       string    `bson:"kind,omitempty"`
	Message    string    `bson:"message"`
	OccurredAt time.Time `bson:"occurred_at"`
}

// Store writes batches. Implementations must ignore records whose EventID is
// already stored.
type Store interface {
	SaveCallLogs(ctx context.Context, logs []CallLog) error
	SaveErrors(ctx context.Context, records []ErrorRecord) error
	Close(ctx context.Context) error
}

// CallLogFromEvent converts a call-ended event. ok is false for any other
// topic.
func CallLogFromEvent(event events.Event) (CallLog, bool) {
	if event.Topic != events.TopicCallEnded || event.CallEnded == nil {
		return CallLog{}, false
	}
	return CallLog{
		EventID:         event.ID,
		CallerID:        event.CallEnded.CallerID,
		CalleeID:        event.CallEnded.CalleeID,
		DurationSeconds: event.CallEnded.DurationSeconds,
		EndedAt:         event.OccurredAt.UTC(),
	}, true
}

// ErrorFromEvent converts an error-logs event.
func ErrorFromEvent(event events.Event) (ErrorRecord, bool) {
	if event.Topic != events.TopicErrorLogs || event.Error == nil {
		return ErrorRecord{}, false
	}
	return ErrorRecord{
		EventID:    event.ID,
		Source:     event.Error.Source,
		UserID:     event.Error.UserID,
		Kind:       event.Error.Kind,
		Message:    event.Error.Message,
		OccurredAt: event.OccurredAt.UTC(),
	}, true
}

// MemoryStore keeps records in process. It is used by tests and by sinks
// started without a database.
type MemoryStore struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	callLogs []CallLog
	errors   []ErrorRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) SaveCallLogs(_ context.Context, logs []CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		if s.mark(KindCallLogs, l.EventID) {
			s.callLogs = append(s.callLogs, l)
		}
	}
	return nil
}

func (s *MemoryStore) SaveErrors(_ context.Context, records []ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.mark(KindErrors, r.EventID) {
			s.errors = append(s.errors, r)
		}
	}
	return nil
}

func (s *MemoryStore) mark(kind, id string) bool {
	key := kind + "/" + id
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// CallLogs returns a copy of the stored call logs.
func (s *MemoryStore) CallLogs() []CallLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallLog(nil), s.callLogs...)
}

// Errors returns a copy of the stored error records.
func (s *MemoryStore) Errors() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorRecord(nil), s.errors...)
}
