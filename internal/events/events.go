// Package events defines the lifecycle-event schema published to the
// external event bus. Delivery is best-effort: emission failures are logged
// by callers and never affect the dispatch path.
package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is carried in every event
const SchemaVersion = "1.0"

// Event types
const (
	TypeDispatchRequest = "DISPATCH_REQUEST"
	TypePRCreated       = "PR_CREATED"
	TypeCloudComplete   = "CLOUD_COMPLETE"
	TypeReviewComplete  = "REVIEW_COMPLETE"
	TypeStatusUpdate    = "STATUS_UPDATE"
)

// Event is one lifecycle event
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Version       string                 `json:"version"`
	Repo          string                 `json:"repo"`
	TaskID        string                 `json:"task_id"`
	Sender        string                 `json:"sender"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty"`
}

// New creates an event with a fresh id and timestamp
func New(eventType, repo, taskID, sender string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Version:   SchemaVersion,
		Repo:      repo,
		TaskID:    taskID,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Emitter publishes lifecycle events
type Emitter interface {
	Emit(e Event) error
}

// MultiEmitter publishes to several emitters
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that fans out to all provided emitters
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends the event to every emitter, returning the last failure
func (m *MultiEmitter) Emit(e Event) error {
	var lastErr error
	for _, em := range m.emitters {
		if err := em.Emit(e); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopEmitter drops events (for testing or when no bus is configured)
type NoopEmitter struct{}

func (NoopEmitter) Emit(e Event) error { return nil }
