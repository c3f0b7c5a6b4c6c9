package events

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNew(t *testing.T) {
	e := New(TypeDispatchRequest, "fleet", "tech-001", "fleet-eu", map[string]interface{}{
		"session_id": "s1",
	})

	if e.EventID == "" {
		t.Error("EventID should be generated")
	}
	if e.EventType != TypeDispatchRequest {
		t.Errorf("EventType = %q", e.EventType)
	}
	if e.Version != SchemaVersion {
		t.Errorf("Version = %q, want %q", e.Version, SchemaVersion)
	}
	if e.Repo != "fleet" || e.TaskID != "tech-001" || e.Sender != "fleet-eu" {
		t.Errorf("identity fields = %q/%q/%q", e.Repo, e.TaskID, e.Sender)
	}
	if e.Timestamp.IsZero() || e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want non-zero UTC", e.Timestamp)
	}
	if e.Payload["session_id"] != "s1" {
		t.Errorf("Payload = %v", e.Payload)
	}
}

func TestNew_NilPayload(t *testing.T) {
	e := New(TypeStatusUpdate, "fleet", "tech-001", "s", nil)
	if e.Payload == nil {
		t.Error("nil payload should be replaced with an empty map")
	}
}

func TestNew_UniqueEventIDs(t *testing.T) {
	a := New(TypeStatusUpdate, "r", "t", "s", nil)
	b := New(TypeStatusUpdate, "r", "t", "s", nil)
	if a.EventID == b.EventID {
		t.Error("event ids must be unique")
	}
}

type recordingEmitter struct {
	got []Event
	err error
}

func (r *recordingEmitter) Emit(e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestMultiEmitter(t *testing.T) {
	a := &recordingEmitter{}
	b := &recordingEmitter{err: errors.New("bus down")}
	c := &recordingEmitter{}
	m := NewMultiEmitter(a, b, c)

	err := m.Emit(New(TypePRCreated, "fleet", "tech-001", "s", nil))
	if err == nil || err.Error() != "bus down" {
		t.Errorf("err = %v, want the failing emitter's error", err)
	}

	// A failing emitter never stops delivery to the others
	if len(a.got) != 1 || len(b.got) != 1 || len(c.got) != 1 {
		t.Errorf("delivery counts = %d/%d/%d, want 1/1/1", len(a.got), len(b.got), len(c.got))
	}
}

func TestNoopEmitter(t *testing.T) {
	if err := (NoopEmitter{}).Emit(New(TypeCloudComplete, "r", "t", "s", nil)); err != nil {
		t.Errorf("NoopEmitter.Emit = %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, maxBackoff},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBusEmitter(t *testing.T) {
	received := make(chan Event, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Errorf("reading event: %v", err)
			return
		}
		received <- e
	}))
	defer srv.Close()

	emitter := NewBusEmitter("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer emitter.Close()

	sent := New(TypeStatusUpdate, "fleet", "tech-001", "fleet-eu", map[string]interface{}{"status": "completed"})
	if err := emitter.Emit(sent); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case got := <-received:
		if got.EventID != sent.EventID {
			t.Errorf("EventID = %q, want %q", got.EventID, sent.EventID)
		}
		if got.EventType != TypeStatusUpdate {
			t.Errorf("EventType = %q", got.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received by bus")
	}
}

func TestBusEmitter_UnreachableBus(t *testing.T) {
	emitter := NewBusEmitter("ws://127.0.0.1:1/events")
	if err := emitter.Emit(New(TypeStatusUpdate, "r", "t", "s", nil)); err == nil {
		t.Error("expected error for unreachable bus")
	}

	// The failed dial opens a backoff window; an immediate retry is refused.
	if err := emitter.Emit(New(TypeStatusUpdate, "r", "t", "s", nil)); err == nil {
		t.Error("expected backoff error on immediate retry")
	}
}
