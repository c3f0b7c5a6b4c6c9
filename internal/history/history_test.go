package history

import (
	"testing"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func archivedRecord(id string, completed time.Time) domain.DispatchRecord {
	return domain.DispatchRecord{
		ID:          id,
		TaskID:      "tech-" + id,
		SessionID:   "s-" + id,
		BackendType: domain.BackendTypeHTTP,
		BackendName: "local",
		Endpoint:    "http://localhost:8317",
		Repo:        "fleet",
		Mode:        domain.ModeReal,
		Status:      domain.DispatchCompleted,
		PRURL:       "https://example.com/org/repo/pull/1",
		StartedAt:   completed.Add(-30 * time.Minute),
		CompletedAt: &completed,
	}
}

func TestAddAndListRecent(t *testing.T) {
	a := newTestArchive(t)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"d1", "d2", "d3"} {
		if err := a.Add(archivedRecord(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	records, err := a.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("count = %d, want 2", len(records))
	}
	// Most recently completed first
	if records[0].ID != "d3" || records[1].ID != "d2" {
		t.Errorf("order = %s, %s, want d3, d2", records[0].ID, records[1].ID)
	}
	if records[0].PRURL == "" {
		t.Error("PRURL should round-trip")
	}
	if records[0].CompletedAt == nil {
		t.Error("CompletedAt should round-trip")
	}
}

func TestAdd_IdempotentOnID(t *testing.T) {
	a := newTestArchive(t)
	rec := archivedRecord("d1", time.Now().UTC())

	if err := a.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Re-archiving the same record is a no-op, not an error
	if err := a.Add(rec); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	records, _ := a.ListRecent(10)
	if len(records) != 1 {
		t.Errorf("count = %d, want 1", len(records))
	}
}

func TestAddAll(t *testing.T) {
	a := newTestArchive(t)
	now := time.Now().UTC()

	stored, err := a.AddAll([]domain.DispatchRecord{
		archivedRecord("d1", now),
		archivedRecord("d2", now),
	})
	if err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}
}

func TestCountSince(t *testing.T) {
	a := newTestArchive(t)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	a.Add(archivedRecord("d1", base))
	a.Add(archivedRecord("d2", base.Add(2*time.Hour)))
	a.Add(archivedRecord("d3", base.Add(4*time.Hour)))

	count, err := a.CountSince(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestAdd_NilCompletedAt(t *testing.T) {
	a := newTestArchive(t)
	rec := archivedRecord("d1", time.Now().UTC())
	rec.CompletedAt = nil
	rec.Status = domain.DispatchTimeout

	if err := a.Add(rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
	records, _ := a.ListRecent(1)
	if len(records) != 1 {
		t.Fatal("record not stored")
	}
	if records[0].CompletedAt != nil {
		t.Error("CompletedAt should stay nil")
	}
}
