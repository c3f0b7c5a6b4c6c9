package dispatchstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "dispatches.json"))
}

func testRecord(sessionID, taskID string) domain.DispatchRecord {
	return domain.DispatchRecord{
		ID:          "id-" + sessionID,
		TaskID:      taskID,
		SessionID:   sessionID,
		BackendType: domain.BackendTypeHTTP,
		BackendName: "local",
		Repo:        "fleet",
		Mode:        domain.ModeReal,
		StartedAt:   time.Now(),
		Status:      domain.DispatchRunning,
	}
}

func TestSaveAndFindBySessionID(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDispatch(testRecord("s1", "tech-001")); err != nil {
		t.Fatalf("SaveDispatch: %v", err)
	}

	rec, err := store.FindBySessionID("s1")
	if err != nil {
		t.Fatalf("FindBySessionID: %v", err)
	}
	if rec == nil {
		t.Fatal("record not found")
	}
	if rec.TaskID != "tech-001" {
		t.Errorf("TaskID = %q, want tech-001", rec.TaskID)
	}

	missing, err := store.FindBySessionID("nope")
	if err != nil {
		t.Fatalf("FindBySessionID: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown session")
	}
}

func TestFindActiveDispatch(t *testing.T) {
	store := newTestStore(t)

	rec := testRecord("s1", "tech-001")
	if err := store.SaveDispatch(rec); err != nil {
		t.Fatalf("SaveDispatch: %v", err)
	}

	found, err := store.FindActiveDispatch(rec.Key())
	if err != nil {
		t.Fatalf("FindActiveDispatch: %v", err)
	}
	if found == nil {
		t.Fatal("running record should match its own key")
	}

	// A different mode is a different identity
	other := rec.Key()
	other.Mode = domain.ModeSmoke
	found, err = store.FindActiveDispatch(other)
	if err != nil {
		t.Fatalf("FindActiveDispatch: %v", err)
	}
	if found != nil {
		t.Error("smoke key should not match a real dispatch")
	}

	// Terminal records never satisfy the idempotency check
	if err := store.UpdateStatus("s1", domain.DispatchCompleted, "", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	found, err = store.FindActiveDispatch(rec.Key())
	if err != nil {
		t.Fatalf("FindActiveDispatch: %v", err)
	}
	if found != nil {
		t.Error("completed record should not match")
	}
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveDispatch(testRecord("s1", "tech-001")); err != nil {
		t.Fatalf("SaveDispatch: %v", err)
	}

	err := store.UpdateStatus("s1", domain.DispatchError, "", "TOOL_HUNG")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	rec, _ := store.FindBySessionID("s1")
	if rec.Status != domain.DispatchError {
		t.Errorf("Status = %q, want error", rec.Status)
	}
	if rec.FailureCode != "TOOL_HUNG" {
		t.Errorf("FailureCode = %q, want TOOL_HUNG", rec.FailureCode)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt should be set on terminal status")
	}
}

func TestUpdateStatusUnknownSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateStatus("ghost", domain.DispatchCompleted, "", ""); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestActiveDispatches(t *testing.T) {
	store := newTestStore(t)

	store.SaveDispatch(testRecord("s1", "tech-001"))
	store.SaveDispatch(testRecord("s2", "tech-002"))
	store.UpdateStatus("s2", domain.DispatchCompleted, "https://example.com/org/repo/pull/5", "")

	active, err := store.ActiveDispatches()
	if err != nil {
		t.Fatalf("ActiveDispatches: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count = %d, want 1", len(active))
	}
	if active[0].SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", active[0].SessionID)
	}
}

func TestRemoveCompleted(t *testing.T) {
	store := newTestStore(t)

	old := testRecord("s1", "tech-001")
	old.Status = domain.DispatchCompleted
	past := time.Now().Add(-100 * time.Hour)
	old.CompletedAt = &past
	store.SaveDispatch(old)

	fresh := testRecord("s2", "tech-002")
	fresh.Status = domain.DispatchCompleted
	now := time.Now()
	fresh.CompletedAt = &now
	store.SaveDispatch(fresh)

	running := testRecord("s3", "tech-003")
	store.SaveDispatch(running)

	removed, err := store.RemoveCompleted(72)
	if err != nil {
		t.Fatalf("RemoveCompleted: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed count = %d, want 1", len(removed))
	}
	if removed[0].SessionID != "s1" {
		t.Errorf("removed SessionID = %q, want s1", removed[0].SessionID)
	}

	remaining, _ := store.All()
	if len(remaining) != 2 {
		t.Errorf("remaining count = %d, want 2", len(remaining))
	}
}

func TestMissingFileIsEmptyStore(t *testing.T) {
	store := newTestStore(t)

	records, err := store.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records count = %d, want 0", len(records))
	}
}

func TestCorruptFileReportsError(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.Path(), []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.All(); err == nil {
		t.Error("expected error for corrupt state document")
	}
}
