package domain

import "time"

// DispatchRecord is the durable record of one dispatch. Records are created
// by the dispatcher with status running and mutated only by the monitor
// sweep or the PR-finalization step.
type DispatchRecord struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	SessionID   string         `json:"session_id"`
	BackendType string         `json:"backend_type"`
	BackendName string         `json:"backend_name"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Repo        string         `json:"repo"`
	Mode        Mode           `json:"mode"`
	StartedAt   time.Time      `json:"started_ts"`
	Status      DispatchStatus `json:"status"`

	// Correlation references for the external event transport.
	MessageRef string `json:"message_ref,omitempty"`
	ThreadRef  string `json:"thread_ref,omitempty"`

	PRURL       string     `json:"pr_url,omitempty"`
	FailureCode string     `json:"failure_code,omitempty"`
	CompletedAt *time.Time `json:"completed_ts,omitempty"`
}

// DispatchKey is the idempotency identity of a dispatch. At most one running
// record may exist per key.
type DispatchKey struct {
	TaskID      string
	BackendType string
	BackendName string
	Repo        string
	Mode        Mode
}

// Key returns the record's idempotency identity
func (r *DispatchRecord) Key() DispatchKey {
	return DispatchKey{
		TaskID:      r.TaskID,
		BackendType: r.BackendType,
		BackendName: r.BackendName,
		Repo:        r.Repo,
		Mode:        r.Mode,
	}
}
