// Package history provides a SQLite archive of garbage-collected dispatch
// records. The live JSON document stays small; aged terminal records move
// here for later querying.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
	_ "modernc.org/sqlite"
)

// Archive provides SQLite-backed storage for retired dispatch records
type Archive struct {
	db *sql.DB
}

// New opens (and migrates) the archive at the given database path
func New(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the database connection
func (a *Archive) Close() error {
	return a.db.Close()
}

// Add archives one dispatch record
func (a *Archive) Add(rec domain.DispatchRecord) error {
	var completed interface{}
	if rec.CompletedAt != nil {
		completed = *rec.CompletedAt
	}
	_, err := a.db.Exec(`
		INSERT INTO dispatches (id, task_id, session_id, backend_type, backend_name, endpoint, repo, mode, status, pr_url, failure_code, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.TaskID,
		rec.SessionID,
		rec.BackendType,
		rec.BackendName,
		rec.Endpoint,
		rec.Repo,
		string(rec.Mode),
		string(rec.Status),
		rec.PRURL,
		rec.FailureCode,
		rec.StartedAt,
		completed,
	)
	return err
}

// AddAll archives a batch of records, reporting the number stored
func (a *Archive) AddAll(recs []domain.DispatchRecord) (int, error) {
	stored := 0
	for _, rec := range recs {
		if err := a.Add(rec); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// ListRecent returns the most recently completed archived dispatches
func (a *Archive) ListRecent(limit int) ([]domain.DispatchRecord, error) {
	rows, err := a.db.Query(`
		SELECT id, task_id, session_id, backend_type, backend_name, endpoint, repo, mode, status, pr_url, failure_code, started_at, completed_at
		FROM dispatches ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DispatchRecord
	for rows.Next() {
		var rec domain.DispatchRecord
		var mode, status string
		var prURL, failureCode, endpoint sql.NullString
		var completed sql.NullTime

		err := rows.Scan(&rec.ID, &rec.TaskID, &rec.SessionID, &rec.BackendType, &rec.BackendName, &endpoint, &rec.Repo, &mode, &status, &prURL, &failureCode, &rec.StartedAt, &completed)
		if err != nil {
			return nil, err
		}

		rec.Mode = domain.Mode(mode)
		rec.Status = domain.DispatchStatus(status)
		rec.Endpoint = endpoint.String
		rec.PRURL = prURL.String
		rec.FailureCode = failureCode.String
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountSince returns how many archived dispatches completed after the cutoff
func (a *Archive) CountSince(cutoff time.Time) (int, error) {
	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM dispatches WHERE completed_at > ?`, cutoff).Scan(&count)
	return count, err
}
