// Package dispatchstore persists dispatch records as a single JSON document
// holding an array of records. Every operation is a full load, in-memory
// mutation, and atomic rewrite (temp file + rename).
//
// Contract: a single dispatching caller per host. The in-process mutex
// serializes individual store operations and the atomic replace keeps
// concurrent readers consistent, but multi-operation sequences such as the
// dispatcher's duplicate check followed by a save are not transactional,
// and writers in separate processes are not coordinated.
package dispatchstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// Store is the durable dispatch-record store
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store backed by the JSON document at path
func New(path string) *Store {
	return &Store{path: path}
}

// load reads the full document. A missing file is an empty store.
func (s *Store) load() ([]domain.DispatchRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading dispatch state: %w", err)
	}
	var records []domain.DispatchRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing dispatch state: %w", err)
	}
	return records, nil
}

// save rewrites the full document atomically
func (s *Store) save(records []domain.DispatchRecord) error {
	if records == nil {
		records = []domain.DispatchRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dispatch state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dispatches-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing dispatch state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing dispatch state: %w", err)
	}
	return nil
}

// SaveDispatch appends a new record
func (s *Store) SaveDispatch(rec domain.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	records = append(records, rec)
	return s.save(records)
}

// FindActiveDispatch returns the record matching the identity key if its
// status is still running. This is the sole idempotency check.
func (s *Store) FindActiveDispatch(key domain.DispatchKey) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Status == domain.DispatchRunning && records[i].Key() == key {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// FindBySessionID returns the record for a session, or nil
func (s *Store) FindBySessionID(sessionID string) (*domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].SessionID == sessionID {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// UpdateStatus sets a record's status and optional pr_url / failure_code.
// completed_ts is set automatically when the new status is terminal.
func (s *Store) UpdateStatus(sessionID string, status domain.DispatchStatus, prURL, failureCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].SessionID != sessionID {
			continue
		}
		records[i].Status = status
		if prURL != "" {
			records[i].PRURL = prURL
		}
		if failureCode != "" {
			records[i].FailureCode = failureCode
		}
		if status.IsTerminal() && records[i].CompletedAt == nil {
			now := time.Now()
			records[i].CompletedAt = &now
		}
		return s.save(records)
	}
	return fmt.Errorf("no dispatch record for session %s", sessionID)
}

// ActiveDispatches returns all records with status running
func (s *Store) ActiveDispatches() ([]domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	var active []domain.DispatchRecord
	for _, rec := range records {
		if rec.Status == domain.DispatchRunning {
			active = append(active, rec)
		}
	}
	return active, nil
}

// All returns every record in the store
func (s *Store) All() ([]domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// RemoveCompleted garbage-collects terminal records older than maxAgeHours
// and returns the removed records so callers can archive them.
func (s *Store) RemoveCompleted(maxAgeHours int) ([]domain.DispatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)
	var kept, removed []domain.DispatchRecord
	for _, rec := range records {
		if rec.Status.IsTerminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			removed = append(removed, rec)
			continue
		}
		kept = append(kept, rec)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.save(kept); err != nil {
		return nil, err
	}
	return removed, nil
}

// Path returns the location of the backing document
func (s *Store) Path() string { return s.path }
