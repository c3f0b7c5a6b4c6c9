// Package tui implements the fleetctl watch dashboard. It renders the live
// dispatch document and per-backend health, refreshing on a timer and on
// filesystem changes to the state document.
package tui

import (
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// refreshInterval is the fallback poll cadence when no fs event arrives
const refreshInterval = 2 * time.Second

// BackendHealth is one row of the backends tab
type BackendHealth struct {
	Name     string
	Type     string
	Endpoint string
	Health   string
}

// Model is the watch dashboard model
type Model struct {
	// Data
	records  []domain.DispatchRecord
	backends []BackendHealth

	// Loaders (injected so the model stays testable)
	loadRecords  func() ([]domain.DispatchRecord, error)
	loadBackends func() []BackendHealth

	// State document watcher, nil when watching is unavailable. The watch
	// is on the containing directory: the store replaces the document via
	// temp file + rename, which would orphan a watch on the file itself.
	watcher   *fsnotify.Watcher
	stateName string

	// UI state
	width       int
	height      int
	activeTab   int
	scroll      int
	statusMsg   string
	lastRefresh time.Time
}

// ModelConfig holds initial data and loaders for the dashboard
type ModelConfig struct {
	Records      []domain.DispatchRecord
	Backends     []BackendHealth
	LoadRecords  func() ([]domain.DispatchRecord, error)
	LoadBackends func() []BackendHealth
	StatePath    string
}

// NewModel creates a dashboard model. A watcher on the state document is
// best-effort; when it cannot be created the dashboard falls back to the
// refresh timer alone.
func NewModel(cfg ModelConfig) Model {
	m := Model{
		records:      cfg.Records,
		backends:     cfg.Backends,
		loadRecords:  cfg.LoadRecords,
		loadBackends: cfg.LoadBackends,
		lastRefresh:  time.Now(),
	}

	if cfg.StatePath != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			if err := w.Add(filepath.Dir(cfg.StatePath)); err == nil {
				m.watcher = w
				m.stateName = filepath.Base(cfg.StatePath)
			} else {
				w.Close()
			}
		}
	}

	return m
}

// Close releases the filesystem watcher
func (m Model) Close() {
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd()}
	if m.watcher != nil {
		cmds = append(cmds, watchCmd(m.watcher, m.stateName))
	}
	return tea.Batch(cmds...)
}

// TickMsg triggers a timed refresh
type TickMsg time.Time

// StateChangedMsg signals that the state document changed on disk
type StateChangedMsg struct{}

// RefreshedMsg carries freshly loaded data
type RefreshedMsg struct {
	Records  []domain.DispatchRecord
	Backends []BackendHealth
	Err      error
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// watchCmd waits for the next change to the state document. Directory
// events are filtered by filename; an atomic replace surfaces as a Create
// or Rename of the document within the watched directory.
func watchCmd(w *fsnotify.Watcher, stateName string) tea.Cmd {
	return func() tea.Msg {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != stateName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					return StateChangedMsg{}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}

// refreshCmd reloads records and backend health off the UI goroutine
func (m Model) refreshCmd() tea.Cmd {
	load := m.loadRecords
	health := m.loadBackends
	return func() tea.Msg {
		msg := RefreshedMsg{}
		if load != nil {
			msg.Records, msg.Err = load()
		}
		if health != nil {
			msg.Backends = health()
		}
		return msg
	}
}

// activeRecords returns the running subset of records
func (m Model) activeRecords() []domain.DispatchRecord {
	var active []domain.DispatchRecord
	for _, r := range m.records {
		if !r.Status.IsTerminal() {
			active = append(active, r)
		}
	}
	return active
}
