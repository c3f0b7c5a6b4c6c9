// Package monitor implements the two-level stuck/health check for running
// dispatches. Level one is the cheap bulk session status; level two is the
// detailed tool status used to compute time since last activity.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/backend"
	"github.com/hochfrequenz/fleet-dispatch/internal/config"
	"github.com/hochfrequenz/fleet-dispatch/internal/dispatchstore"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
	"github.com/hochfrequenz/fleet-dispatch/internal/events"
)

// Report is the monitor's classification of one running dispatch
type Report struct {
	State                domain.StuckState
	Recommendation       string
	MinutesSinceActivity float64 // -1 when no activity has ever been observed
	MinutesTotal         float64
	PRURL                string
	FailureCode          string
}

// SweepResult records one terminal classification made by a sweep
type SweepResult struct {
	SessionID   string
	TaskID      string
	State       domain.StuckState
	FailureCode string
}

// Monitor classifies dispatch liveness and writes terminal statuses back to
// the store. The sweep is the only writer of terminal status besides PR
// finalization.
type Monitor struct {
	cfg      *config.Config
	store    *dispatchstore.Store
	registry *backend.Registry
	emitter  events.Emitter

	now func() time.Time // test seam
}

// New creates a monitor
func New(cfg *config.Config, store *dispatchstore.Store, registry *backend.Registry, emitter events.Emitter) *Monitor {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Monitor{cfg: cfg, store: store, registry: registry, emitter: emitter, now: time.Now}
}

// Check classifies one running dispatch. It performs the cheap status query
// first and escalates to the detailed tool status only when needed. Check
// never writes to the store.
func (m *Monitor) Check(ctx context.Context, rec *domain.DispatchRecord) Report {
	b, ok := m.registry.Get(rec.BackendName)
	if !ok {
		return Report{
			State:          domain.StuckError,
			Recommendation: fmt.Sprintf("backend %s is no longer configured", rec.BackendName),
			FailureCode:    domain.FailServerUnreachable,
		}
	}

	info, err := b.SessionStatus(ctx, rec.SessionID)
	if err != nil {
		// Transient connectivity; leave the record alone and retry next poll.
		return Report{State: domain.StuckActive, Recommendation: fmt.Sprintf("status query failed: %v", err)}
	}

	switch info.Status {
	case backend.SessionIdle:
		return Report{State: domain.StuckCompleted, PRURL: info.PRURL}
	case backend.SessionError:
		return Report{
			State:          domain.StuckError,
			Recommendation: "check logs and retry",
			FailureCode:    info.FailureCode,
		}
	}

	tool, err := b.ToolStatus(ctx, rec.SessionID)
	if err != nil {
		return Report{State: domain.StuckActive, Recommendation: fmt.Sprintf("tool status query failed: %v", err)}
	}

	now := m.now()
	totalMinutes := now.Sub(rec.StartedAt).Minutes()
	staleMin, timeoutMin := m.cfg.Thresholds(rec.Mode)
	firstActivityMin := m.cfg.FirstActivityTimeout(rec.Mode)

	activityObserved := !tool.LastActivity.IsZero()
	sinceActivity := -1.0
	if activityObserved {
		sinceActivity = now.Sub(tool.LastActivity).Minutes()
	}

	switch {
	case tool.LastToolStatus == "running" && activityObserved && sinceActivity > float64(staleMin):
		return Report{
			State:                domain.StuckToolHung,
			Recommendation:       fmt.Sprintf("tool %s has been running %.0f minutes; abort the session and retry manually", tool.LastToolName, sinceActivity),
			MinutesSinceActivity: sinceActivity,
			MinutesTotal:         totalMinutes,
			FailureCode:          domain.FailToolHung,
		}

	case !activityObserved && totalMinutes > float64(firstActivityMin):
		// No activity ever observed: the agent never started. This is an
		// infrastructure signal, not a model failure.
		return Report{
			State:                domain.StuckTimeout,
			Recommendation:       fmt.Sprintf("agent never started after %.0f minutes; check backend infrastructure", totalMinutes),
			MinutesSinceActivity: sinceActivity,
			MinutesTotal:         totalMinutes,
			FailureCode:          domain.FailNeverStarted,
		}

	case totalMinutes > float64(timeoutMin):
		msg := fmt.Sprintf("dispatch exceeded %d minute timeout with no activity", timeoutMin)
		if activityObserved {
			msg = fmt.Sprintf("dispatch exceeded %d minute timeout; last activity %.0f minutes ago", timeoutMin, sinceActivity)
		}
		return Report{
			State:                domain.StuckTimeout,
			Recommendation:       msg,
			MinutesSinceActivity: sinceActivity,
			MinutesTotal:         totalMinutes,
			FailureCode:          domain.FailTimeout,
		}

	case activityObserved && sinceActivity > float64(staleMin):
		return Report{
			State:                domain.StuckStale,
			Recommendation:       fmt.Sprintf("no activity for %.0f minutes; check for a stuck wait-for-input", sinceActivity),
			MinutesSinceActivity: sinceActivity,
			MinutesTotal:         totalMinutes,
			FailureCode:          domain.FailStale,
		}
	}

	return Report{
		State:                domain.StuckActive,
		MinutesSinceActivity: sinceActivity,
		MinutesTotal:         totalMinutes,
	}
}

// MonitorAllActive sweeps every running record (filtered by mode when mode
// is non-empty) and writes terminal classifications back to the store.
func (m *Monitor) MonitorAllActive(ctx context.Context, mode domain.Mode) ([]SweepResult, error) {
	active, err := m.store.ActiveDispatches()
	if err != nil {
		return nil, err
	}

	var results []SweepResult
	for i := range active {
		rec := active[i]
		if mode != "" && rec.Mode != mode {
			continue
		}

		report := m.Check(ctx, &rec)

		var status domain.DispatchStatus
		switch report.State {
		case domain.StuckCompleted:
			status = domain.DispatchCompleted
		case domain.StuckError, domain.StuckToolHung:
			status = domain.DispatchError
		case domain.StuckTimeout:
			status = domain.DispatchTimeout
		default:
			continue // active or stale: not terminal
		}

		if err := m.store.UpdateStatus(rec.SessionID, status, report.PRURL, report.FailureCode); err != nil {
			log.Printf("updating dispatch %s: %v", rec.SessionID, err)
			continue
		}
		results = append(results, SweepResult{
			SessionID:   rec.SessionID,
			TaskID:      rec.TaskID,
			State:       report.State,
			FailureCode: report.FailureCode,
		})

		m.emitSweepEvent(&rec, report, status)
	}
	return results, nil
}

// emitSweepEvent publishes the terminal classification. Best-effort.
func (m *Monitor) emitSweepEvent(rec *domain.DispatchRecord, report Report, status domain.DispatchStatus) {
	eventType := events.TypeStatusUpdate
	if status == domain.DispatchCompleted && rec.BackendType == domain.BackendTypeCloudCLI {
		eventType = events.TypeCloudComplete
	}

	e := events.New(eventType, rec.Repo, rec.TaskID, m.cfg.General.Sender, map[string]interface{}{
		"session_id":   rec.SessionID,
		"status":       string(status),
		"failure_code": report.FailureCode,
		"pr_url":       report.PRURL,
	})
	e.CorrelationID = rec.MessageRef
	if err := m.emitter.Emit(e); err != nil {
		log.Printf("emitting %s for %s: %v", eventType, rec.SessionID, err)
	}
}
