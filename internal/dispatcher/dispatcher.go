// Package dispatcher orchestrates one dispatch end to end: backend
// selection, idempotency, workspace provisioning, backend invocation,
// persistence, and lifecycle-event emission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/fleet-dispatch/internal/backend"
	"github.com/hochfrequenz/fleet-dispatch/internal/config"
	"github.com/hochfrequenz/fleet-dispatch/internal/dispatchstore"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
	"github.com/hochfrequenz/fleet-dispatch/internal/events"
	"github.com/hochfrequenz/fleet-dispatch/internal/monitor"
	"github.com/hochfrequenz/fleet-dispatch/internal/worktree"
)

// Request describes one dispatch of agent work
type Request struct {
	TaskID           string
	Prompt           string
	Repo             string
	Mode             domain.Mode
	PreferredBackend string
	SystemPrompt     string
	HTTPOnly         bool // never fall back to the cloud backend

	// Correlation references carried into events and the dispatch record.
	MessageRef string
	ThreadRef  string
}

// Result is the outcome of a dispatch. Expected failures are reported with
// OK=false and a failure code, never an error.
type Result struct {
	OK           bool
	WasDuplicate bool
	SessionID    string
	BackendType  string
	BackendName  string
	Endpoint     string
	Workspace    string
	FailureCode  string
	Message      string
}

// Status is the public view of a dispatch's state
type Status struct {
	Status               string // completed, error, timeout, running, unknown
	PRURL                string
	FailureCode          string
	Recommendation       string
	MinutesSinceActivity float64
}

// Public status values
const (
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusRunning   = "running"
	StatusUnknown   = "unknown"
)

// Dispatcher is the fleet orchestrator
type Dispatcher struct {
	cfg         *config.Config
	store       *dispatchstore.Store
	registry    *backend.Registry
	monitor     *monitor.Monitor
	emitter     events.Emitter
	provisioner worktree.Provisioner // git worktrees for self-hosted backends
	synthetic   worktree.Provisioner // placeholder paths for cloud backends

	sleep func(time.Duration) // test seam for WaitForCompletion
}

// Options configures a Dispatcher
type Options struct {
	Config      *config.Config
	Store       *dispatchstore.Store
	Registry    *backend.Registry
	Monitor     *monitor.Monitor
	Emitter     events.Emitter
	Provisioner worktree.Provisioner
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	prov := opts.Provisioner
	if prov == nil {
		prov = worktree.NewGitProvisioner(opts.Config.General.RepoRoot, opts.Config.General.WorktreeDir)
	}
	return &Dispatcher{
		cfg:         opts.Config,
		store:       opts.Store,
		registry:    opts.Registry,
		monitor:     opts.Monitor,
		emitter:     emitter,
		provisioner: prov,
		synthetic:   worktree.SyntheticProvisioner{},
		sleep:       time.Sleep,
	}
}

// Dispatch runs the strictly ordered dispatch sequence: select, idempotency
// check, health re-verify, provision, invoke, persist, emit.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	if req.Mode == "" {
		req.Mode = domain.ModeReal
	}

	// 1. Select a healthy backend.
	b := d.selectBackend(ctx, req.PreferredBackend, req.HTTPOnly)
	if b == nil {
		return Result{
			FailureCode: domain.FailServerUnreachable,
			Message:     "no healthy backend available",
		}
	}

	// 2. Idempotency: a running dispatch for the same identity tuple wins.
	key := domain.DispatchKey{
		TaskID:      req.TaskID,
		BackendType: b.Type(),
		BackendName: b.Name(),
		Repo:        req.Repo,
		Mode:        req.Mode,
	}
	if existing, err := d.store.FindActiveDispatch(key); err != nil {
		return Result{FailureCode: domain.FailDispatch, Message: fmt.Sprintf("idempotency check failed: %v", err)}
	} else if existing != nil {
		return Result{
			OK:           true,
			WasDuplicate: true,
			SessionID:    existing.SessionID,
			BackendType:  existing.BackendType,
			BackendName:  existing.BackendName,
			Endpoint:     existing.Endpoint,
		}
	}

	// 3. Selection may be stale; re-verify immediately before use.
	if health := b.CheckHealth(ctx); health != backend.Healthy {
		return Result{
			FailureCode: strings.ToUpper(string(health)),
			Message:     fmt.Sprintf("backend %s is %s", b.Name(), health),
		}
	}

	// 4. Provision a workspace. Tooling refresh first; it never blocks.
	if bc, ok := d.cfg.Backend(b.Name()); ok {
		worktree.RefreshTooling(ctx, bc.SSHTarget, bc.ToolingDir)
	}
	prov := d.provisioner
	if b.Type() == domain.BackendTypeCloudCLI {
		prov = d.synthetic
	}
	workspace, err := prov.Provision(ctx, req.TaskID, req.Repo)
	if err != nil {
		return Result{
			FailureCode: domain.FailWorktree,
			Message:     fmt.Sprintf("provisioning workspace: %v", err),
		}
	}

	// 5. Start the remote session.
	sessionID, err := b.Dispatch(ctx, req.TaskID, req.Prompt, workspace, req.SystemPrompt)
	if err != nil {
		return Result{
			FailureCode: domain.FailDispatch,
			Message:     fmt.Sprintf("backend dispatch: %v", err),
		}
	}

	// 6. Persist the running record.
	rec := domain.DispatchRecord{
		ID:          uuid.NewString(),
		TaskID:      req.TaskID,
		SessionID:   sessionID,
		BackendType: b.Type(),
		BackendName: b.Name(),
		Endpoint:    b.Endpoint(),
		Repo:        req.Repo,
		Mode:        req.Mode,
		StartedAt:   time.Now(),
		Status:      domain.DispatchRunning,
		MessageRef:  req.MessageRef,
		ThreadRef:   req.ThreadRef,
	}
	if err := d.store.SaveDispatch(rec); err != nil {
		return Result{FailureCode: domain.FailDispatch, Message: fmt.Sprintf("persisting dispatch: %v", err)}
	}

	// 7. Announce the dispatch. Best-effort.
	e := events.New(events.TypeDispatchRequest, req.Repo, req.TaskID, d.cfg.General.Sender, map[string]interface{}{
		"session_id":   sessionID,
		"backend_type": b.Type(),
		"backend_name": b.Name(),
		"mode":         string(req.Mode),
	})
	e.CorrelationID = req.MessageRef
	e.CausationID = req.ThreadRef
	if err := d.emitter.Emit(e); err != nil {
		log.Printf("emitting DISPATCH_REQUEST for %s: %v", req.TaskID, err)
	}

	return Result{
		OK:          true,
		SessionID:   sessionID,
		BackendType: b.Type(),
		BackendName: b.Name(),
		Endpoint:    b.Endpoint(),
		Workspace:   workspace,
	}
}

// selectBackend picks the execution target: a healthy preferred backend
// wins, then the highest-priority healthy HTTP backend, then the cloud
// backend unless HTTP-only is required.
func (d *Dispatcher) selectBackend(ctx context.Context, preferred string, httpOnly bool) backend.Backend {
	if preferred != "" {
		if b, ok := d.registry.Get(preferred); ok && b.CheckHealth(ctx) == backend.Healthy {
			return b
		}
	}

	for _, bc := range d.cfg.HTTPBackendsByPriority() {
		b, ok := d.registry.Get(bc.Name)
		if !ok {
			continue
		}
		if b.CheckHealth(ctx) == backend.Healthy {
			return b
		}
	}

	if httpOnly {
		return nil
	}
	if bc, ok := d.cfg.CloudBackend(); ok {
		if b, ok := d.registry.Get(bc.Name); ok && b.CheckHealth(ctx) == backend.Healthy {
			return b
		}
	}
	return nil
}

// GetStatus resolves a session's record and backend, runs the monitor's
// single-record check, and maps the classification to the public
// vocabulary. It never writes terminal status; the sweep owns that.
func (d *Dispatcher) GetStatus(ctx context.Context, sessionID string) Status {
	rec, err := d.store.FindBySessionID(sessionID)
	if err != nil || rec == nil {
		return Status{Status: StatusUnknown}
	}

	if rec.Status.IsTerminal() {
		return Status{
			Status:      string(rec.Status),
			PRURL:       rec.PRURL,
			FailureCode: rec.FailureCode,
		}
	}

	report := d.monitor.Check(ctx, rec)
	st := Status{
		Recommendation:       report.Recommendation,
		MinutesSinceActivity: report.MinutesSinceActivity,
	}
	switch report.State {
	case domain.StuckCompleted:
		st.Status = StatusCompleted
		st.PRURL = report.PRURL
	case domain.StuckError, domain.StuckToolHung:
		st.Status = StatusError
		st.FailureCode = report.FailureCode
	case domain.StuckTimeout:
		st.Status = StatusTimeout
		st.FailureCode = report.FailureCode
	case domain.StuckStale:
		st.Status = StatusRunning
		st.FailureCode = report.FailureCode
	default:
		st.Status = StatusRunning
	}
	return st
}

// WaitForCompletion polls a session's status until it reaches a terminal
// public state, performing at most maxPolls checks. It never blocks
// unboundedly; exhaustion yields POLL_TIMEOUT.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, sessionID string, pollInterval time.Duration, maxPolls int) Status {
	for i := 0; i < maxPolls; i++ {
		st := d.GetStatus(ctx, sessionID)
		switch st.Status {
		case StatusCompleted, StatusError, StatusTimeout:
			return st
		}
		if i < maxPolls-1 {
			d.sleep(pollInterval)
		}
	}
	return Status{Status: StatusTimeout, FailureCode: domain.FailPollTimeout}
}

// ContinueSession sends a follow-up prompt. A missing record or backend, or
// an unsupported operation, resolves to false rather than a fault.
func (d *Dispatcher) ContinueSession(ctx context.Context, sessionID, prompt string) bool {
	rec, err := d.store.FindBySessionID(sessionID)
	if err != nil || rec == nil {
		return false
	}
	b, ok := d.registry.Get(rec.BackendName)
	if !ok {
		return false
	}
	if err := b.ContinueSession(ctx, sessionID, prompt); err != nil {
		if !errors.Is(err, backend.ErrUnsupported) {
			log.Printf("continuing session %s: %v", sessionID, err)
		}
		return false
	}
	return true
}

// AbortSession requests termination of the remote session. Best-effort.
func (d *Dispatcher) AbortSession(ctx context.Context, sessionID string) bool {
	rec, err := d.store.FindBySessionID(sessionID)
	if err != nil || rec == nil {
		return false
	}
	b, ok := d.registry.Get(rec.BackendName)
	if !ok {
		return false
	}
	return b.AbortSession(ctx, sessionID)
}

// FinalizePR stages, commits, pushes, and opens a PR for the session's
// work. Returns the PR URL and a failure code: PUSH_BLOCKED_CI_LITE when the
// push was rejected by the pre-submit policy, PR_FAILED for any other
// failure, and "" on success or when there is nothing to finalize.
func (d *Dispatcher) FinalizePR(ctx context.Context, sessionID string, smoke bool) (string, string) {
	rec, err := d.store.FindBySessionID(sessionID)
	if err != nil || rec == nil {
		return "", domain.FailPR
	}
	b, ok := d.registry.Get(rec.BackendName)
	if !ok {
		return "", domain.FailPR
	}

	prURL, err := b.FinalizePR(ctx, sessionID, rec.TaskID, smoke)
	switch {
	case errors.Is(err, backend.ErrUnsupported):
		return "", ""
	case errors.Is(err, backend.ErrPushBlocked):
		return "", domain.FailPushBlockedCILite
	case err != nil:
		log.Printf("finalizing PR for %s: %v", sessionID, err)
		return "", domain.FailPR
	}
	if prURL == "" {
		return "", ""
	}

	// PR finalization is the one writer of terminal status besides the sweep.
	if err := d.store.UpdateStatus(sessionID, domain.DispatchCompleted, prURL, ""); err != nil {
		log.Printf("recording PR for %s: %v", sessionID, err)
	}

	e := events.New(events.TypePRCreated, rec.Repo, rec.TaskID, d.cfg.General.Sender, map[string]interface{}{
		"session_id": sessionID,
		"pr_url":     prURL,
	})
	e.CorrelationID = rec.MessageRef
	if err := d.emitter.Emit(e); err != nil {
		log.Printf("emitting PR_CREATED for %s: %v", sessionID, err)
	}

	return prURL, ""
}
