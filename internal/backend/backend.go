// Package backend defines the capability-addressable execution targets the
// fleet dispatcher can start coding-agent sessions on. Three implementations
// exist: an HTTP job server, a cloud CLI service, and a disabled placeholder.
package backend

import (
	"context"
	"errors"
	"time"
)

// HealthStatus is the result of a bounded, side-effect-free health probe
type HealthStatus string

const (
	Healthy            HealthStatus = "healthy"
	ServerUnhealthy    HealthStatus = "server_unhealthy"
	ServerUnreachable  HealthStatus = "server_unreachable"
	ServerPortConflict HealthStatus = "server_port_conflict"
)

// SessionState is a backend's view of a remote session
type SessionState string

const (
	SessionRunning  SessionState = "running"
	SessionIdle     SessionState = "idle"
	SessionError    SessionState = "error"
	SessionToolHung SessionState = "tool_hung"
	SessionTimeout  SessionState = "timeout"
	SessionUnknown  SessionState = "unknown"
)

// SessionInfo is a backend's response to a status query. It is transient
// and never persisted; session identity lives in the remote system.
type SessionInfo struct {
	SessionID      string
	Status         SessionState
	LastActivity   time.Time // zero means no activity has ever been observed
	LastToolName   string
	LastToolStatus string
	OutputSnippet  string
	PRURL          string
	FailureCode    string
}

// ErrUnsupported is returned by optional operations a backend does not
// implement. Callers must treat it as an expected condition.
var ErrUnsupported = errors.New("operation not supported by backend")

// ErrPushBlocked is returned by FinalizePR when the push was rejected by the
// ci-lite pre-submit policy, as opposed to failing for any other reason.
var ErrPushBlocked = errors.New("push blocked by ci-lite pre-submit policy")

// Backend is an execution target for coding-agent work. Every implementation
// supports the full method set; optional operations return ErrUnsupported
// rather than failing the caller.
type Backend interface {
	Type() string
	Name() string
	Endpoint() string

	// CheckHealth probes the backend with a bounded timeout. It has no
	// side effects and may be called at any time.
	CheckHealth(ctx context.Context) HealthStatus

	// Dispatch creates a remote session and starts work on the prompt.
	// The caller enforces at-most-once semantics per logical dispatch.
	Dispatch(ctx context.Context, taskID, prompt, workspace, systemPrompt string) (sessionID string, err error)

	// ContinueSession sends a follow-up prompt to an existing session.
	ContinueSession(ctx context.Context, sessionID, prompt string) error

	// SessionStatus is the cheap status query used on every poll.
	SessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error)

	// ToolStatus is the detailed query used only for stuck detection. It
	// reports the last tool invocation and its start time.
	ToolStatus(ctx context.Context, sessionID string) (*SessionInfo, error)

	// AbortSession requests termination of remote work. Best-effort: the
	// remote system may not stop immediately.
	AbortSession(ctx context.Context, sessionID string) bool

	// ShellCommand runs a command in the session's workspace. Optional.
	ShellCommand(ctx context.Context, sessionID, command string) (string, error)

	// FinalizePR stages, commits, pushes, and opens a PR for the session's
	// work. Returns the PR URL, or "" when there is nothing to finalize.
	// A push rejected by the pre-submit policy returns ErrPushBlocked.
	// Optional.
	FinalizePR(ctx context.Context, sessionID, taskID string, smoke bool) (string, error)
}
