package domain

// Mode selects the operational profile for a dispatch. Each mode has its
// own monitoring thresholds.
type Mode string

const (
	ModeSmoke   Mode = "smoke"
	ModeReal    Mode = "real"
	ModeNightly Mode = "nightly"
)

// DispatchStatus represents the persisted lifecycle state of a dispatch
type DispatchStatus string

const (
	DispatchRunning   DispatchStatus = "running"
	DispatchCompleted DispatchStatus = "completed"
	DispatchError     DispatchStatus = "error"
	DispatchTimeout   DispatchStatus = "timeout"
)

// IsTerminal reports whether the status ends the dispatch lifecycle
func (s DispatchStatus) IsTerminal() bool {
	return s == DispatchCompleted || s == DispatchError || s == DispatchTimeout
}

// StuckState is the monitor's liveness classification of a running dispatch.
// It is derived on each poll and never persisted directly.
type StuckState string

const (
	StuckActive    StuckState = "active"
	StuckCompleted StuckState = "completed"
	StuckError     StuckState = "error"
	StuckToolHung  StuckState = "tool_hung"
	StuckStale     StuckState = "stale"
	StuckTimeout   StuckState = "timeout"
)

// Backend type identifiers
const (
	BackendTypeHTTP     = "http"
	BackendTypeCloudCLI = "cloud-cli"
	BackendTypeDisabled = "disabled"
)

// Failure codes carried in results and persisted records
const (
	FailServerUnreachable  = "SERVER_UNREACHABLE"
	FailServerUnhealthy    = "SERVER_UNHEALTHY"
	FailServerPortConflict = "SERVER_PORT_CONFLICT"
	FailWorktree           = "WORKTREE_FAILED"
	FailDispatch           = "DISPATCH_FAILED"
	FailPollTimeout        = "POLL_TIMEOUT"
	FailPushBlockedCILite  = "PUSH_BLOCKED_CI_LITE"
	FailPR                 = "PR_FAILED"
	FailToolHung           = "TOOL_HUNG"
	FailStale              = "STALE"
	FailNeverStarted       = "AGENT_NEVER_STARTED"
	FailTimeout            = "TIMEOUT"
)
