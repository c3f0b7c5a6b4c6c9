package backend

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// healthTimeout bounds the health probe
const healthTimeout = 5 * time.Second

// snippetLen caps the tool output carried in SessionInfo
const snippetLen = 400

// ciLiteMarker appears in push output rejected by the pre-submit policy
const ciLiteMarker = "ci-lite"

// prURLPattern extracts the PR URL from gh output
var prURLPattern = regexp.MustCompile(`https://\S+/pull/\d+`)

// JobServer is the HTTP backend. It talks JSON to a self-hosted job server
// that manages coding-agent sessions.
type JobServer struct {
	name      string
	url       string
	sshTarget string
	agent     string
	doer      doer
}

// JobServerOptions configures a JobServer backend
type JobServerOptions struct {
	Name      string
	URL       string
	SSHTarget string // remote shell hop for the curl fallback and tooling refresh
	UseCurl   bool   // route requests through curl instead of the native client
	Agent     string // agent name passed to the shell endpoint
}

// NewJobServer creates an HTTP backend for a job server endpoint
func NewJobServer(opts JobServerOptions) *JobServer {
	agent := opts.Agent
	if agent == "" {
		agent = "build"
	}
	s := &JobServer{
		name:      opts.Name,
		url:       opts.URL,
		sshTarget: opts.SSHTarget,
		agent:     agent,
	}
	if opts.UseCurl {
		s.doer = newCurlDoer(opts.URL, opts.SSHTarget)
	} else {
		s.doer = newNativeDoer(opts.URL)
	}
	return s
}

func (s *JobServer) Type() string     { return domain.BackendTypeHTTP }
func (s *JobServer) Name() string     { return s.name }
func (s *JobServer) Endpoint() string { return s.url }

// Wire types for the job-server protocol

type createSessionRequest struct {
	Cwd          string `json:"cwd"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts []messagePart `json:"parts"`
}

type sessionStatusEntry struct {
	Status       string `json:"status"`
	LastActivity string `json:"last_activity"`
}

type messageEntry struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	State struct {
		Status string `json:"status"`
		Time   struct {
			Start int64 `json:"start"`
		} `json:"time"`
		Output string `json:"output"`
	} `json:"state"`
}

type shellRequest struct {
	Agent   string `json:"agent"`
	Command string `json:"command"`
}

type shellResponse struct {
	Output string `json:"output"`
}

type diffResponse struct {
	Diff string `json:"diff"`
}

// CheckHealth probes GET /global/health. A transport failure means the
// server is unreachable; a 200 with a body the job server would never
// produce means some other process holds the port.
func (s *JobServer) CheckHealth(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var body map[string]interface{}
	status, err := s.doer.do(ctx, http.MethodGet, "/global/health", nil, &body)
	if err != nil {
		return ServerUnreachable
	}
	if status != http.StatusOK {
		return ServerUnhealthy
	}
	if healthy, ok := body["healthy"].(bool); ok && healthy {
		return Healthy
	}
	if st, ok := body["status"].(string); ok {
		if st == "healthy" || st == "ok" {
			return Healthy
		}
		return ServerUnhealthy
	}
	// 200 from the right port but not the job server's health shape.
	return ServerPortConflict
}

// Dispatch creates a session rooted at the workspace and fires the prompt
// asynchronously. The job server may return no body for prompt_async.
func (s *JobServer) Dispatch(ctx context.Context, taskID, prompt, workspace, systemPrompt string) (string, error) {
	var created createSessionResponse
	status, err := s.doer.do(ctx, http.MethodPost, "/session", createSessionRequest{
		Cwd:          workspace,
		SystemPrompt: systemPrompt,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("creating session for %s: %w", taskID, err)
	}
	if status != http.StatusOK || created.ID == "" {
		return "", fmt.Errorf("creating session for %s: server returned %d", taskID, status)
	}

	req := promptRequest{Parts: []messagePart{{Type: "text", Text: prompt}}}
	status, err = s.doer.do(ctx, http.MethodPost, "/session/"+created.ID+"/prompt_async", req, nil)
	if err != nil {
		return "", fmt.Errorf("sending prompt to session %s: %w", created.ID, err)
	}
	if status != http.StatusOK && status != http.StatusAccepted && status != http.StatusNoContent {
		return "", fmt.Errorf("sending prompt to session %s: server returned %d", created.ID, status)
	}

	return created.ID, nil
}

// ContinueSession sends a follow-up prompt to an existing session
func (s *JobServer) ContinueSession(ctx context.Context, sessionID, prompt string) error {
	req := promptRequest{Parts: []messagePart{{Type: "text", Text: prompt}}}
	status, err := s.doer.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", req, nil)
	if err != nil {
		return fmt.Errorf("continuing session %s: %w", sessionID, err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return fmt.Errorf("continuing session %s: server returned %d", sessionID, status)
	}
	return nil
}

// SessionStatus reads the bulk status map and picks out one session. A
// session the server does not know about reports unknown, not an error.
func (s *JobServer) SessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var bulk map[string]sessionStatusEntry
	status, err := s.doer.do(ctx, http.MethodGet, "/session/status", nil, &bulk)
	if err != nil {
		return nil, fmt.Errorf("querying session status: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("querying session status: server returned %d", status)
	}

	entry, ok := bulk[sessionID]
	if !ok {
		return &SessionInfo{SessionID: sessionID, Status: SessionUnknown}, nil
	}

	info := &SessionInfo{SessionID: sessionID, Status: mapSessionState(entry.Status)}
	if entry.LastActivity != "" {
		if ts, err := time.Parse(time.RFC3339, entry.LastActivity); err == nil {
			info.LastActivity = ts
		}
	}
	return info, nil
}

// ToolStatus reads the session's message history and reports the last tool
// invocation. Used only for stuck detection.
func (s *JobServer) ToolStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var history []messageEntry
	status, err := s.doer.do(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &history)
	if err != nil {
		return nil, fmt.Errorf("reading session %s history: %w", sessionID, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("reading session %s history: server returned %d", sessionID, status)
	}

	info := &SessionInfo{SessionID: sessionID, Status: SessionRunning}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type != "tool" {
			continue
		}
		entry := history[i]
		info.LastToolName = entry.Name
		info.LastToolStatus = entry.State.Status
		if entry.State.Time.Start > 0 {
			info.LastActivity = time.UnixMilli(entry.State.Time.Start)
		}
		info.OutputSnippet = truncate(entry.State.Output, snippetLen)
		break
	}
	return info, nil
}

// AbortSession asks the server to stop the session. Best-effort.
func (s *JobServer) AbortSession(ctx context.Context, sessionID string) bool {
	status, err := s.doer.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil)
	return err == nil && (status == http.StatusOK || status == http.StatusAccepted)
}

// ShellCommand runs a command in the session's workspace through the job
// server's shell endpoint.
func (s *JobServer) ShellCommand(ctx context.Context, sessionID, command string) (string, error) {
	var resp shellResponse
	status, err := s.doer.do(ctx, http.MethodPost, "/session/"+sessionID+"/shell", shellRequest{
		Agent:   s.agent,
		Command: command,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("shell in session %s: %w", sessionID, err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("shell in session %s: server returned %d", sessionID, status)
	}
	return resp.Output, nil
}

// FinalizePR stages, commits, pushes, and opens a PR for the session's work.
// An empty diff finalizes to "" with no error. A push rejected by the
// ci-lite pre-submit policy returns ErrPushBlocked so callers can
// distinguish it from a generic failure.
func (s *JobServer) FinalizePR(ctx context.Context, sessionID, taskID string, smoke bool) (string, error) {
	var diff diffResponse
	status, err := s.doer.do(ctx, http.MethodGet, "/session/"+sessionID+"/diff", nil, &diff)
	if err != nil {
		return "", fmt.Errorf("reading diff for session %s: %w", sessionID, err)
	}
	if status == http.StatusOK && strings.TrimSpace(diff.Diff) == "" {
		return "", nil
	}

	if _, err := s.ShellCommand(ctx, sessionID, "git add -A"); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}

	message := fmt.Sprintf("Task %s", taskID)
	if smoke {
		message = "[smoke] " + message
	}
	if _, err := s.ShellCommand(ctx, sessionID, fmt.Sprintf("git commit -m %q", message)); err != nil {
		return "", fmt.Errorf("committing changes: %w", err)
	}

	pushOut, err := s.ShellCommand(ctx, sessionID, "git push -u origin HEAD")
	if err != nil {
		if strings.Contains(err.Error(), ciLiteMarker) {
			return "", ErrPushBlocked
		}
		return "", fmt.Errorf("pushing branch: %w", err)
	}
	if strings.Contains(pushOut, ciLiteMarker) {
		return "", ErrPushBlocked
	}

	prOut, err := s.ShellCommand(ctx, sessionID, "gh pr create --fill")
	if err != nil {
		return "", fmt.Errorf("opening PR: %w", err)
	}
	if url := prURLPattern.FindString(prOut); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("opening PR: no URL in output %q", truncate(prOut, 120))
}

func mapSessionState(s string) SessionState {
	switch s {
	case "running", "in_progress":
		return SessionRunning
	case "idle", "completed", "done":
		return SessionIdle
	case "error", "failed":
		return SessionError
	default:
		return SessionUnknown
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
