package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

// cliTimeout bounds every CLI subprocess
const cliTimeout = 2 * time.Minute

// sessionTokenPattern matches the bare numeric session identifier the CLI
// prints when structured output is unavailable.
var sessionTokenPattern = regexp.MustCompile(`\b\d{6,}\b`)

// runner executes the CLI and returns combined output. Seam for tests.
type runner func(ctx context.Context, bin string, args ...string) (string, error)

func execRunner(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out), err
}

// CloudCLI is the backend that shells a local CLI talking to a cloud agent
// service. The binary path comes from configuration and is validated up
// front; there is no filesystem probing.
type CloudCLI struct {
	name      string
	binPath   string
	threeGate bool
	run       runner
}

// NewCloudCLI creates a cloud-CLI backend. It fails fast when the configured
// binary does not exist.
func NewCloudCLI(name, binPath string, threeGate bool) (*CloudCLI, error) {
	if binPath == "" {
		return nil, fmt.Errorf("cloud backend %s: cli_path is required", name)
	}
	if _, err := os.Stat(binPath); err != nil {
		return nil, fmt.Errorf("cloud backend %s: cli binary %s: %w", name, binPath, err)
	}
	return &CloudCLI{name: name, binPath: binPath, threeGate: threeGate, run: execRunner}, nil
}

func (c *CloudCLI) Type() string     { return domain.BackendTypeCloudCLI }
func (c *CloudCLI) Name() string     { return c.name }
func (c *CloudCLI) Endpoint() string { return c.binPath }

// CheckHealth runs the CLI's --version probe
func (c *CloudCLI) CheckHealth(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if _, err := c.run(ctx, c.binPath, "--version"); err != nil {
		return ServerUnreachable
	}
	return Healthy
}

// Dispatch starts a cloud session. The workspace is synthetic for cloud
// backends; the service provisions its own.
func (c *CloudCLI) Dispatch(ctx context.Context, taskID, prompt, workspace, systemPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	if systemPrompt != "" {
		prompt = systemPrompt + "\n\n" + prompt
	}
	args := []string{"create", "--beads", taskID, "--prompt", prompt}
	if c.threeGate {
		args = append(args, "--three-gate")
	}

	out, err := c.run(ctx, c.binPath, args...)
	if err != nil {
		return "", fmt.Errorf("cloud create for %s: %w: %s", taskID, err, truncate(out, 200))
	}

	// Contract: the backend must supply or synthesize a session id. The
	// free-text scan is a compatibility shim over the CLI's unstructured
	// output and lives only here.
	if id := extractSessionID(out); id != "" {
		return id, nil
	}
	return "cloud-" + uuid.NewString()[:8], nil
}

// extractSessionID pulls a session identifier from CLI output: structured
// JSON lines first, then a bare numeric token.
func extractSessionID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg struct {
			SessionID string `json:"session_id"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.SessionID != "" {
			return msg.SessionID
		}
		if msg.ID != "" {
			return msg.ID
		}
	}
	return sessionTokenPattern.FindString(out)
}

// ContinueSession is not supported by the cloud CLI
func (c *CloudCLI) ContinueSession(ctx context.Context, sessionID, prompt string) error {
	return ErrUnsupported
}

type remoteListResponse struct {
	Status       string `json:"status"`
	LastActivity string `json:"last_activity"`
	PRURL        string `json:"pr_url"`
}

// SessionStatus queries the cloud service through `remote list --json`
func (c *CloudCLI) SessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	out, err := c.run(ctx, c.binPath, "remote", "list", "--session", sessionID, "--json")
	if err != nil {
		return nil, fmt.Errorf("cloud status for %s: %w", sessionID, err)
	}

	var resp remoteListResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &resp); err != nil {
		return &SessionInfo{SessionID: sessionID, Status: SessionUnknown}, nil
	}

	info := &SessionInfo{
		SessionID: sessionID,
		Status:    mapSessionState(resp.Status),
		PRURL:     resp.PRURL,
	}
	if resp.LastActivity != "" {
		if ts, err := time.Parse(time.RFC3339, resp.LastActivity); err == nil {
			info.LastActivity = ts
		}
	}
	return info, nil
}

// ToolStatus reports the same information as SessionStatus; the cloud
// service exposes no per-tool detail.
func (c *CloudCLI) ToolStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return c.SessionStatus(ctx, sessionID)
}

// AbortSession cancels the remote session. Best-effort.
func (c *CloudCLI) AbortSession(ctx context.Context, sessionID string) bool {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	_, err := c.run(ctx, c.binPath, "remote", "cancel", "--session", sessionID)
	return err == nil
}

// ShellCommand is not supported by the cloud CLI
func (c *CloudCLI) ShellCommand(ctx context.Context, sessionID, command string) (string, error) {
	return "", ErrUnsupported
}

// FinalizePR is not supported; the cloud service opens PRs itself and the
// URL arrives through SessionStatus.
func (c *CloudCLI) FinalizePR(ctx context.Context, sessionID, taskID string, smoke bool) (string, error) {
	return "", ErrUnsupported
}

// Pull applies the cloud session's changes to a local checkout via
// `remote pull`. Not part of the Backend interface; used by operators.
func (c *CloudCLI) Pull(ctx context.Context, sessionID string, apply bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	args := []string{"remote", "pull", "--session", sessionID}
	if apply {
		args = append(args, "--apply")
	}
	out, err := c.run(ctx, c.binPath, args...)
	if err != nil {
		return "", fmt.Errorf("cloud pull for %s: %w", sessionID, err)
	}
	return out, nil
}
