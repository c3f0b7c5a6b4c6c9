package backend

import (
	"context"
	"errors"

	"github.com/hochfrequenz/fleet-dispatch/internal/domain"
)

var errDisabled = errors.New("backend is disabled")

// Disabled is a placeholder backend that always reports unreachable. It
// keeps the interface surface stable for execution targets that are
// configured but not yet available; ordinary selection never picks it.
type Disabled struct {
	name string
}

// NewDisabled creates a disabled placeholder backend
func NewDisabled(name string) *Disabled {
	return &Disabled{name: name}
}

func (d *Disabled) Type() string     { return domain.BackendTypeDisabled }
func (d *Disabled) Name() string     { return d.name }
func (d *Disabled) Endpoint() string { return "" }

func (d *Disabled) CheckHealth(ctx context.Context) HealthStatus {
	return ServerUnreachable
}

func (d *Disabled) Dispatch(ctx context.Context, taskID, prompt, workspace, systemPrompt string) (string, error) {
	return "", errDisabled
}

func (d *Disabled) ContinueSession(ctx context.Context, sessionID, prompt string) error {
	return errDisabled
}

func (d *Disabled) SessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return nil, errDisabled
}

func (d *Disabled) ToolStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return nil, errDisabled
}

func (d *Disabled) AbortSession(ctx context.Context, sessionID string) bool {
	return false
}

func (d *Disabled) ShellCommand(ctx context.Context, sessionID, command string) (string, error) {
	return "", errDisabled
}

func (d *Disabled) FinalizePR(ctx context.Context, sessionID, taskID string, smoke bool) (string, error) {
	return "", errDisabled
}
