package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeCloud builds a CloudCLI whose subprocess calls are scripted
func fakeCloud(run runner) *CloudCLI {
	return &CloudCLI{name: "cloud", binPath: "/usr/local/bin/cloud", threeGate: false, run: run}
}

func TestExtractSessionID(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"json session_id", `starting...` + "\n" + `{"session_id":"abc-123"}`, "abc-123"},
		{"json id", `{"id":"xyz-9"}`, "xyz-9"},
		{"numeric token", "Created session 8675309 for task", "8675309"},
		{"short number ignored", "exit code 1", ""},
		{"nothing", "done", ""},
		{"invalid json skipped", "{not json}\nsession 1234567 ready", "1234567"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractSessionID(tt.out); got != tt.want {
				t.Errorf("extractSessionID(%q) = %q, want %q", tt.out, got, tt.want)
			}
		})
	}
}

func TestCloudDispatch(t *testing.T) {
	var gotArgs []string
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		gotArgs = args
		return `{"session_id":"cloud-sess-1"}`, nil
	})

	sessionID, err := c.Dispatch(context.Background(), "tech-001", "build it", "cloud://repo/task", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sessionID != "cloud-sess-1" {
		t.Errorf("sessionID = %q, want cloud-sess-1", sessionID)
	}

	want := []string{"create", "--beads", "tech-001", "--prompt", "build it"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestCloudDispatch_ThreeGate(t *testing.T) {
	var gotArgs []string
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		gotArgs = args
		return `{"id":"s1"}`, nil
	})
	c.threeGate = true

	if _, err := c.Dispatch(context.Background(), "tech-001", "p", "", ""); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotArgs[len(gotArgs)-1] != "--three-gate" {
		t.Errorf("args = %v, want trailing --three-gate", gotArgs)
	}
}

func TestCloudDispatch_SynthesizesSessionID(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "queued, check back later", nil
	})

	sessionID, err := c.Dispatch(context.Background(), "tech-001", "p", "", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.HasPrefix(sessionID, "cloud-") {
		t.Errorf("sessionID = %q, want synthesized cloud- prefix", sessionID)
	}
	if len(sessionID) != len("cloud-")+8 {
		t.Errorf("sessionID = %q, want 8-char suffix", sessionID)
	}
}

func TestCloudDispatch_SystemPromptPrepended(t *testing.T) {
	var gotPrompt string
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		for i, a := range args {
			if a == "--prompt" && i+1 < len(args) {
				gotPrompt = args[i+1]
			}
		}
		return `{"id":"s1"}`, nil
	})

	if _, err := c.Dispatch(context.Background(), "tech-001", "do it", "", "obey the rules"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotPrompt != "obey the rules\n\ndo it" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestCloudSessionStatus(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return `{"status":"idle","last_activity":"2026-08-23T10:00:00Z","pr_url":"https://example.com/org/repo/pull/7"}`, nil
	})

	info, err := c.SessionStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if info.Status != SessionIdle {
		t.Errorf("Status = %q, want idle", info.Status)
	}
	if info.PRURL != "https://example.com/org/repo/pull/7" {
		t.Errorf("PRURL = %q", info.PRURL)
	}
	if info.LastActivity.IsZero() {
		t.Error("LastActivity should be parsed")
	}
}

func TestCloudSessionStatus_UnparsableOutput(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "no sessions found", nil
	})

	info, err := c.SessionStatus(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionStatus: %v", err)
	}
	if info.Status != SessionUnknown {
		t.Errorf("Status = %q, want unknown", info.Status)
	}
}

func TestCloudCheckHealth(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "cloud 1.2.3", nil
	})
	if got := c.CheckHealth(context.Background()); got != Healthy {
		t.Errorf("CheckHealth = %q, want healthy", got)
	}

	c = fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "", fmt.Errorf("no such binary")
	})
	if got := c.CheckHealth(context.Background()); got != ServerUnreachable {
		t.Errorf("CheckHealth = %q, want server_unreachable", got)
	}
}

func TestCloudAbortSession(t *testing.T) {
	var gotArgs []string
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		gotArgs = args
		return "cancelled", nil
	})

	if !c.AbortSession(context.Background(), "s1") {
		t.Error("AbortSession should report true")
	}
	want := []string{"remote", "cancel", "--session", "s1"}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestCloudPull(t *testing.T) {
	var gotArgs []string
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		gotArgs = args
		return "3 files changed", nil
	})

	out, err := c.Pull(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if out != "3 files changed" {
		t.Errorf("out = %q", out)
	}
	want := []string{"remote", "pull", "--session", "s1"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}

	if _, err := c.Pull(context.Background(), "s1", true); err != nil {
		t.Fatalf("Pull --apply: %v", err)
	}
	if gotArgs[len(gotArgs)-1] != "--apply" {
		t.Errorf("args = %v, want trailing --apply", gotArgs)
	}
}

func TestCloudPull_Error(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		return "", fmt.Errorf("session not found")
	})
	if _, err := c.Pull(context.Background(), "s1", false); err == nil {
		t.Error("expected error when the CLI fails")
	}
}

func TestCloudUnsupportedOperations(t *testing.T) {
	c := fakeCloud(func(ctx context.Context, bin string, args ...string) (string, error) {
		t.Error("unsupported operations must not shell out")
		return "", nil
	})

	if err := c.ContinueSession(context.Background(), "s1", "p"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ContinueSession err = %v, want ErrUnsupported", err)
	}
	if _, err := c.ShellCommand(context.Background(), "s1", "ls"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ShellCommand err = %v, want ErrUnsupported", err)
	}
	if _, err := c.FinalizePR(context.Background(), "s1", "tech-001", false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("FinalizePR err = %v, want ErrUnsupported", err)
	}
}

func TestNewCloudCLI_MissingBinary(t *testing.T) {
	if _, err := NewCloudCLI("cloud", "/nonexistent/cloud-cli", false); err == nil {
		t.Error("expected error for missing binary")
	}
	if _, err := NewCloudCLI("cloud", "", false); err == nil {
		t.Error("expected error for empty cli_path")
	}
}
