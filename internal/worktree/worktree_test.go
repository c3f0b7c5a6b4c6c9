package worktree

import (
	"context"
	"testing"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		taskID string
		want   string
	}{
		{"tech-001", "fleet/tech-001"},
		{"TECH_9.2", "fleet/TECH_9.2"},
		{"task with spaces", "fleet/task-with-spaces"},
		{"weird/chars:here", "fleet/weird-chars-here"},
	}
	for _, tt := range tests {
		if got := BranchName(tt.taskID); got != tt.want {
			t.Errorf("BranchName(%q) = %q, want %q", tt.taskID, got, tt.want)
		}
	}
}

func TestSyntheticProvisioner(t *testing.T) {
	got, err := SyntheticProvisioner{}.Provision(context.Background(), "tech-001", "fleet")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if got != "cloud://fleet/tech-001" {
		t.Errorf("Provision = %q", got)
	}

	got, _ = SyntheticProvisioner{}.Provision(context.Background(), "a/b c", "fleet")
	if got != "cloud://fleet/a-b-c" {
		t.Errorf("Provision = %q, want sanitized task id", got)
	}
}

func TestGitProvisioner_MissingRepo(t *testing.T) {
	p := NewGitProvisioner(t.TempDir(), t.TempDir())
	if _, err := p.Provision(context.Background(), "tech-001", "no-such-repo"); err == nil {
		t.Error("expected error for missing repo checkout")
	}
}

func TestRefreshTooling_NoTarget(t *testing.T) {
	// Empty target or dir is a no-op and must not shell out
	RefreshTooling(context.Background(), "", "/opt/tooling")
	RefreshTooling(context.Background(), "builder@host", "")
}
