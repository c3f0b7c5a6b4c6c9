// Package worktree provisions isolated workspaces for dispatches. HTTP
// backends get a real git worktree; cloud backends get a synthetic path
// because the cloud service provisions its own workspace.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Provisioner returns an isolated workspace path for one dispatch
type Provisioner interface {
	Provision(ctx context.Context, taskID, repo string) (string, error)
}

// GitProvisioner creates git worktrees under worktreeDir for repos checked
// out under repoRoot.
type GitProvisioner struct {
	repoRoot    string
	worktreeDir string
}

// NewGitProvisioner creates a git worktree provisioner
func NewGitProvisioner(repoRoot, worktreeDir string) *GitProvisioner {
	return &GitProvisioner{repoRoot: repoRoot, worktreeDir: worktreeDir}
}

// Provision creates a fresh worktree for the task. Any stale worktree or
// branch left by a previous run for the same task is removed first.
func (p *GitProvisioner) Provision(ctx context.Context, taskID, repo string) (string, error) {
	repoDir := filepath.Join(p.repoRoot, repo)
	if _, err := os.Stat(repoDir); err != nil {
		return "", fmt.Errorf("repo checkout %s: %w", repoDir, err)
	}
	if err := os.MkdirAll(p.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	branch := BranchName(taskID)
	if err := p.cleanupExistingBranch(ctx, repoDir, branch); err != nil {
		return "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	wtPath := filepath.Join(p.worktreeDir, fmt.Sprintf("%s-%s-%s", repo, sanitize(taskID), randomSuffix()))

	// Fetch latest from origin first (remote might not exist in tests)
	fetchCmd := exec.CommandContext(ctx, "git", "fetch", "origin", "main")
	fetchCmd.Dir = repoDir
	fetchCmd.Run()

	baseBranch := "origin/main"
	checkCmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "origin/main")
	checkCmd.Dir = repoDir
	if checkCmd.Run() != nil {
		baseBranch = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, wtPath, baseBranch)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return wtPath, nil
}

// cleanupExistingBranch removes any existing worktree and branch for the given branch name
func (p *GitProvisioner) cleanupExistingBranch(ctx context.Context, repoDir, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	cmd.Dir = repoDir
	cmd.Run()

	cmd = exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = repoDir
	out, _ := cmd.Output()

	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		wtPath := strings.TrimPrefix(line, "worktree ")
		for j := i + 1; j < len(lines) && j < i+4; j++ {
			if strings.TrimSpace(lines[j]) == "branch refs/heads/"+branch {
				rmCmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wtPath)
				rmCmd.Dir = repoDir
				rmCmd.Run()
				break
			}
		}
	}

	// Delete orphan branches from previous runs; branch might not exist
	cmd = exec.CommandContext(ctx, "git", "branch", "-D", branch)
	cmd.Dir = repoDir
	cmd.Run()

	return nil
}

// Remove removes a worktree and its branch
func (p *GitProvisioner) Remove(ctx context.Context, repo, wtPath string) error {
	repoDir := filepath.Join(p.repoRoot, repo)

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = wtPath
	branchOut, _ := cmd.Output()
	branch := strings.TrimSpace(string(branchOut))

	cmd = exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}

	if branch != "" && branch != "HEAD" {
		cmd = exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = repoDir
		cmd.Run()
	}

	return nil
}

// SyntheticProvisioner returns placeholder paths for backends that provision
// their own workspaces remotely.
type SyntheticProvisioner struct{}

func (SyntheticProvisioner) Provision(ctx context.Context, taskID, repo string) (string, error) {
	return fmt.Sprintf("cloud://%s/%s", repo, sanitize(taskID)), nil
}

// refreshTimeout bounds the best-effort tooling refresh
const refreshTimeout = 30 * time.Second

// RefreshTooling pulls the latest agent tooling on a backend host before a
// dispatch. Best-effort: failures are logged and never block the dispatch.
func RefreshTooling(ctx context.Context, sshTarget, toolingDir string) {
	if sshTarget == "" || toolingDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ssh", sshTarget, fmt.Sprintf("cd %s && git pull --ff-only", toolingDir))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("tooling refresh on %s failed: %v: %s", sshTarget, err, strings.TrimSpace(string(out)))
	}
}

// BranchName returns the branch name for a task
func BranchName(taskID string) string {
	return "fleet/" + sanitize(taskID)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
