// Package worktree gives each delegated job its own git worktree so parallel
// workers in one project do not trample each other's checkouts.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const DirName = ".organ_worktrees"

type Manager struct {
	git    string
	logger *log.Logger
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{git: "git", logger: logger}
}

// Create adds a worktree for jobID on a fresh branch and returns its path. It
// returns "" when projectPath is not inside a git repository or git fails; the
// caller then runs the job in the project directory itself.
func (m *Manager) Create(ctx context.Context, projectPath, jobID, workerName string) string {
	projectPath = strings.TrimSpace(projectPath)
	if projectPath == "" || strings.TrimSpace(jobID) == "" {
		return ""
	}
	if _, err := exec.LookPath(m.git); err != nil {
		return ""
	}
	top, err := m.run(ctx, projectPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	top = strings.TrimSpace(top)
	if _, err := m.run(ctx, top, "rev-parse", "--verify", "HEAD"); err != nil {
		m.logger.Printf("worktree skipped job=%s reason=no commits repo=%s", jobID, top)
		return ""
	}

	short := shortID(jobID)
	path := filepath.Join(top, DirName, short)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.logger.Printf("worktree mkdir failed job=%s err=%v", jobID, err)
		return ""
	}
	branch := BranchName(workerName, jobID)
	if _, err := m.run(ctx, top, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		m.logger.Printf("worktree add failed job=%s branch=%s err=%v", jobID, branch, err)
		return ""
	}
	m.logger.Printf("worktree created job=%s branch=%s path=%s", jobID, branch, path)
	return path
}

func BranchName(workerName, jobID string) string {
	return fmt.Sprintf("dispatch/%s-%s", slugifyToken(workerName), shortID(jobID))
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.git, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return stdout.String(), fmt.Errorf("git %s failed: %s", strings.Join(args, " "), errMsg)
	}
	return stdout.String(), nil
}

func shortID(jobID string) string {
	id := slugifyToken(jobID)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

func slugifyToken(value string) string {
	lower := strings.ToLower(strings.TrimSpace(value))
	if lower == "" {
		return "worker"
	}
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteRune('-')
			lastDash = true
		}
	}
	result := strings.Trim(b.String(), "-")
	if result == "" {
		return "worker"
	}
	return result
}
