package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"organ_dispatch/internal/progress"
)

var ErrInvalidLogPath = errors.New("invalid job log path")

const logSuffix = ".log"

// Gateway owns the per-job worker log files under a single root.
type Gateway struct {
	root string
}

func NewGateway(root string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve log root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	return &Gateway{root: absRoot}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// LogPath resolves the log file of a job, rejecting ids that would escape the root.
func (g *Gateway) LogPath(jobID string) (string, error) {
	id := strings.TrimSpace(jobID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLogPath, jobID)
	}
	abs := filepath.Clean(filepath.Join(g.root, id+logSuffix))
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q escapes log root", ErrInvalidLogPath, jobID)
	}
	return abs, nil
}

// OpenLog opens the job log for appending, creating it when missing.
func (g *Gateway) OpenLog(jobID string) (*os.File, error) {
	p, err := g.LogPath(jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return f, nil
}

// ReadTail returns up to maxBytes from the end of the job log. A missing log reads as empty.
func (g *Gateway) ReadTail(jobID string, maxBytes int64) (string, error) {
	p, err := g.LogPath(jobID)
	if err != nil {
		return "", err
	}
	raw, err := progress.ReadTail(p, maxBytes)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read job log: %w", err)
	}
	return raw, nil
}

// Hints decodes the tail of the job log into progress hints.
func (g *Gateway) Hints(jobID string, maxBytes int64, maxHints int) (progress.Progress, error) {
	raw, err := g.ReadTail(jobID, maxBytes)
	if err != nil {
		return progress.Progress{}, err
	}
	return progress.BuildHints(raw, maxHints), nil
}
