package policy

import (
	"context"
	"errors"
	"strings"

	"organ_dispatch/internal/domain"
)

type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjectAgentIDs(ctx context.Context, projectID string) ([]string, error)
}

// Pool is the set of agents a project allows to execute its work. A pool that
// is not Manual admits everyone.
type Pool struct {
	Manual bool
	ids    map[string]struct{}
}

func (p Pool) Allows(agentID string) bool {
	if !p.Manual {
		return true
	}
	_, ok := p.ids[agentID]
	return ok
}

func (p Pool) Size() int {
	return len(p.ids)
}

type Engine struct {
	store Store
}

func New(store Store) *Engine {
	return &Engine{store: store}
}

// CandidatePool resolves the assignment pool of a project. Tasks without a
// project, unknown projects and manual projects with an empty pool fall back to
// automatic assignment.
func (e *Engine) CandidatePool(ctx context.Context, projectID string) (Pool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Pool{}, nil
	}
	project, err := e.store.GetProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return Pool{}, nil
	}
	if err != nil {
		return Pool{}, err
	}
	if project.AssignmentMode != domain.AssignmentModeManual {
		return Pool{}, nil
	}
	ids, err := e.store.ListProjectAgentIDs(ctx, projectID)
	if err != nil {
		return Pool{}, err
	}
	if len(ids) == 0 {
		return Pool{}, nil
	}
	pool := Pool{Manual: true, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		pool.ids[id] = struct{}{}
	}
	return pool, nil
}
