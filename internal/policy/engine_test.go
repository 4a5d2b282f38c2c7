package policy

import (
	"context"
	"errors"
	"testing"

	"organ_dispatch/internal/domain"
)

type fakeStore struct {
	projects map[string]domain.Project
	pools    map[string][]string
	err      error
}

func (f fakeStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	if f.err != nil {
		return domain.Project{}, f.err
	}
	p, ok := f.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (f fakeStore) ListProjectAgentIDs(_ context.Context, id string) ([]string, error) {
	return f.pools[id], nil
}

func TestCandidatePool(t *testing.T) {
	store := fakeStore{
		projects: map[string]domain.Project{
			"auto":   {ID: "auto", AssignmentMode: domain.AssignmentModeAuto},
			"manual": {ID: "manual", AssignmentMode: domain.AssignmentModeManual},
			"empty":  {ID: "empty", AssignmentMode: domain.AssignmentModeManual},
		},
		pools: map[string][]string{
			"auto":   {"a1"},
			"manual": {"a1", "a2"},
		},
	}
	e := New(store)

	tests := []struct {
		project    string
		wantManual bool
		allowed    string
		denied     string
	}{
		{project: "", wantManual: false, allowed: "anyone"},
		{project: "missing", wantManual: false, allowed: "anyone"},
		{project: "auto", wantManual: false, allowed: "a9"},
		{project: "empty", wantManual: false, allowed: "a9"},
		{project: "manual", wantManual: true, allowed: "a2", denied: "a9"},
	}
	for _, tc := range tests {
		pool, err := e.CandidatePool(context.Background(), tc.project)
		if err != nil {
			t.Fatalf("project %q: %v", tc.project, err)
		}
		if pool.Manual != tc.wantManual {
			t.Fatalf("project %q manual=%v want %v", tc.project, pool.Manual, tc.wantManual)
		}
		if !pool.Allows(tc.allowed) {
			t.Fatalf("project %q should allow %q", tc.project, tc.allowed)
		}
		if tc.denied != "" && pool.Allows(tc.denied) {
			t.Fatalf("project %q should deny %q", tc.project, tc.denied)
		}
	}
}

func TestCandidatePoolPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	if _, err := New(fakeStore{err: boom}).CandidatePool(context.Background(), "p"); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}
