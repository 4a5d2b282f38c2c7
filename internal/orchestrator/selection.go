package orchestrator

import (
	"context"
	"sort"

	"organ_dispatch/internal/domain"
)

// findLead returns the department's team leader together with every member.
func (s *Service) findLead(ctx context.Context, deptID string) (domain.Agent, []domain.Agent, bool) {
	if deptID == "" {
		return domain.Agent{}, nil, false
	}
	members, err := s.store.ListDepartmentAgents(ctx, deptID)
	if err != nil {
		s.logger.Printf("list department agents dept=%s: %v", deptID, err)
		return domain.Agent{}, nil, false
	}
	for _, a := range members {
		if a.Role == domain.AgentRoleTeamLeader {
			return a, members, true
		}
	}
	return domain.Agent{}, members, false
}

// pickExecutor prefers an available subordinate: least active jobs first, then
// seniority, then name. A manual project pool restricts the candidates. The
// lead runs the batch when nobody qualifies.
func (s *Service) pickExecutor(ctx context.Context, lead domain.Agent, members []domain.Agent, projectID string) domain.Agent {
	allows := func(string) bool { return true }
	if s.policy != nil {
		pool, err := s.policy.CandidatePool(ctx, projectID)
		if err != nil {
			s.logger.Printf("assignment pool project=%s: %v", projectID, err)
		} else {
			allows = pool.Allows
		}
	}

	type candidate struct {
		agent  domain.Agent
		active int
	}
	candidates := make([]candidate, 0, len(members))
	for _, a := range members {
		if a.ID == lead.ID || a.Role == domain.AgentRoleTeamLeader {
			continue
		}
		if a.Status == domain.AgentStatusOffline || a.Status == domain.AgentStatusBreak {
			continue
		}
		if !allows(a.ID) {
			continue
		}
		active, err := s.store.CountActiveTasks(ctx, a.ID)
		if err != nil {
			s.logger.Printf("count active tasks agent=%s: %v", a.ID, err)
			continue
		}
		candidates = append(candidates, candidate{agent: a, active: active})
	}
	if len(candidates) == 0 {
		return lead
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.active != b.active {
			return a.active < b.active
		}
		if ra, rb := a.agent.Role.Rank(), b.agent.Role.Rank(); ra != rb {
			return ra < rb
		}
		return a.agent.Name < b.agent.Name
	})
	return candidates[0].agent
}
