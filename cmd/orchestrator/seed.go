package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"organ_dispatch/internal/config"
	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/launch"
)

type rosterStore interface {
	UpsertDepartment(ctx context.Context, dept domain.Department) error
	UpsertAgent(ctx context.Context, a domain.Agent) error
	UpsertProject(ctx context.Context, p domain.Project) error
	SetProjectAgents(ctx context.Context, projectID string, agentIDs []string) error
}

// seedRoster writes the configured departments, agents and projects. It is
// safe to run on every start; agents keep their runtime status.
func seedRoster(ctx context.Context, store rosterStore, cfg config.Config) error {
	for _, d := range cfg.Departments.List {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("department without id")
		}
		if err := store.UpsertDepartment(ctx, domain.Department{ID: id, Name: firstNonEmpty(d.Name, id), SortOrder: d.SortOrder}); err != nil {
			return err
		}
	}

	for _, e := range cfg.Agents {
		a, err := agentFromEntry(e)
		if err != nil {
			return err
		}
		if err := store.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}

	for _, p := range cfg.Projects {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("project without id")
		}
		mode := domain.AssignmentMode(firstNonEmpty(p.AssignmentMode, string(domain.AssignmentModeAuto)))
		if mode != domain.AssignmentModeAuto && mode != domain.AssignmentModeManual {
			return fmt.Errorf("project %s: unknown assignment mode %q", id, p.AssignmentMode)
		}
		if err := store.UpsertProject(ctx, domain.Project{ID: id, Name: firstNonEmpty(p.Name, id), Path: p.Path, AssignmentMode: mode}); err != nil {
			return err
		}
		if err := store.SetProjectAgents(ctx, id, p.Agents); err != nil {
			return err
		}
	}

	log.Printf("roster seeded departments=%d agents=%d projects=%d", len(cfg.Departments.List), len(cfg.Agents), len(cfg.Projects))
	return nil
}

func agentFromEntry(e config.AgentEntry) (domain.Agent, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return domain.Agent{}, fmt.Errorf("agent without id")
	}
	role := domain.AgentRole(firstNonEmpty(e.Role, string(domain.AgentRoleSenior)))
	switch role {
	case domain.AgentRoleTeamLeader, domain.AgentRoleSenior, domain.AgentRoleJunior, domain.AgentRoleIntern:
	default:
		return domain.Agent{}, fmt.Errorf("agent %s: unknown role %q", id, e.Role)
	}
	provider := domain.Provider(firstNonEmpty(e.Provider, string(domain.ProviderClaude)))
	if launch.FamilyOf(provider) == launch.FamilyUnknown {
		return domain.Agent{}, fmt.Errorf("agent %s: %w: %q", id, launch.ErrUnknownProvider, e.Provider)
	}
	if strings.TrimSpace(e.Department) == "" {
		return domain.Agent{}, fmt.Errorf("agent %s: department is required", id)
	}
	return domain.Agent{
		ID:             id,
		Name:           firstNonEmpty(e.Name, id),
		Role:           role,
		DepartmentID:   strings.TrimSpace(e.Department),
		Provider:       provider,
		Model:          strings.TrimSpace(e.Model),
		ReasoningLevel: strings.TrimSpace(e.ReasoningLevel),
		OAuthAccountID: strings.TrimSpace(e.OAuthAccount),
	}, nil
}
