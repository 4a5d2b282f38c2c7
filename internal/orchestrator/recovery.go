package orchestrator

import (
	"context"
	"errors"

	"organ_dispatch/internal/domain"
)

const orphanedReason = "orphaned: completion signal lost"

// RecoverAfterMissingCallback settles delegated jobs whose anchor outlived the
// in-memory completion chain, usually after a restart. Finished or missing
// jobs are finalized from their row; jobs that still look active are blocked
// as orphaned; paused jobs are left for resume. Each affected parent is then
// re-entered so its remaining queues continue. It returns the number of jobs
// settled.
func (s *Service) RecoverAfterMissingCallback(ctx context.Context) int {
	anchors, err := s.store.ListDelegationAnchors(ctx)
	if err != nil {
		s.logger.Printf("recovery list anchors: %v", err)
		return 0
	}

	settled := 0
	var parents []string
	seen := make(map[string]bool)
	for _, a := range anchors {
		if ctx.Err() != nil {
			return settled
		}
		if s.state.HasFinalizer(a.DelegatedTaskID) {
			continue
		}
		code, action, ok := s.recoveryOutcome(ctx, a.DelegatedTaskID)
		if !ok {
			continue
		}
		subtasks, err := s.store.ListDelegatedSubtasks(ctx, a.DelegatedTaskID)
		if err != nil {
			s.logger.Printf("recovery list subtasks job=%s: %v", a.DelegatedTaskID, err)
			continue
		}
		s.state.setAnchor(a.DelegatedTaskID, a.ParentTaskID)
		n := s.FinalizeDelegatedSubtasks(ctx, a.DelegatedTaskID, subtaskIDs(subtasks), code)
		s.logger.Printf("recovery job=%s parent=%s action=%s exit=%d changed=%d", a.DelegatedTaskID, a.ParentTaskID, action, code, n)
		s.notifier.AppendTaskLog(ctx, a.ParentTaskID, "system", "recovered delegated job "+a.DelegatedTaskID+" ("+action+")")
		s.metrics.RecordRecovery(action)
		settled++
		if a.ParentTaskID != "" && !seen[a.ParentTaskID] {
			seen[a.ParentTaskID] = true
			parents = append(parents, a.ParentTaskID)
		}
	}
	for _, p := range parents {
		s.ProcessSubtaskDelegations(ctx, p)
	}
	return settled
}

// recoveryOutcome maps the job row to the exit code used for finalizing. ok is
// false when the job must be left alone.
func (s *Service) recoveryOutcome(ctx context.Context, jobID string) (code int, action string, ok bool) {
	job, err := s.store.GetTask(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return 1, "missing", true
	case err != nil:
		s.logger.Printf("recovery get job=%s: %v", jobID, err)
		return 0, "", false
	}
	switch job.Status {
	case domain.TaskStatusDone:
		return 0, "finished", true
	case domain.TaskStatusBlocked, domain.TaskStatusCancelled:
		return 1, "finished", true
	case domain.TaskStatusInProgress, domain.TaskStatusPlanned, domain.TaskStatusCollaborating:
		if _, err := withBusyRetry(func() (bool, error) {
			return s.store.UpdateTaskStatus(ctx, jobID, domain.TaskStatusBlocked, orphanedReason)
		}); err != nil {
			s.logger.Printf("recovery block job=%s: %v", jobID, err)
			return 0, "", false
		}
		if job.AssignedAgentID != "" {
			if err := s.store.UpdateAgentStatus(ctx, job.AssignedAgentID, domain.AgentStatusIdle, ""); err != nil {
				s.logger.Printf("recovery free agent=%s: %v", job.AssignedAgentID, err)
			}
		}
		s.broadcastTask(ctx, jobID)
		return 1, "orphaned", true
	default:
		// pending (paused) and review rows wait for an explicit action.
		return 0, "", false
	}
}
