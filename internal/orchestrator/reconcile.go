package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/notify"
)

const delegatedFailureReason = "Delegated task failed"

var (
	ErrInvalidStopMode = errors.New("invalid stop mode")
	ErrNotRunning      = errors.New("job is not running")
	ErrNotPaused       = errors.New("job is not paused")
)

// completeRun records the outcome of a run on the job row, frees the executor
// and fires the job's completion chain.
func (s *Service) completeRun(ctx context.Context, jobID string, exitCode int) {
	ctx = context.WithoutCancel(ctx)

	status := domain.TaskStatusDone
	if exitCode != 0 {
		status = domain.TaskStatusBlocked
	}
	if mode, ok := s.state.stopMode(jobID); ok {
		switch mode {
		case domain.StopModePause:
			status = domain.TaskStatusPending
		case domain.StopModeCancel:
			status = domain.TaskStatusCancelled
		}
	}
	updated, err := withBusyRetry(func() (bool, error) {
		return s.store.UpdateTaskStatus(ctx, jobID, status, fmt.Sprintf("exit code %d", exitCode))
	})
	if err != nil {
		s.logger.Printf("complete run job=%s: %v", jobID, err)
	}

	job, err := s.store.GetTask(ctx, jobID)
	if err == nil && job.AssignedAgentID != "" {
		if err := s.store.UpdateAgentStatus(ctx, job.AssignedAgentID, domain.AgentStatusIdle, ""); err != nil {
			s.logger.Printf("free agent agent=%s: %v", job.AssignedAgentID, err)
		}
		s.notifier.Broadcast(domain.EventAgentStatus, map[string]any{"agent_id": job.AssignedAgentID, "status": domain.AgentStatusIdle})
	}
	s.metrics.RecordCompletion(string(status))
	s.logger.Printf("run complete job=%s exit=%d status=%s updated=%v", jobID, exitCode, status, updated)
	s.notifier.AppendTaskLog(ctx, jobID, "system", fmt.Sprintf("run finished exit=%d status=%s", exitCode, status))
	if err == nil {
		s.notifier.Broadcast(domain.EventTaskUpdate, job)
	}
	s.fireCompletion(ctx, jobID)
}

// fireCompletion runs the job's chain in registration order, at most once.
func (s *Service) fireCompletion(ctx context.Context, jobID string) {
	fns := s.state.take(jobID)
	if fns == nil {
		s.logger.Printf("completion without finalizer job=%s", jobID)
		return
	}
	defer s.state.doneFiring(jobID)
	for _, fn := range fns {
		fn(ctx, jobID)
	}
}

// exitCodeFromRow derives the batch outcome from the persisted job status, so
// a repeated or spurious completion computes the same result.
func (s *Service) exitCodeFromRow(ctx context.Context, jobID string) int {
	job, err := s.store.GetTask(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Printf("stale completion job=%s reason=job missing", jobID)
		return 1
	case err != nil:
		s.logger.Printf("completion read job=%s: %v", jobID, err)
		return 1
	case job.Status == domain.TaskStatusDone:
		return 0
	case job.Status == domain.TaskStatusCancelled || job.Status == domain.TaskStatusPending:
		s.logger.Printf("stale completion job=%s status=%s", jobID, job.Status)
		return 1
	default:
		return 1
	}
}

func (s *Service) batchFinalizer(parentID string, ids []string, onBatchDone func()) Finalizer {
	return func(ctx context.Context, jobID string) {
		code := s.exitCodeFromRow(ctx, jobID)
		s.FinalizeDelegatedSubtasks(ctx, jobID, ids, code)
		if code != 0 && !s.jobPaused(ctx, jobID) {
			s.notifier.NotifyCEO(ctx, notify.Format(notify.BatchFailed, s.cfg.Language, s.jobDepartmentName(ctx, jobID), s.jobTitle(ctx, jobID)), parentID)
		}
		onBatchDone()
	}
}

func (s *Service) resumeFinalizer() Finalizer {
	return func(ctx context.Context, jobID string) {
		subtasks, err := s.store.ListDelegatedSubtasks(ctx, jobID)
		if err != nil {
			s.logger.Printf("resume finalize list subtasks job=%s: %v", jobID, err)
		}
		s.FinalizeDelegatedSubtasks(ctx, jobID, subtaskIDs(subtasks), s.exitCodeFromRow(ctx, jobID))
	}
}

// jobPaused reports whether the persisted job row is parked by a pause. The
// in-memory stop flag is not enough: a pause can land after the run outcome
// was already chosen.
func (s *Service) jobPaused(ctx context.Context, jobID string) bool {
	job, err := s.store.GetTask(ctx, jobID)
	return err == nil && job.Status == domain.TaskStatusPending
}

// FinalizeDelegatedSubtasks moves the batch subtasks of a delegated job to done
// (exit code 0) or blocked, removes the job's anchor and checks whether the
// parent is complete. Subtasks already terminal are never touched again. While
// the job row is paused nothing changes and the anchor is kept; a stop flag
// left over on a row that already finished is dropped. It returns how many
// subtasks changed.
func (s *Service) FinalizeDelegatedSubtasks(ctx context.Context, jobID string, ids []string, exitCode int) int {
	if s.jobPaused(ctx, jobID) {
		s.logger.Printf("finalize deferred job=%s reason=paused", jobID)
		s.notifier.AppendTaskLog(ctx, jobID, "system", "run paused; delegated subtasks stay open until resume")
		return 0
	}
	if mode, ok := s.state.stopMode(jobID); ok && mode == domain.StopModePause {
		s.logger.Printf("stale pause request job=%s reason=run already finished", jobID)
	}
	s.state.clearStop(jobID)

	status := domain.SubtaskStatusDone
	reason := ""
	if exitCode != 0 {
		status = domain.SubtaskStatusBlocked
		reason = delegatedFailureReason
	}
	n, err := withBusyRetry(func() (int, error) {
		return s.store.FinalizeDelegatedSubtasks(ctx, jobID, ids, status, reason)
	})
	if err != nil {
		s.logger.Printf("finalize subtasks job=%s: %v", jobID, err)
		return 0
	}
	s.metrics.RecordFinalized(string(status), n)

	parentID := s.parentOf(ctx, jobID)
	if _, err := withBusyRetry(func() (bool, error) { return s.store.DeleteDelegationAnchor(ctx, jobID) }); err != nil {
		s.logger.Printf("delete anchor job=%s: %v", jobID, err)
	}
	s.state.dropAnchor(jobID)

	s.logger.Printf("finalize subtasks job=%s parent=%s status=%s changed=%d", jobID, parentID, status, n)
	if n > 0 {
		s.notifier.Broadcast(domain.EventSubtaskUpdate, map[string]any{
			"task_id":           parentID,
			"delegated_task_id": jobID,
			"subtask_ids":       ids,
			"status":            status,
		})
	}
	if parentID != "" {
		s.MaybeNotifyAllSubtasksComplete(ctx, parentID)
	}
	return n
}

func (s *Service) parentOf(ctx context.Context, jobID string) string {
	if p, ok := s.state.anchorParent(jobID); ok && p != "" {
		return p
	}
	if a, err := s.store.GetDelegationAnchor(ctx, jobID); err == nil && a.ParentTaskID != "" {
		return a.ParentTaskID
	}
	if job, err := s.store.GetTask(ctx, jobID); err == nil {
		return job.SourceTaskID
	}
	return ""
}

// MaybeNotifyAllSubtasksComplete sends the one completion notice for a parent
// once all its subtasks are done. A parent in review is finished shortly after.
// It reports whether the notice was sent by this call.
func (s *Service) MaybeNotifyAllSubtasksComplete(ctx context.Context, parentID string) bool {
	subtasks, err := s.store.ListSubtasks(ctx, parentID)
	if err != nil {
		s.logger.Printf("completion check list subtasks parent=%s: %v", parentID, err)
		return false
	}
	if len(subtasks) == 0 {
		return false
	}
	for _, st := range subtasks {
		if st.Status != domain.SubtaskStatusDone {
			return false
		}
	}
	if !s.state.markNoticeSent(parentID) {
		return false
	}
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		s.logger.Printf("completion check get parent=%s: %v", parentID, err)
		return true
	}
	s.metrics.RecordCompletionNotice()
	s.notifier.NotifyCEO(ctx, notify.Format(notify.AllSubtasksComplete, s.cfg.Language, parent.Title), parentID)
	s.notifier.AppendTaskLog(ctx, parentID, "system", fmt.Sprintf("all %d subtask(s) complete", len(subtasks)))
	s.logger.Printf("all subtasks complete parent=%s subtasks=%d status=%s", parentID, len(subtasks), parent.Status)

	if parent.Status == domain.TaskStatusReview {
		finishCtx := context.WithoutCancel(ctx)
		s.goTracked(func() {
			if err := s.clock.Sleep(ctx, s.cfg.ReviewFinishDelay); err != nil {
				return
			}
			s.finisher.FinishReview(finishCtx, parentID)
		})
	}
	return true
}

// RequestStop flags a running delegated job for pause or cancel. The flag
// decides the job status when its run completes; a paused batch stays open for
// resume. Jobs that are not planned or in progress are refused.
func (s *Service) RequestStop(ctx context.Context, jobID string, mode domain.StopMode) error {
	if mode != domain.StopModePause && mode != domain.StopModeCancel {
		return fmt.Errorf("%w: %q", ErrInvalidStopMode, mode)
	}
	job, err := s.store.GetTask(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if !job.Status.Stoppable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}
	s.state.requestStop(jobID, mode)
	s.logger.Printf("stop requested job=%s mode=%s", jobID, mode)
	s.notifier.AppendTaskLog(ctx, jobID, "system", fmt.Sprintf("stop requested: %s", mode))
	return nil
}

// ResumeDelegatedJob clears a pause and runs the job again. Its subtasks are
// finalized when the new run completes; the parent's queue is not advanced.
func (s *Service) ResumeDelegatedJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetTask(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status != domain.TaskStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, jobID, job.Status)
	}
	executor, err := s.store.GetAgent(ctx, job.AssignedAgentID)
	if err != nil {
		return fmt.Errorf("get executor: %w", err)
	}
	parent, err := s.store.GetTask(ctx, job.SourceTaskID)
	if err != nil {
		return fmt.Errorf("get parent: %w", err)
	}

	if !s.state.tryRegister(jobID, s.resumeFinalizer()) {
		return fmt.Errorf("%w: %s still running", ErrNotPaused, jobID)
	}
	s.state.clearStop(jobID)
	s.state.setAnchor(jobID, parent.ID)
	s.logger.Printf("resume job=%s executor=%s", jobID, executor.ID)
	s.notifier.AppendTaskLog(ctx, jobID, "system", "run resumed")
	s.launchJob(ctx, job, parent, executor, s.departmentName(ctx, job.DepartmentID))
	return nil
}

func (s *Service) jobTitle(ctx context.Context, jobID string) string {
	if job, err := s.store.GetTask(ctx, jobID); err == nil {
		return job.Title
	}
	return jobID
}

func (s *Service) jobDepartmentName(ctx context.Context, jobID string) string {
	if job, err := s.store.GetTask(ctx, jobID); err == nil {
		return s.departmentName(ctx, job.DepartmentID)
	}
	return ""
}
