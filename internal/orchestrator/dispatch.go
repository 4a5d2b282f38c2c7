package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/launch"
	"organ_dispatch/internal/notify"
	"organ_dispatch/internal/queue"
)

// ProcessSubtaskDelegations starts the dispatch sequence for every open foreign
// subtask of the parent. It returns false without doing anything when a
// sequence for the parent is already running or nothing is left to dispatch.
func (s *Service) ProcessSubtaskDelegations(ctx context.Context, parentID string) bool {
	if !s.state.tryStartDispatch(parentID) {
		s.logger.Printf("dispatch skipped parent=%s reason=already running", parentID)
		return false
	}
	parent, err := s.store.GetTask(ctx, parentID)
	if err != nil {
		s.state.endDispatch(parentID)
		s.logger.Printf("dispatch get parent=%s: %v", parentID, err)
		return false
	}
	open, err := s.store.ListOpenForeignSubtasks(ctx, parentID)
	if err != nil {
		s.state.endDispatch(parentID)
		s.logger.Printf("dispatch list subtasks parent=%s: %v", parentID, err)
		return false
	}
	if len(open) == 0 {
		s.state.endDispatch(parentID)
		s.MaybeNotifyAllSubtasksComplete(ctx, parentID)
		return false
	}

	queues := s.builder.Build(open, s.sortOrders(ctx))
	s.logger.Printf("dispatch start parent=%s queues=%d subtasks=%d", parentID, len(queues), len(open))
	s.notifier.AppendTaskLog(ctx, parentID, "system", fmt.Sprintf("cross-department dispatch: %d queue(s), %d subtask(s)", len(queues), len(open)))

	if s.cooperation == nil {
		s.goTracked(func() { s.runQueues(ctx, parent, queues) })
		return true
	}

	depts := make([]string, 0, len(queues))
	for _, q := range queues {
		depts = append(depts, q.DepartmentID)
	}
	s.wg.Add(1)
	var once sync.Once
	s.cooperation.StartCrossDeptCooperation(ctx, depts, 0, parent, func() {
		once.Do(func() {
			go func() {
				defer s.wg.Done()
				s.runQueues(ctx, parent, queues)
			}()
		})
	})
	return true
}

func (s *Service) sortOrders(ctx context.Context) map[string]int {
	depts, err := s.store.ListDepartments(ctx)
	if err != nil {
		s.logger.Printf("list departments: %v", err)
		return nil
	}
	out := make(map[string]int, len(depts))
	for _, d := range depts {
		out[d.ID] = d.SortOrder
	}
	return out
}

// runQueues dispatches one batch at a time and advances only after the
// previous batch reported done.
func (s *Service) runQueues(ctx context.Context, parent domain.Task, queues []queue.Queue) {
	defer s.state.endDispatch(parent.ID)
	for i, q := range queues {
		if i > 0 {
			if err := s.clock.Sleep(ctx, s.jitter(s.cfg.InterBatchDelay)); err != nil {
				s.logger.Printf("dispatch interrupted parent=%s queue=%d: %v", parent.ID, i, err)
				return
			}
		}
		done := make(chan struct{})
		s.DelegateSubtaskBatch(ctx, q.Subtasks, i, len(queues), parent, func() { close(done) })
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Printf("dispatch interrupted parent=%s queue=%d: %v", parent.ID, i, ctx.Err())
			return
		}
	}
	s.logger.Printf("dispatch drained parent=%s queues=%d", parent.ID, len(queues))
	s.MaybeNotifyAllSubtasksComplete(ctx, parent.ID)
}

// DelegateSubtaskBatch hands one department batch to a worker. onBatchDone is
// called exactly once: right away when the batch cannot run, otherwise after
// the delegated job completed and its subtasks were reconciled. It returns the
// delegated job id, or "" when no job was created.
func (s *Service) DelegateSubtaskBatch(
	ctx context.Context,
	subtasks []domain.Subtask,
	queueIndex int,
	queueTotal int,
	parent domain.Task,
	onBatchDone func(),
) string {
	if onBatchDone == nil {
		onBatchDone = func() {}
	}
	done := sync.OnceFunc(onBatchDone)
	if len(subtasks) == 0 {
		done()
		return ""
	}
	deptID := subtasks[0].Department()
	deptName := s.departmentName(ctx, deptID)
	ids := subtaskIDs(subtasks)

	lead, members, ok := s.findLead(ctx, deptID)
	if !ok {
		n, err := withBusyRetry(func() (int, error) { return s.store.ResolveSubtasks(ctx, ids) })
		if err != nil {
			s.logger.Printf("dispatch resolve batch parent=%s dept=%s: %v", parent.ID, deptID, err)
		}
		s.logger.Printf("dispatch batch parent=%s dept=%s resolved=%d reason=no team lead", parent.ID, deptID, n)
		s.notifier.NotifyCEO(ctx, notify.Format(notify.LeadMissing, s.cfg.Language, deptName), parent.ID)
		s.notifier.AppendTaskLog(ctx, parent.ID, "system", fmt.Sprintf("batch %d/%d for %s closed without a run: no team lead", queueIndex+1, queueTotal, deptName))
		s.notifier.Broadcast(domain.EventSubtaskUpdate, map[string]any{
			"task_id":     parent.ID,
			"subtask_ids": ids,
			"status":      domain.SubtaskStatusDone,
		})
		s.metrics.RecordBatch(deptID, "no_lead")
		done()
		return ""
	}

	executor := s.pickExecutor(ctx, lead, members, parent.ProjectID)
	s.notifier.NotifyCEO(ctx, notify.Format(notify.BatchAssigned, s.cfg.Language, deptName, lead.Name, executor.Name, len(subtasks)), parent.ID)
	if err := s.clock.Sleep(ctx, s.jitter(s.cfg.AckDelay)); err != nil {
		s.metrics.RecordBatch(deptID, "interrupted")
		done()
		return ""
	}

	now := s.clock.Now().UTC()
	job := domain.Task{
		ID:              uuid.NewString(),
		Title:           batchTitle(deptName, parent, queueIndex, queueTotal),
		Description:     batchDescription(subtasks),
		DepartmentID:    deptID,
		ProjectID:       parent.ProjectID,
		Status:          domain.TaskStatusPlanned,
		AssignedAgentID: executor.ID,
		SourceTaskID:    parent.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// The chain must exist before the anchor is visible to recovery.
	s.state.register(job.ID, s.batchFinalizer(parent.ID, ids, done))
	s.state.setAnchor(job.ID, parent.ID)
	claimed, err := withBusyRetry(func() ([]string, error) { return s.store.CreateDelegatedBatch(ctx, job, ids) })
	if err != nil {
		s.state.unregister(job.ID)
		s.state.dropAnchor(job.ID)
		if errors.Is(err, domain.ErrNothingToDelegate) {
			s.logger.Printf("dispatch batch parent=%s dept=%s skipped: already claimed", parent.ID, deptID)
			s.metrics.RecordBatch(deptID, "skipped")
		} else {
			s.logger.Printf("dispatch batch parent=%s dept=%s: %v", parent.ID, deptID, err)
			s.metrics.RecordBatch(deptID, "error")
		}
		done()
		return ""
	}
	job.Description = batchDescription(filterSubtasks(subtasks, claimed))

	s.logger.Printf("dispatch batch parent=%s dept=%s job=%s executor=%s subtasks=%d", parent.ID, deptID, job.ID, executor.ID, len(claimed))
	s.notifier.AppendTaskLog(ctx, parent.ID, "system", fmt.Sprintf("batch %d/%d delegated to %s (%s) job=%s", queueIndex+1, queueTotal, executor.Name, deptName, job.ID))
	s.notifier.Broadcast(domain.EventSubtaskUpdate, map[string]any{
		"task_id":           parent.ID,
		"subtask_ids":       claimed,
		"delegated_task_id": job.ID,
		"status":            domain.SubtaskStatusInProgress,
	})
	s.metrics.RecordBatch(deptID, "launched")
	s.launchJob(ctx, job, parent, executor, deptName)
	return job.ID
}

// launchJob provisions the workspace and session, starts the run and watches
// for its completion.
func (s *Service) launchJob(ctx context.Context, job, parent domain.Task, executor domain.Agent, deptName string) {
	workDir := ""
	if job.ProjectID != "" {
		if project, err := s.store.GetProject(ctx, job.ProjectID); err == nil {
			workDir = project.Path
		}
	}
	if s.worktrees != nil && workDir != "" {
		if wt := s.worktrees.Create(ctx, workDir, job.ID, executor.Name); wt != "" {
			workDir = wt
		}
	}

	sess, err := s.store.EnsureExecutionSession(ctx, job.ID, executor.ID, executor.Provider)
	if err != nil {
		s.logger.Printf("execution session job=%s: %v", job.ID, err)
	}
	prompt := sessionHeader(sess, executor) + buildBatchPrompt(parent, job, deptName, executor)

	if _, err := withBusyRetry(func() (bool, error) {
		return s.store.UpdateTaskStatus(ctx, job.ID, domain.TaskStatusInProgress, "")
	}); err != nil {
		s.logger.Printf("mark job in progress job=%s: %v", job.ID, err)
	}
	if err := s.store.UpdateAgentStatus(ctx, executor.ID, domain.AgentStatusWorking, job.ID); err != nil {
		s.logger.Printf("mark agent working agent=%s: %v", executor.ID, err)
	}
	s.notifier.Broadcast(domain.EventAgentStatus, map[string]any{"agent_id": executor.ID, "status": domain.AgentStatusWorking, "task_id": job.ID})
	s.broadcastTask(ctx, job.ID)

	ch, err := s.launcher.Launch(ctx, launch.Request{
		JobID:          job.ID,
		AgentID:        executor.ID,
		Provider:       executor.Provider,
		Prompt:         prompt,
		WorkDir:        workDir,
		Model:          executor.Model,
		ReasoningLevel: executor.ReasoningLevel,
		OAuthAccountID: executor.OAuthAccountID,
	})
	s.metrics.RecordLaunch(string(executor.Provider), err)
	if err != nil {
		s.logger.Printf("launch job=%s provider=%s: %v", job.ID, executor.Provider, err)
		s.notifier.AppendTaskLog(ctx, job.ID, "error", trimText("launch failed: "+err.Error(), 500))
		s.completeRun(ctx, job.ID, 1)
		return
	}
	s.goTracked(func() {
		select {
		case c := <-ch:
			s.metrics.RecordRunEnded()
			if c.Err != nil {
				s.notifier.AppendTaskLog(ctx, job.ID, "error", trimText(c.Err.Error(), 500))
			}
			s.completeRun(ctx, job.ID, c.ExitCode)
		case <-ctx.Done():
			// The anchor stays; recovery settles the job after restart.
		}
	})
}

func filterSubtasks(subtasks []domain.Subtask, keep []string) []domain.Subtask {
	set := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		set[id] = struct{}{}
	}
	out := make([]domain.Subtask, 0, len(keep))
	for _, st := range subtasks {
		if _, ok := set[st.ID]; ok {
			out = append(out, st)
		}
	}
	return out
}
