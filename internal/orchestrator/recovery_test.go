package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"organ_dispatch/internal/domain"
)

func TestRecoverySettlesOrphanedJobAndContinuesQueue(t *testing.T) {
	held := newFakeLauncher(true)
	h, cleanup := newHarness(t, held)
	defer cleanup()

	h.staffed("design", "Design")
	h.staffed("qa", "Quality")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)
	h.subtask(parent.ID, "qa-1", "qa", time.Now(), domain.SubtaskStatusPending)

	h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID)
	jobID := h.waitRequests(1)[0].JobID

	// The process goes away while the design run is still in flight.
	h.cancel()
	h.svc.Wait()

	fresh := newFakeLauncher(false)
	restarted := New(testDeps(h.store, fresh), Config{WatchdogInterval: time.Hour}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		restarted.Wait()
	}()

	if n := restarted.RecoverAfterMissingCallback(ctx); n != 1 {
		t.Fatalf("expected one recovered job, got %d", n)
	}
	job, err := h.store.GetTask(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.TaskStatusBlocked || job.Result != orphanedReason {
		t.Fatalf("unexpected orphaned job status=%s result=%q", job.Status, job.Result)
	}
	if st, err := h.store.GetSubtask(ctx, "design-1"); err != nil || st.Status != domain.SubtaskStatusBlocked {
		t.Fatalf("expected design subtask blocked, got %+v err=%v", st, err)
	}
	if _, err := h.store.GetDelegationAnchor(ctx, jobID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected anchor removed, got %v", err)
	}
	agent, err := h.store.GetAgent(ctx, job.AssignedAgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("expected orphaned executor freed, got %s", agent.Status)
	}

	waitFor(t, 5*time.Second, func() bool {
		st, err := h.store.GetSubtask(ctx, "qa-1")
		return err == nil && st.Status == domain.SubtaskStatusDone
	})
	if got := len(fresh.snapshot()); got != 1 {
		t.Fatalf("expected the remaining queue to launch once, got %d", got)
	}
}

func TestRecoveryOutcomeByJobStatus(t *testing.T) {
	tests := []struct {
		name       string
		jobStatus  domain.TaskStatus
		wantSettle int
		want       domain.SubtaskStatus
	}{
		{name: "finished job", jobStatus: domain.TaskStatusDone, wantSettle: 1, want: domain.SubtaskStatusDone},
		{name: "failed job", jobStatus: domain.TaskStatusBlocked, wantSettle: 1, want: domain.SubtaskStatusBlocked},
		{name: "cancelled job", jobStatus: domain.TaskStatusCancelled, wantSettle: 1, want: domain.SubtaskStatusBlocked},
		{name: "paused job", jobStatus: domain.TaskStatusPending, wantSettle: 0, want: domain.SubtaskStatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newHarness(t, newFakeLauncher(false))
			defer cleanup()

			parent := h.parent(domain.TaskStatusInProgress)
			h.subtask(parent.ID, "s1", "design", time.Now(), domain.SubtaskStatusPending)
			job := domain.Task{
				ID:           "job-" + string(tt.jobStatus),
				Title:        "[Design 1/1] " + parent.Title,
				DepartmentID: "design",
				Status:       domain.TaskStatusInProgress,
				SourceTaskID: parent.ID,
			}
			if _, err := h.store.CreateDelegatedBatch(h.ctx(), job, []string{"s1"}); err != nil {
				t.Fatalf("create batch: %v", err)
			}
			if _, err := h.store.UpdateTaskStatus(h.ctx(), job.ID, tt.jobStatus, ""); err != nil {
				t.Fatalf("update job: %v", err)
			}

			if n := h.svc.RecoverAfterMissingCallback(h.ctx()); n != tt.wantSettle {
				t.Fatalf("RecoverAfterMissingCallback() = %d, want %d", n, tt.wantSettle)
			}
			if st := h.subtaskByID("s1"); st.Status != tt.want {
				t.Fatalf("subtask status = %s, want %s", st.Status, tt.want)
			}
			_, err := h.store.GetDelegationAnchor(h.ctx(), job.ID)
			if tt.wantSettle == 0 && err != nil {
				t.Fatalf("expected paused anchor kept: %v", err)
			}
			if tt.wantSettle == 1 && !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected anchor removed, got %v", err)
			}
		})
	}
}

func TestRecoverySkipsJobsWithLiveChain(t *testing.T) {
	held := newFakeLauncher(true)
	h, cleanup := newHarness(t, held)
	defer cleanup()

	h.staffed("design", "Design")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)

	h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID)
	jobID := h.waitRequests(1)[0].JobID

	if n := h.svc.RecoverAfterMissingCallback(h.ctx()); n != 0 {
		t.Fatalf("expected live job to be skipped, got %d", n)
	}
	if st := h.subtaskByID("design-1"); st.Status != domain.SubtaskStatusInProgress {
		t.Fatalf("expected subtask untouched, got %s", st.Status)
	}
	held.release(t, jobID, 0)
	h.waitSubtaskStatus("design-1", domain.SubtaskStatusDone)
}
