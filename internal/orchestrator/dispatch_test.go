package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/launch"
	"organ_dispatch/internal/notify"
	sqlitestore "organ_dispatch/internal/store/sqlite"
)

func countNotices(msgs []domain.CEOMessage, pool notify.L, args ...any) int {
	n := 0
	for _, m := range msgs {
		for _, tmpl := range pool[notify.DefaultLanguage] {
			if m.Content == fmt.Sprintf(tmpl, args...) {
				n++
				break
			}
		}
	}
	return n
}

func TestDispatchRunsDepartmentQueuesInPrecedenceOrder(t *testing.T) {
	h, cleanup := newHarness(t, newFakeLauncher(false))
	defer cleanup()

	h.staffed("design", "Design")
	h.staffed("qa", "Quality")
	parent := h.parent(domain.TaskStatusInProgress)
	base := time.Now().Add(-time.Hour)
	h.subtask(parent.ID, "qa-1", "qa", base, domain.SubtaskStatusPending)
	h.subtask(parent.ID, "design-1", "design", base.Add(time.Minute), domain.SubtaskStatusPending)
	h.subtask(parent.ID, "design-2", "design", base.Add(2*time.Minute), domain.SubtaskStatusBlocked)

	if !h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID) {
		t.Fatalf("expected dispatch to start")
	}
	for _, id := range []string{"qa-1", "design-1", "design-2"} {
		h.waitSubtaskStatus(id, domain.SubtaskStatusDone)
	}
	waitFor(t, 5*time.Second, func() bool { return !h.svc.State().Dispatching(parent.ID) })

	reqs := h.launcher.snapshot()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 launches, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Prompt, "of the Design department") {
		t.Fatalf("expected design batch first, got prompt %q", reqs[0].Prompt)
	}
	if !strings.Contains(reqs[1].Prompt, "of the Quality department") {
		t.Fatalf("expected qa batch second, got prompt %q", reqs[1].Prompt)
	}
	if reqs[0].AgentID != "design-senior" || reqs[1].AgentID != "qa-senior" {
		t.Fatalf("expected subordinates to execute, got %s and %s", reqs[0].AgentID, reqs[1].AgentID)
	}
	if !strings.HasPrefix(reqs[0].Prompt, "[session] id=") {
		t.Fatalf("expected session header, got %q", reqs[0].Prompt)
	}
	if !strings.Contains(reqs[0].Prompt, "work item design-1") || !strings.Contains(reqs[0].Prompt, "work item design-2") {
		t.Fatalf("expected both design items in one batch, got %q", reqs[0].Prompt)
	}

	d1, d2 := h.subtaskByID("design-1"), h.subtaskByID("design-2")
	if d1.DelegatedTaskID == "" || d1.DelegatedTaskID != d2.DelegatedTaskID {
		t.Fatalf("expected design subtasks to share a job, got %q and %q", d1.DelegatedTaskID, d2.DelegatedTaskID)
	}
	job, err := h.store.GetTask(h.ctx(), d1.DelegatedTaskID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.TaskStatusDone || job.SourceTaskID != parent.ID {
		t.Fatalf("unexpected job row: %+v", job)
	}
	if !strings.HasPrefix(job.Title, "[Design 1/2] ") {
		t.Fatalf("unexpected job title %q", job.Title)
	}
	anchors, err := h.store.ListDelegationAnchors(h.ctx())
	if err != nil {
		t.Fatalf("list anchors: %v", err)
	}
	if len(anchors) != 0 {
		t.Fatalf("expected anchors to be cleared, got %+v", anchors)
	}

	waitFor(t, 5*time.Second, func() bool {
		return countNotices(h.ceoMessages(parent.ID), notify.AllSubtasksComplete, parent.Title) == 1
	})
	agent, err := h.store.GetAgent(h.ctx(), "design-senior")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("expected executor to be freed, got %s", agent.Status)
	}
}

func TestProcessSubtaskDelegationsIsSingleFlightPerParent(t *testing.T) {
	launcher := newFakeLauncher(true)
	h, cleanup := newHarness(t, launcher)
	defer cleanup()

	h.staffed("design", "Design")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)

	if !h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID) {
		t.Fatalf("expected first call to start dispatch")
	}
	if h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID) {
		t.Fatalf("expected second call to be rejected while running")
	}
	reqs := h.waitRequests(1)
	launcher.release(t, reqs[0].JobID, 0)
	h.waitSubtaskStatus("design-1", domain.SubtaskStatusDone)
	waitFor(t, 5*time.Second, func() bool { return !h.svc.State().Dispatching(parent.ID) })

	if h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID) {
		t.Fatalf("expected nothing left to dispatch")
	}
	if got := len(launcher.snapshot()); got != 1 {
		t.Fatalf("expected exactly one launch, got %d", got)
	}
}

// parkedClock blocks every Sleep until its context ends.
type parkedClock struct {
	entered chan struct{}
}

func (parkedClock) Now() time.Time { return time.Now() }

func (c parkedClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestCancelledDispatchReleasesGuardAndBatch(t *testing.T) {
	fake := newFakeLauncher(false)
	clock := parkedClock{entered: make(chan struct{}, 4)}
	h, cleanup := newHarnessWith(t, fake, func(deps *Deps, _ *sqlitestore.Store) {
		deps.Clock = clock
	})
	defer cleanup()

	h.staffed("design", "Design")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)

	dispatchCtx, stop := context.WithCancel(h.ctx())
	if !h.svc.ProcessSubtaskDelegations(dispatchCtx, parent.ID) {
		t.Fatalf("expected dispatch to start")
	}
	waitEntered(t, clock)
	stop()
	waitFor(t, 5*time.Second, func() bool { return !h.svc.State().Dispatching(parent.ID) })

	batchCtx, stopBatch := context.WithCancel(h.ctx())
	called := make(chan struct{})
	ids := make(chan string, 1)
	go func() {
		ids <- h.svc.DelegateSubtaskBatch(batchCtx, []domain.Subtask{h.subtaskByID("design-1")}, 0, 1, parent, func() { close(called) })
	}()
	waitEntered(t, clock)
	stopBatch()
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatalf("onBatchDone not called after cancel")
	}
	if id := <-ids; id != "" {
		t.Fatalf("expected no job, got %s", id)
	}

	if got := len(fake.snapshot()); got != 0 {
		t.Fatalf("expected no launches, got %d", got)
	}
	if st := h.subtaskByID("design-1"); st.Status != domain.SubtaskStatusPending {
		t.Fatalf("expected subtask to stay pending, got %s", st.Status)
	}
}

func waitEntered(t *testing.T, c parkedClock) {
	t.Helper()
	select {
	case <-c.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher never reached the acknowledgement delay")
	}
}

func TestDelegateSubtaskBatchWithoutLeadResolvesBatch(t *testing.T) {
	h, cleanup := newHarness(t, newFakeLauncher(false))
	defer cleanup()

	h.department("operations", "Operations", 3)
	h.agent("ops-senior", "Ops Senior", "operations", domain.AgentRoleSenior, domain.AgentStatusIdle)
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "ops-1", "operations", time.Now(), domain.SubtaskStatusPending)
	h.subtask(parent.ID, "ops-2", "operations", time.Now(), domain.SubtaskStatusBlocked)

	open, err := h.store.ListOpenForeignSubtasks(h.ctx(), parent.ID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	calls := 0
	jobID := h.svc.DelegateSubtaskBatch(h.ctx(), open, 0, 1, parent, func() { calls++ })
	if jobID != "" {
		t.Fatalf("expected no job, got %q", jobID)
	}
	if calls != 1 {
		t.Fatalf("expected onBatchDone once, got %d", calls)
	}
	for _, id := range []string{"ops-1", "ops-2"} {
		if st := h.subtaskByID(id); st.Status != domain.SubtaskStatusDone {
			t.Fatalf("expected %s done, got %s", id, st.Status)
		}
	}
	children, err := h.store.ListChildTasks(h.ctx(), parent.ID)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no delegated job, got %d", len(children))
	}
	if got := countNotices(h.ceoMessages(parent.ID), notify.LeadMissing, "Operations"); got != 1 {
		t.Fatalf("expected one lead-missing notice, got %d", got)
	}
	if len(h.launcher.snapshot()) != 0 {
		t.Fatalf("expected no launch")
	}
}

func TestFailedBatchBlocksSubtasksAndAdvancesQueue(t *testing.T) {
	fake := newFakeLauncher(false)
	fake.codeFor = func(req launch.Request) int {
		if strings.Contains(req.Prompt, "Design department") {
			return 1
		}
		return 0
	}
	h, cleanup := newHarness(t, fake)
	defer cleanup()

	h.staffed("design", "Design")
	h.staffed("qa", "Quality")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)
	h.subtask(parent.ID, "qa-1", "qa", time.Now(), domain.SubtaskStatusPending)

	h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID)
	h.waitSubtaskStatus("design-1", domain.SubtaskStatusBlocked)
	h.waitSubtaskStatus("qa-1", domain.SubtaskStatusDone)
	waitFor(t, 5*time.Second, func() bool { return !h.svc.State().Dispatching(parent.ID) })

	blocked := h.subtaskByID("design-1")
	if blocked.BlockedReason != "Delegated task failed" {
		t.Fatalf("unexpected blocked reason %q", blocked.BlockedReason)
	}
	job, err := h.store.GetTask(h.ctx(), blocked.DelegatedTaskID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.TaskStatusBlocked || job.Result != "exit code 1" {
		t.Fatalf("unexpected job state status=%s result=%q", job.Status, job.Result)
	}
	msgs := h.ceoMessages(parent.ID)
	if got := countNotices(msgs, notify.BatchFailed, "Design", job.Title); got != 1 {
		t.Fatalf("expected one failure notice, got %d", got)
	}
	if got := countNotices(msgs, notify.AllSubtasksComplete, parent.Title); got != 0 {
		t.Fatalf("expected no completion notice, got %d", got)
	}

	// A failed batch is not re-dispatched.
	if h.svc.ProcessSubtaskDelegations(h.ctx(), parent.ID) {
		t.Fatalf("expected blocked delegated subtasks to stay out of new queues")
	}
}

func TestLaunchErrorBlocksBatch(t *testing.T) {
	fake := newFakeLauncher(false)
	fake.err = errLaunchRefused
	h, cleanup := newHarness(t, fake)
	defer cleanup()

	h.staffed("design", "Design")
	parent := h.parent(domain.TaskStatusInProgress)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)

	open, err := h.store.ListOpenForeignSubtasks(h.ctx(), parent.ID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	var calls int
	var mu sync.Mutex
	jobID := h.svc.DelegateSubtaskBatch(h.ctx(), open, 0, 1, parent, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if jobID == "" {
		t.Fatalf("expected a job to be created")
	}
	h.waitSubtaskStatus("design-1", domain.SubtaskStatusBlocked)
	job, err := h.store.GetTask(h.ctx(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.TaskStatusBlocked {
		t.Fatalf("expected blocked job, got %s", job.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected onBatchDone once, got %d", calls)
	}
}

func TestDispatchUsesWorktreeAndCooperationGate(t *testing.T) {
	store := newStore(t)
	fake := newFakeLauncher(false)
	deps := testDeps(store, fake)
	deps.Worktrees = recordingWorktrees{path: "/tmp/repo/.organ_worktrees/abc"}
	gate := &recordingCooperation{}
	deps.Cooperation = gate
	svc := New(deps, Config{WatchdogInterval: time.Hour}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		svc.Wait()
		_ = store.Close()
	}()
	h := &harness{t: t, svc: svc, store: store, launcher: fake, deps: deps, runCtx: ctx, cancel: cancel}

	if err := store.UpsertProject(ctx, domain.Project{ID: "p1", Name: "site", Path: "/tmp/repo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	h.staffed("design", "Design")
	h.staffed("qa", "Quality")
	parent := domain.Task{ID: "parent-wt", Title: "Ship", Status: domain.TaskStatusInProgress, ProjectID: "p1"}
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	h.subtask(parent.ID, "qa-1", "qa", time.Now(), domain.SubtaskStatusPending)
	h.subtask(parent.ID, "design-1", "design", time.Now(), domain.SubtaskStatusPending)

	if !svc.ProcessSubtaskDelegations(ctx, parent.ID) {
		t.Fatalf("expected dispatch to start")
	}
	h.waitSubtaskStatus("qa-1", domain.SubtaskStatusDone)

	if got := gate.departments(); strings.Join(got, ",") != "design,qa" {
		t.Fatalf("unexpected cooperation departments %v", got)
	}
	for _, req := range fake.snapshot() {
		if req.WorkDir != "/tmp/repo/.organ_worktrees/abc" {
			t.Fatalf("expected worktree workdir, got %q", req.WorkDir)
		}
	}
}

type recordingCooperation struct {
	mu    sync.Mutex
	depts []string
}

func (c *recordingCooperation) StartCrossDeptCooperation(_ context.Context, departmentIDs []string, _ int, _ domain.Task, onComplete func()) {
	c.mu.Lock()
	c.depts = append([]string(nil), departmentIDs...)
	c.mu.Unlock()
	go onComplete()
}

func (c *recordingCooperation) departments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.depts...)
}

func TestPickExecutor(t *testing.T) {
	tests := []struct {
		name    string
		members []domain.Agent
		busy    map[string]int
		manual  []string
		want    string
	}{
		{
			name: "least busy wins",
			members: []domain.Agent{
				{ID: "a-senior", Name: "Ada", Role: domain.AgentRoleSenior},
				{ID: "b-junior", Name: "Bo", Role: domain.AgentRoleJunior},
			},
			busy: map[string]int{"a-senior": 1},
			want: "b-junior",
		},
		{
			name: "seniority breaks ties",
			members: []domain.Agent{
				{ID: "a-intern", Name: "Ada", Role: domain.AgentRoleIntern},
				{ID: "b-senior", Name: "Bo", Role: domain.AgentRoleSenior},
			},
			want: "b-senior",
		},
		{
			name: "name breaks remaining ties",
			members: []domain.Agent{
				{ID: "z", Name: "Zed", Role: domain.AgentRoleJunior},
				{ID: "y", Name: "Amy", Role: domain.AgentRoleJunior},
			},
			want: "y",
		},
		{
			name: "unavailable members skipped",
			members: []domain.Agent{
				{ID: "off", Name: "Ada", Role: domain.AgentRoleSenior, Status: domain.AgentStatusOffline},
				{ID: "rest", Name: "Bo", Role: domain.AgentRoleSenior, Status: domain.AgentStatusBreak},
				{ID: "busy", Name: "Cy", Role: domain.AgentRoleIntern, Status: domain.AgentStatusWorking},
			},
			want: "busy",
		},
		{
			name: "manual pool restricts candidates",
			members: []domain.Agent{
				{ID: "in-pool", Name: "Zed", Role: domain.AgentRoleIntern},
				{ID: "outside", Name: "Ada", Role: domain.AgentRoleSenior},
			},
			manual: []string{"in-pool"},
			want:   "in-pool",
		},
		{
			name: "lead runs when nobody qualifies",
			members: []domain.Agent{
				{ID: "off", Name: "Ada", Role: domain.AgentRoleSenior, Status: domain.AgentStatusOffline},
			},
			want: "lead",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newHarness(t, newFakeLauncher(false))
			defer cleanup()

			h.department("dev", "Development", 0)
			h.agent("lead", "Lead", "dev", domain.AgentRoleTeamLeader, domain.AgentStatusIdle)
			for _, m := range tt.members {
				h.agent(m.ID, m.Name, "dev", m.Role, m.Status)
				for i := 0; i < tt.busy[m.ID]; i++ {
					if err := h.store.CreateTask(h.ctx(), domain.Task{
						ID:              fmt.Sprintf("%s-busy-%d", m.ID, i),
						Title:           "busy",
						Status:          domain.TaskStatusInProgress,
						AssignedAgentID: m.ID,
					}); err != nil {
						t.Fatalf("create busy task: %v", err)
					}
				}
			}
			projectID := ""
			if tt.manual != nil {
				projectID = "manual-project"
				if err := h.store.UpsertProject(h.ctx(), domain.Project{
					ID:             projectID,
					Name:           "manual",
					AssignmentMode: domain.AssignmentModeManual,
				}); err != nil {
					t.Fatalf("create project: %v", err)
				}
				if err := h.store.SetProjectAgents(h.ctx(), projectID, tt.manual); err != nil {
					t.Fatalf("set project agents: %v", err)
				}
			}

			lead, members, ok := h.svc.findLead(h.ctx(), "dev")
			if !ok {
				t.Fatalf("expected a lead")
			}
			got := h.svc.pickExecutor(h.ctx(), lead, members, projectID)
			if got.ID != tt.want {
				t.Fatalf("pickExecutor() = %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestTrimTextCutsOnRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"launch failed: timeout", 10, "launch ..."},
		{"запуск не удался", 10, "запуск ..."},
		{"日本語のエラー", 5, "日本..."},
		{"abcdef", 2, "ab"},
		{"anything", 0, "anything"},
	}
	for _, tc := range tests {
		got := trimText(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("trimText(%q, %d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("trimText(%q, %d) produced invalid UTF-8", tc.in, tc.n)
		}
	}
}
