package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/launch"
	"organ_dispatch/internal/messaging/inproc"
	"organ_dispatch/internal/notify"
	"organ_dispatch/internal/policy"
	sqlitestore "organ_dispatch/internal/store/sqlite"
)

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fakeLauncher struct {
	mu       sync.Mutex
	requests []launch.Request
	held     map[string]chan launch.Completion
	hold     bool
	codeFor  func(req launch.Request) int
	err      error
}

func newFakeLauncher(hold bool) *fakeLauncher {
	return &fakeLauncher{hold: hold, held: make(map[string]chan launch.Completion)}
}

func (f *fakeLauncher) Launch(_ context.Context, req launch.Request) (<-chan launch.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	ch := make(chan launch.Completion, 1)
	if f.hold {
		f.held[req.JobID] = ch
		return ch, nil
	}
	code := 0
	if f.codeFor != nil {
		code = f.codeFor(req)
	}
	ch <- launch.Completion{JobID: req.JobID, ExitCode: code}
	close(ch)
	return ch, nil
}

func (f *fakeLauncher) release(t *testing.T, jobID string, code int) {
	t.Helper()
	f.mu.Lock()
	ch, ok := f.held[jobID]
	delete(f.held, jobID)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no held run for job %s", jobID)
	}
	ch <- launch.Completion{JobID: jobID, ExitCode: code}
	close(ch)
}

func (f *fakeLauncher) snapshot() []launch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launch.Request(nil), f.requests...)
}

type recordingWorktrees struct {
	path string
}

func (w recordingWorktrees) Create(context.Context, string, string, string) string {
	return w.path
}

type harness struct {
	t        *testing.T
	svc      *Service
	store    *sqlitestore.Store
	launcher *fakeLauncher
	deps     Deps
	runCtx   context.Context
	cancel   context.CancelFunc
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testDeps(store *sqlitestore.Store, launcher *fakeLauncher) Deps {
	return Deps{
		Store:    store,
		Launcher: launcher,
		Notifier: notify.NewSink(store, inproc.New(256), quietLogger()),
		Policy:   policy.New(store),
		Clock:    instantClock{},
	}
}

func newHarness(t *testing.T, launcher *fakeLauncher) (*harness, func()) {
	t.Helper()
	return newHarnessWith(t, launcher, nil)
}

// newHarnessWith lets adjust swap service collaborators before the service is
// built. The harness helpers keep using the bare store.
func newHarnessWith(t *testing.T, launcher *fakeLauncher, adjust func(deps *Deps, store *sqlitestore.Store)) (*harness, func()) {
	t.Helper()
	store := newStore(t)
	deps := testDeps(store, launcher)
	if adjust != nil {
		adjust(&deps, store)
	}
	svc := New(deps, Config{WatchdogInterval: time.Hour}, quietLogger())
	runCtx, cancel := context.WithCancel(context.Background())
	svc.Start(runCtx)
	h := &harness{t: t, svc: svc, store: store, launcher: launcher, deps: deps, runCtx: runCtx, cancel: cancel}
	return h, func() {
		cancel()
		svc.Wait()
		_ = store.Close()
	}
}

// ctx is the service run context; cleanup cancels it so held runs unwind.
func (h *harness) ctx() context.Context {
	return h.runCtx
}

func (h *harness) department(id, name string, sortOrder int) {
	h.t.Helper()
	if err := h.store.UpsertDepartment(h.ctx(), domain.Department{ID: id, Name: name, SortOrder: sortOrder}); err != nil {
		h.t.Fatalf("upsert department %s: %v", id, err)
	}
}

func (h *harness) agent(id, name, dept string, role domain.AgentRole, status domain.AgentStatus) {
	h.t.Helper()
	if err := h.store.UpsertAgent(h.ctx(), domain.Agent{
		ID:           id,
		Name:         name,
		Role:         role,
		DepartmentID: dept,
		Status:       status,
		Provider:     domain.ProviderCodex,
	}); err != nil {
		h.t.Fatalf("create agent %s: %v", id, err)
	}
}

// staffed creates a department with a lead and one idle senior.
func (h *harness) staffed(id, name string) {
	h.t.Helper()
	h.department(id, name, 999)
	h.agent(id+"-lead", name+" Lead", id, domain.AgentRoleTeamLeader, domain.AgentStatusIdle)
	h.agent(id+"-senior", name+" Senior", id, domain.AgentRoleSenior, domain.AgentStatusIdle)
}

func (h *harness) parent(status domain.TaskStatus) domain.Task {
	h.t.Helper()
	task := domain.Task{ID: uuid.NewString(), Title: "Launch landing page", Status: status, DepartmentID: "planning"}
	if err := h.store.CreateTask(h.ctx(), task); err != nil {
		h.t.Fatalf("create parent: %v", err)
	}
	got, err := h.store.GetTask(h.ctx(), task.ID)
	if err != nil {
		h.t.Fatalf("get parent: %v", err)
	}
	return got
}

func (h *harness) subtask(parentID, id, dept string, created time.Time, status domain.SubtaskStatus) {
	h.t.Helper()
	var target *string
	if dept != "" {
		target = &dept
	}
	if err := h.store.CreateSubtask(h.ctx(), domain.Subtask{
		ID:                 id,
		TaskID:             parentID,
		Title:              "work item " + id,
		TargetDepartmentID: target,
		Status:             status,
		CreatedAt:          created,
	}); err != nil {
		h.t.Fatalf("create subtask %s: %v", id, err)
	}
}

func (h *harness) subtaskByID(id string) domain.Subtask {
	h.t.Helper()
	st, err := h.store.GetSubtask(h.ctx(), id)
	if err != nil {
		h.t.Fatalf("get subtask %s: %v", id, err)
	}
	return st
}

func (h *harness) ceoMessages(taskID string) []domain.CEOMessage {
	h.t.Helper()
	msgs, err := h.store.ListCEOMessages(h.ctx(), taskID, 100)
	if err != nil {
		h.t.Fatalf("list ceo messages: %v", err)
	}
	return msgs
}

func (h *harness) waitRequests(n int) []launch.Request {
	h.t.Helper()
	waitFor(h.t, 5*time.Second, func() bool { return len(h.launcher.snapshot()) >= n })
	return h.launcher.snapshot()
}

func (h *harness) waitSubtaskStatus(id string, want domain.SubtaskStatus) {
	h.t.Helper()
	waitFor(h.t, 5*time.Second, func() bool {
		st, err := h.store.GetSubtask(h.ctx(), id)
		return err == nil && st.Status == want
	})
}

func (h *harness) waitTaskStatus(id string, want domain.TaskStatus) {
	h.t.Helper()
	waitFor(h.t, 5*time.Second, func() bool {
		task, err := h.store.GetTask(h.ctx(), id)
		return err == nil && task.Status == want
	})
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !fn() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

var errLaunchRefused = errors.New("launch refused")
