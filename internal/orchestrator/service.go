package orchestrator

import (
	"context"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"organ_dispatch/internal/domain"
	"organ_dispatch/internal/launch"
	"organ_dispatch/internal/metrics"
	"organ_dispatch/internal/notify"
	"organ_dispatch/internal/policy"
	"organ_dispatch/internal/queue"
)

type Store interface {
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, result string) (bool, error)
	GetProject(ctx context.Context, id string) (domain.Project, error)

	GetDepartment(ctx context.Context, id string) (domain.Department, error)
	ListDepartments(ctx context.Context) ([]domain.Department, error)
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListDepartmentAgents(ctx context.Context, departmentID string) ([]domain.Agent, error)
	CountActiveTasks(ctx context.Context, agentID string) (int, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, currentTaskID string) error

	ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error)
	ListOpenForeignSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error)
	ListDelegatedSubtasks(ctx context.Context, delegatedTaskID string) ([]domain.Subtask, error)
	ResolveSubtasks(ctx context.Context, subtaskIDs []string) (int, error)
	FinalizeDelegatedSubtasks(ctx context.Context, delegatedTaskID string, subtaskIDs []string, status domain.SubtaskStatus, blockedReason string) (int, error)

	CreateDelegatedBatch(ctx context.Context, job domain.Task, subtaskIDs []string) ([]string, error)
	GetDelegationAnchor(ctx context.Context, delegatedTaskID string) (domain.DelegationAnchor, error)
	ListDelegationAnchors(ctx context.Context) ([]domain.DelegationAnchor, error)
	DeleteDelegationAnchor(ctx context.Context, delegatedTaskID string) (bool, error)

	EnsureExecutionSession(ctx context.Context, taskID, agentID string, provider domain.Provider) (domain.ExecutionSession, error)
}

type Policy interface {
	CandidatePool(ctx context.Context, projectID string) (policy.Pool, error)
}

// Notifier receives advisory output. Implementations must not block and
// swallow their own failures.
type Notifier interface {
	NotifyCEO(ctx context.Context, content, taskID string)
	AppendTaskLog(ctx context.Context, taskID, kind, message string)
	Broadcast(eventType string, payload any)
}

type Worktrees interface {
	Create(ctx context.Context, projectPath, jobID, workerName string) string
}

// Cooperation is the planning gate run before a parent's queues start. It must
// call onComplete exactly once.
type Cooperation interface {
	StartCrossDeptCooperation(ctx context.Context, departmentIDs []string, index int, parent domain.Task, onComplete func())
}

// ReviewFinisher moves a parent out of review once every subtask is done.
type ReviewFinisher interface {
	FinishReview(ctx context.Context, parentID string)
}

// Range is a jittered delay window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

type Config struct {
	WatchdogInterval  time.Duration
	AckDelay          Range
	InterBatchDelay   Range
	ReviewFinishDelay time.Duration
	Language          string
	Priority          map[string]int
}

func (c Config) withDefaults() Config {
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Second
	}
	if c.AckDelay.Min <= 0 && c.AckDelay.Max <= 0 {
		c.AckDelay = Range{Min: 1500 * time.Millisecond, Max: 2500 * time.Millisecond}
	}
	if c.InterBatchDelay.Min <= 0 && c.InterBatchDelay.Max <= 0 {
		c.InterBatchDelay = Range{Min: 900 * time.Millisecond, Max: 1600 * time.Millisecond}
	}
	if c.ReviewFinishDelay <= 0 {
		c.ReviewFinishDelay = 1200 * time.Millisecond
	}
	if strings.TrimSpace(c.Language) == "" {
		c.Language = notify.DefaultLanguage
	}
	if len(c.Priority) == 0 {
		c.Priority = queue.DefaultPriority
	}
	return c
}

// Deps are the collaborators of a Service. Store, Launcher and Notifier are
// required; the rest may be nil.
type Deps struct {
	Store       Store
	Launcher    launch.Launcher
	Notifier    Notifier
	Policy      Policy
	Worktrees   Worktrees
	Cooperation Cooperation
	Finisher    ReviewFinisher
	Clock       Clock
	Metrics     *metrics.Metrics
}

type Service struct {
	store       Store
	launcher    launch.Launcher
	notifier    Notifier
	policy      Policy
	worktrees   Worktrees
	cooperation Cooperation
	finisher    ReviewFinisher
	clock       Clock
	metrics     *metrics.Metrics
	builder     queue.Builder
	cfg         Config
	logger      *log.Logger

	state *SchedulerState
	wg    sync.WaitGroup
}

func New(deps Deps, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	s := &Service{
		store:       deps.Store,
		launcher:    deps.Launcher,
		notifier:    deps.Notifier,
		policy:      deps.Policy,
		worktrees:   deps.Worktrees,
		cooperation: deps.Cooperation,
		finisher:    deps.Finisher,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		builder:     queue.Builder{Priority: cfg.Priority},
		cfg:         cfg,
		logger:      logger,
		state:       NewSchedulerState(),
	}
	if s.finisher == nil {
		s.finisher = storeReviewFinisher{store: deps.Store, notifier: deps.Notifier, logger: logger}
	}
	return s
}

// State exposes the in-memory scheduler state for inspection.
func (s *Service) State() *SchedulerState {
	return s.state
}

// Start reconciles anchors left by a previous process and starts the watchdog.
func (s *Service) Start(ctx context.Context) {
	s.RecoverAfterMissingCallback(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchdogLoop(ctx)
	}()
}

// Wait blocks until the watchdog and every tracked dispatch goroutine exit.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecoverAfterMissingCallback(ctx)
		}
	}
}

// goTracked runs fn on a goroutine that Wait accounts for.
func (s *Service) goTracked(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) jitter(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min+1)
}

func (s *Service) departmentName(ctx context.Context, deptID string) string {
	if deptID == "" {
		return "unassigned"
	}
	dept, err := s.store.GetDepartment(ctx, deptID)
	if err != nil || strings.TrimSpace(dept.Name) == "" {
		return deptID
	}
	return dept.Name
}

func (s *Service) broadcastTask(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	s.notifier.Broadcast(domain.EventTaskUpdate, task)
}

// storeReviewFinisher closes a parent that is still in review.
type storeReviewFinisher struct {
	store    Store
	notifier Notifier
	logger   *log.Logger
}

func (f storeReviewFinisher) FinishReview(ctx context.Context, parentID string) {
	parent, err := f.store.GetTask(ctx, parentID)
	if err != nil {
		f.logger.Printf("finish review get parent=%s: %v", parentID, err)
		return
	}
	if parent.Status != domain.TaskStatusReview {
		return
	}
	if _, err := withBusyRetry(func() (bool, error) {
		return f.store.UpdateTaskStatus(ctx, parentID, domain.TaskStatusDone, "")
	}); err != nil {
		f.logger.Printf("finish review update parent=%s: %v", parentID, err)
		return
	}
	f.notifier.AppendTaskLog(ctx, parentID, "system", "review finished: all delegated subtasks done")
	if task, err := f.store.GetTask(ctx, parentID); err == nil {
		f.notifier.Broadcast(domain.EventTaskUpdate, task)
	}
}

// withBusyRetry retries fn while sqlite reports the database as locked.
func withBusyRetry[T any](fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < 6; attempt++ {
		v, err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return v, err
		}
		time.Sleep(time.Duration(30*(attempt+1)) * time.Millisecond)
	}
	return v, err
}

func subtaskIDs(subtasks []domain.Subtask) []string {
	ids := make([]string, 0, len(subtasks))
	for _, st := range subtasks {
		ids = append(ids, st.ID)
	}
	return ids
}

// trimText caps s at n runes, marking the cut with "...".
func trimText(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
