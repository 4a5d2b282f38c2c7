package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"organ_dispatch/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS departments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 999
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	assignment_mode TEXT NOT NULL DEFAULT 'auto',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	department_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	current_task_id TEXT NOT NULL DEFAULT '',
	cli_provider TEXT NOT NULL DEFAULT 'claude',
	model TEXT NOT NULL DEFAULT '',
	reasoning_level TEXT NOT NULL DEFAULT '',
	oauth_account_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_department ON agents(department_id, role);

CREATE TABLE IF NOT EXISTS project_agents (
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	PRIMARY KEY(project_id, agent_id),
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	department_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	assigned_agent_id TEXT NOT NULL DEFAULT '',
	source_task_id TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks(source_task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assigned_agent_id, status);

CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	target_department_id TEXT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	delegated_task_id TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_subtasks_delegated ON subtasks(delegated_task_id);

CREATE TABLE IF NOT EXISTS delegation_anchors (
	delegated_task_id TEXT PRIMARY KEY,
	subtask_id TEXT NOT NULL,
	parent_task_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_sessions (
	task_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, created_at);

CREATE TABLE IF NOT EXISTS ceo_messages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

var ErrNothingToDelegate = domain.ErrNothingToDelegate

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertDepartment(ctx context.Context, dept domain.Department) error {
	if dept.SortOrder == 0 {
		dept.SortOrder = 999
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO departments(id, name, sort_order) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, sort_order = excluded.sort_order`,
		dept.ID, dept.Name, dept.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert department: %w", err)
	}
	return nil
}

func (s *Store) GetDepartment(ctx context.Context, id string) (domain.Department, error) {
	var d domain.Department
	err := s.db.QueryRowContext(ctx, `SELECT id, name, sort_order FROM departments WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &d.SortOrder)
	if err != nil {
		return domain.Department{}, fmt.Errorf("get department: %w", notFound(err))
	}
	return d, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, sort_order FROM departments ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Department, 0)
	for rows.Next() {
		var d domain.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.SortOrder); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return result, nil
}

func (s *Store) UpsertProject(ctx context.Context, p domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.AssignmentMode == "" {
		p.AssignmentMode = domain.AssignmentModeAuto
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects(id, name, path, assignment_mode, created_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, path = excluded.path,
			assignment_mode = excluded.assignment_mode`,
		p.ID, p.Name, p.Path, string(p.AssignmentMode), p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var mode string
	var created int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, path, assignment_mode, created_at FROM projects WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Name, &p.Path, &mode, &created)
	if err != nil {
		return domain.Project{}, fmt.Errorf("get project: %w", notFound(err))
	}
	p.AssignmentMode = domain.AssignmentMode(mode)
	p.CreatedAt = msToTime(created)
	return p, nil
}

// SetProjectAgents replaces the manual assignment pool of a project.
func (s *Store) SetProjectAgents(ctx context.Context, projectID string, agentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM project_agents WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear project agents: %w", err)
	}
	for _, agentID := range agentIDs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO project_agents(project_id, agent_id) VALUES(?, ?)`,
			projectID, agentID,
		); err != nil {
			return fmt.Errorf("insert project agent: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit project agents: %w", err)
	}
	return nil
}

func (s *Store) ListProjectAgentIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM project_agents WHERE project_id = ? ORDER BY agent_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project agents: %w", err)
	}
	defer rows.Close()

	result := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project agent: %w", err)
		}
		result = append(result, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project agents: %w", err)
	}
	return result, nil
}

// UpsertAgent inserts an agent or refreshes its profile. Runtime fields
// (status, current task) of an existing agent are left alone.
func (s *Store) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = domain.AgentStatusIdle
	}
	if a.Provider == "" {
		a.Provider = domain.ProviderClaude
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents(
			id, name, role, department_id, status, current_task_id, cli_provider,
			model, reasoning_level, oauth_account_id, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role,
			department_id = excluded.department_id, cli_provider = excluded.cli_provider,
			model = excluded.model, reasoning_level = excluded.reasoning_level,
			oauth_account_id = excluded.oauth_account_id`,
		a.ID, a.Name, string(a.Role), a.DepartmentID, string(a.Status), a.CurrentTaskID, string(a.Provider),
		a.Model, a.ReasoningLevel, a.OAuthAccountID, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, name, role, department_id, status, current_task_id, cli_provider,
	model, reasoning_level, oauth_account_id, created_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var role, status, provider string
	var created int64
	if err := scan(
		&a.ID, &a.Name, &role, &a.DepartmentID, &status, &a.CurrentTaskID, &provider,
		&a.Model, &a.ReasoningLevel, &a.OAuthAccountID, &created,
	); err != nil {
		return domain.Agent{}, err
	}
	a.Role = domain.AgentRole(role)
	a.Status = domain.AgentStatus(status)
	a.Provider = domain.Provider(provider)
	a.CreatedAt = msToTime(created)
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("get agent: %w", notFound(err))
	}
	return a, nil
}

func (s *Store) ListDepartmentAgents(ctx context.Context, departmentID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+agentColumns+` FROM agents WHERE department_id = ? ORDER BY created_at, id`,
		departmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list department agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, currentTaskID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET status = ?, current_task_id = ? WHERE id = ?`,
		string(status), currentTaskID, agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// CountActiveTasks counts jobs assigned to the agent that are still running.
func (s *Store) CountActiveTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM tasks WHERE assigned_agent_id = ? AND status IN ('planned', 'collaborating', 'in_progress')`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) CreateTask(ctx context.Context, task domain.Task) error {
	return insertTask(ctx, s.db, task)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPlanned
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, title, description, department_id, project_id, status, assigned_agent_id,
			source_task_id, result, created_at, updated_at, started_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.DepartmentID, task.ProjectID, string(task.Status),
		task.AssignedAgentID, task.SourceTaskID, task.Result, task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli(),
		nullableMS(task.StartedAt), nullableMS(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, department_id, project_id, status, assigned_agent_id,
	source_task_id, result, created_at, updated_at, started_at, completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var status string
	var created, updated int64
	var started, completed sql.NullInt64
	if err := scan(
		&t.ID, &t.Title, &t.Description, &t.DepartmentID, &t.ProjectID, &status, &t.AssignedAgentID,
		&t.SourceTaskID, &t.Result, &created, &updated, &started, &completed,
	); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = msToTime(created)
	t.UpdatedAt = msToTime(updated)
	t.StartedAt = nullMSToTimePtr(started)
	t.CompletedAt = nullMSToTimePtr(completed)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", notFound(err))
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListChildTasks returns the delegated jobs spawned from a parent, oldest first.
func (s *Store) ListChildTasks(ctx context.Context, parentID string) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source_task_id = ? ORDER BY created_at, id`, parentID)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// UpdateTaskStatus writes a new status unless the row already holds a final one.
// It reports whether the row changed.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, result string) (bool, error) {
	now := time.Now().UTC().UnixMilli()
	var completed any
	if status == domain.TaskStatusDone || status == domain.TaskStatusCancelled {
		completed = now
	}
	var started any
	if status == domain.TaskStatusInProgress {
		started = now
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET
			status = ?,
			result = CASE WHEN ? = '' THEN result ELSE ? END,
			updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status NOT IN ('done', 'cancelled')`,
		string(status), result, result, now, started, completed, taskID,
	)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task status rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) CreateSubtask(ctx context.Context, st domain.Subtask) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	if st.Status == "" {
		st.Status = domain.SubtaskStatusPending
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO subtasks(
			id, task_id, title, description, target_department_id, status,
			delegated_task_id, blocked_reason, created_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TaskID, st.Title, st.Description, nullableString(st.TargetDepartmentID), string(st.Status),
		st.DelegatedTaskID, st.BlockedReason, st.CreatedAt.UnixMilli(), nullableMS(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create subtask: %w", err)
	}
	return nil
}

const subtaskColumns = `id, task_id, title, description, target_department_id, status,
	delegated_task_id, blocked_reason, created_at, completed_at`

func scanSubtask(scan func(dest ...any) error) (domain.Subtask, error) {
	var st domain.Subtask
	var target sql.NullString
	var status string
	var created int64
	var completed sql.NullInt64
	if err := scan(
		&st.ID, &st.TaskID, &st.Title, &st.Description, &target, &status,
		&st.DelegatedTaskID, &st.BlockedReason, &created, &completed,
	); err != nil {
		return domain.Subtask{}, err
	}
	if target.Valid && target.String != "" {
		v := target.String
		st.TargetDepartmentID = &v
	}
	st.Status = domain.SubtaskStatus(status)
	st.CreatedAt = msToTime(created)
	st.CompletedAt = nullMSToTimePtr(completed)
	return st, nil
}

func (s *Store) querySubtasks(ctx context.Context, query string, args ...any) ([]domain.Subtask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Subtask, 0)
	for rows.Next() {
		st, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return result, nil
}

func (s *Store) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id)
	st, err := scanSubtask(row.Scan)
	if err != nil {
		return domain.Subtask{}, fmt.Errorf("get subtask: %w", notFound(err))
	}
	return st, nil
}

func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	return s.querySubtasks(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY created_at, id`, taskID)
}

// ListOpenForeignSubtasks returns subtasks that target another department,
// are not done and have not been handed to a delegated job yet.
func (s *Store) ListOpenForeignSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	return s.querySubtasks(
		ctx,
		`SELECT `+subtaskColumns+` FROM subtasks
		WHERE task_id = ?
			AND target_department_id IS NOT NULL AND target_department_id != ''
			AND status != 'done'
			AND delegated_task_id = ''
		ORDER BY created_at, id`,
		taskID,
	)
}

func (s *Store) ListDelegatedSubtasks(ctx context.Context, delegatedTaskID string) ([]domain.Subtask, error) {
	return s.querySubtasks(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE delegated_task_id = ? ORDER BY created_at, id`, delegatedTaskID)
}

// ResolveSubtasks marks the batch subtasks done without a delegated job.
func (s *Store) ResolveSubtasks(ctx context.Context, subtaskIDs []string) (int, error) {
	if len(subtaskIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().UnixMilli()
	args := []any{now}
	args = append(args, stringArgs(subtaskIDs)...)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE subtasks SET status = 'done', blocked_reason = '', completed_at = ?
		WHERE id IN (`+placeholders(len(subtaskIDs))+`) AND status != 'done'`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve subtasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve subtasks rows affected: %w", err)
	}
	return int(affected), nil
}

// FinalizeDelegatedSubtasks moves the batch subtasks owned by the delegated job
// into a terminal status. Subtasks already terminal are left untouched.
func (s *Store) FinalizeDelegatedSubtasks(
	ctx context.Context,
	delegatedTaskID string,
	subtaskIDs []string,
	status domain.SubtaskStatus,
	blockedReason string,
) (int, error) {
	if len(subtaskIDs) == 0 {
		return 0, nil
	}
	now := time.Now().UTC().UnixMilli()
	var completed any
	if status == domain.SubtaskStatusDone {
		completed = now
	}
	args := []any{string(status), blockedReason, completed, delegatedTaskID}
	args = append(args, stringArgs(subtaskIDs)...)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE subtasks SET status = ?, blocked_reason = ?, completed_at = ?
		WHERE delegated_task_id = ?
			AND id IN (`+placeholders(len(subtaskIDs))+`)
			AND status NOT IN ('done', 'blocked')`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("finalize delegated subtasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("finalize delegated subtasks rows affected: %w", err)
	}
	return int(affected), nil
}

// CreateDelegatedBatch inserts the delegated job, claims the batch subtasks for it
// and persists the anchor in one transaction. Subtasks already claimed or done are skipped.
func (s *Store) CreateDelegatedBatch(ctx context.Context, job domain.Task, subtaskIDs []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertTask(ctx, tx, job); err != nil {
		return nil, err
	}

	claimed := make([]string, 0, len(subtaskIDs))
	for _, id := range subtaskIDs {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE subtasks SET delegated_task_id = ?, status = 'in_progress', blocked_reason = ''
			WHERE id = ? AND delegated_task_id = '' AND status != 'done'`,
			job.ID, id,
		)
		if err != nil {
			return nil, fmt.Errorf("claim subtask: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim subtask rows affected: %w", err)
		}
		if affected > 0 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, ErrNothingToDelegate
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO delegation_anchors(delegated_task_id, subtask_id, parent_task_id, created_at)
		VALUES(?, ?, ?, ?)`,
		job.ID, claimed[0], job.SourceTaskID, time.Now().UTC().UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert delegation anchor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delegated batch: %w", err)
	}
	return claimed, nil
}

func (s *Store) GetDelegationAnchor(ctx context.Context, delegatedTaskID string) (domain.DelegationAnchor, error) {
	var a domain.DelegationAnchor
	var created int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT delegated_task_id, subtask_id, parent_task_id, created_at FROM delegation_anchors WHERE delegated_task_id = ?`,
		delegatedTaskID,
	).Scan(&a.DelegatedTaskID, &a.SubtaskID, &a.ParentTaskID, &created)
	if err != nil {
		return domain.DelegationAnchor{}, fmt.Errorf("get delegation anchor: %w", notFound(err))
	}
	a.CreatedAt = msToTime(created)
	return a, nil
}

func (s *Store) ListDelegationAnchors(ctx context.Context) ([]domain.DelegationAnchor, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT delegated_task_id, subtask_id, parent_task_id, created_at FROM delegation_anchors ORDER BY created_at, delegated_task_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list delegation anchors: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DelegationAnchor, 0)
	for rows.Next() {
		var a domain.DelegationAnchor
		var created int64
		if err := rows.Scan(&a.DelegatedTaskID, &a.SubtaskID, &a.ParentTaskID, &created); err != nil {
			return nil, fmt.Errorf("scan delegation anchor: %w", err)
		}
		a.CreatedAt = msToTime(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delegation anchors: %w", err)
	}
	return result, nil
}

func (s *Store) DeleteDelegationAnchor(ctx context.Context, delegatedTaskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegation_anchors WHERE delegated_task_id = ?`, delegatedTaskID)
	if err != nil {
		return false, fmt.Errorf("delete delegation anchor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete delegation anchor rows affected: %w", err)
	}
	return affected > 0, nil
}

// EnsureExecutionSession returns the job's session, rotating the id when the
// owning agent or provider changed since it was issued.
func (s *Store) EnsureExecutionSession(ctx context.Context, taskID, agentID string, provider domain.Provider) (domain.ExecutionSession, error) {
	var sess domain.ExecutionSession
	var prov string
	var created, updated int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT task_id, session_id, agent_id, provider, created_at, updated_at FROM execution_sessions WHERE task_id = ?`,
		taskID,
	).Scan(&sess.TaskID, &sess.SessionID, &sess.AgentID, &prov, &created, &updated)
	switch {
	case err == nil:
		sess.Provider = domain.Provider(prov)
		sess.CreatedAt = msToTime(created)
		sess.UpdatedAt = msToTime(updated)
		if sess.AgentID == agentID && sess.Provider == provider {
			return sess, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.ExecutionSession{}, fmt.Errorf("get execution session: %w", err)
	}

	now := time.Now().UTC()
	sess = domain.ExecutionSession{
		TaskID:    taskID,
		SessionID: ulid.Make().String(),
		AgentID:   agentID,
		Provider:  provider,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO execution_sessions(task_id, session_id, agent_id, provider, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			agent_id = excluded.agent_id,
			provider = excluded.provider,
			updated_at = excluded.updated_at`,
		sess.TaskID, sess.SessionID, sess.AgentID, string(sess.Provider), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return domain.ExecutionSession{}, fmt.Errorf("upsert execution session: %w", err)
	}
	return sess, nil
}

func (s *Store) AppendTaskLog(ctx context.Context, taskID, kind, message string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_logs(task_id, kind, message, created_at) VALUES(?, ?, ?, ?)`,
		taskID, kind, message, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]domain.TaskLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, kind, message, created_at FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskLog, 0, limit)
	for rows.Next() {
		var item domain.TaskLog
		var created int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Kind, &item.Message, &created); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		item.CreatedAt = msToTime(created)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task logs: %w", err)
	}
	return result, nil
}

func (s *Store) CreateCEOMessage(ctx context.Context, taskID, content string) (domain.CEOMessage, error) {
	msg := domain.CEOMessage{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ceo_messages(id, task_id, content, created_at) VALUES(?, ?, ?, ?)`,
		msg.ID, msg.TaskID, msg.Content, msg.CreatedAt.UnixMilli(),
	); err != nil {
		return domain.CEOMessage{}, fmt.Errorf("create ceo message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListCEOMessages(ctx context.Context, taskID string, limit int) ([]domain.CEOMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, content, created_at FROM ceo_messages
		WHERE ? = '' OR task_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`,
		taskID, taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ceo messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.CEOMessage, 0, limit)
	for rows.Next() {
		var item domain.CEOMessage
		var created int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Content, &created); err != nil {
			return nil, fmt.Errorf("scan ceo message: %w", err)
		}
		item.CreatedAt = msToTime(created)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ceo messages: %w", err)
	}
	return result, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func nullMSToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func msToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func nullableString(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
