package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPlanned       TaskStatus = "planned"
	TaskStatusCollaborating TaskStatus = "collaborating"
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusReview        TaskStatus = "review"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusCancelled     TaskStatus = "cancelled"
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusBlocked       TaskStatus = "blocked"
)

// Stoppable reports whether a run of a job in this status may still be paused
// or cancelled.
func (s TaskStatus) Stoppable() bool {
	return s == TaskStatusPlanned || s == TaskStatusInProgress
}

type SubtaskStatus string

const (
	SubtaskStatusPending    SubtaskStatus = "pending"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusDone       SubtaskStatus = "done"
	SubtaskStatusBlocked    SubtaskStatus = "blocked"
)

type AgentRole string

const (
	AgentRoleTeamLeader AgentRole = "team_leader"
	AgentRoleSenior     AgentRole = "senior"
	AgentRoleJunior     AgentRole = "junior"
	AgentRoleIntern     AgentRole = "intern"
)

// Rank orders subordinate roles by seniority; lower is preferred.
func (r AgentRole) Rank() int {
	switch r {
	case AgentRoleSenior:
		return 0
	case AgentRoleJunior:
		return 1
	case AgentRoleIntern:
		return 2
	default:
		return 3
	}
}

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusBreak   AgentStatus = "break"
	AgentStatusOffline AgentStatus = "offline"
)

type Provider string

const (
	ProviderClaude      Provider = "claude"
	ProviderCodex       Provider = "codex"
	ProviderGemini      Provider = "gemini"
	ProviderOpenCode    Provider = "opencode"
	ProviderCopilot     Provider = "copilot"
	ProviderAntigravity Provider = "antigravity"
	ProviderAPI         Provider = "api"
)

type AssignmentMode string

const (
	AssignmentModeAuto   AssignmentMode = "auto"
	AssignmentModeManual AssignmentMode = "manual"
)

type StopMode string

const (
	StopModePause  StopMode = "pause"
	StopModeCancel StopMode = "cancel"
)

type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DepartmentID    string     `json:"department_id,omitempty"`
	ProjectID       string     `json:"project_id,omitempty"`
	Status          TaskStatus `json:"status"`
	AssignedAgentID string     `json:"assigned_agent_id,omitempty"`
	SourceTaskID    string     `json:"source_task_id,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type Subtask struct {
	ID                 string        `json:"id"`
	TaskID             string        `json:"task_id"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	TargetDepartmentID *string       `json:"target_department_id"`
	Status             SubtaskStatus `json:"status"`
	DelegatedTaskID    string        `json:"delegated_task_id,omitempty"`
	BlockedReason      string        `json:"blocked_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// Department returns the target department id or "" when the subtask stays local.
func (s Subtask) Department() string {
	if s.TargetDepartmentID == nil {
		return ""
	}
	return *s.TargetDepartmentID
}

type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Role           AgentRole   `json:"role"`
	DepartmentID   string      `json:"department_id"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	Provider       Provider    `json:"cli_provider"`
	Model          string      `json:"model,omitempty"`
	ReasoningLevel string      `json:"reasoning_level,omitempty"`
	OAuthAccountID string      `json:"oauth_account_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Department struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

type Project struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Path           string         `json:"path"`
	AssignmentMode AssignmentMode `json:"assignment_mode"`
	CreatedAt      time.Time      `json:"created_at"`
}

type ExecutionSession struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Provider  Provider  `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type CEOMessage struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DelegationAnchor links a delegated job to the first subtask of its batch.
type DelegationAnchor struct {
	DelegatedTaskID string    `json:"delegated_task_id"`
	SubtaskID       string    `json:"subtask_id"`
	ParentTaskID    string    `json:"parent_task_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

const (
	EventTaskUpdate    = "task_update"
	EventSubtaskUpdate = "subtask_update"
	EventCEOMessage    = "ceo_message"
	EventTaskProgress  = "task_progress"
	EventAgentStatus   = "agent_status"
	EventStreamOpen    = "stream_open"
)
