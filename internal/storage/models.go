package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRunning is returned when a task cannot be claimed because another
// task for the same (tenant, source_ref) is running.
var ErrAlreadyRunning = errors.New("a task for this source is already running")

// ErrNotPending is returned when a task is no longer pending.
var ErrNotPending = errors.New("task is not pending")

// ErrNotRunning is returned when completing a task or log entry that is not running.
var ErrNotRunning = errors.New("not running")

// NoTenant is the tenant identifier used when authentication is disabled.
// Queries scoped to NoTenant are not filtered by tenant.
const NoTenant = "none"

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskFailed  = "failed"
)

// Execution log statuses.
const (
	LogRunning = "running"
	LogSuccess = "success"
	LogError   = "error"
)

// MaxTaskAttempts bounds how often a released task is retried before it is failed.
const MaxTaskAttempts = 3

type Task struct {
	ID           string
	TenantID     string
	TaskType     string
	SourceRef    string
	InputText    string
	FlowID       string
	ParentTaskID string
	Status       string
	Attempts     int
	RunAfter     time.Time
	OutputJSON   string
	LastError    string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// LogEntry is one provider attempt recorded in the execution log.
type LogEntry struct {
	ID            string
	RunID         string
	FlowID        string
	TenantID      string
	TaskID        string
	AgentName     string
	Provider      string
	ModelUsed     string
	Attempt       int
	InputSummary  string
	OutputSummary string
	StartedAt     time.Time
	CompletedAt   time.Time
	DurationMS    int64
	Status        string
	ErrorMessage  string
}

// LogFilter narrows ListLogEntries. Zero values mean "any".
type LogFilter struct {
	TenantID  string
	AgentName string
	Status    string
	Since     time.Time
	Limit     int
}

// AgentStat aggregates execution log rows for one agent.
type AgentStat struct {
	AgentName     string
	Total         int
	Success       int
	Errors        int
	Running       int
	AvgDurationMS float64
}

type Job struct {
	ID          string
	TenantID    string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
