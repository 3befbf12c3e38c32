// Package store provides typed Postgres persistence for taskpilot tasks,
// runs, steps, and their audit records.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaskPriority orders tasks for dispatch. Higher sorts first.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ParseTaskPriority parses a priority tag, rejecting unknown values.
func ParseTaskPriority(s string) (TaskPriority, error) {
	switch TaskPriority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return TaskPriority(s), nil
	default:
		return "", fmt.Errorf("unknown task priority: %q", s)
	}
}

// Weight returns the dispatch weight for worker-pool ordering.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 9
	case PriorityHigh:
		return 7
	case PriorityMedium:
		return 5
	case PriorityLow:
		return 3
	default:
		return 5
	}
}

// TaskType categorizes the requested work.
type TaskType string

const (
	TypeFeature       TaskType = "feature"
	TypeBugfix        TaskType = "bugfix"
	TypeRefactor      TaskType = "refactor"
	TypeDocumentation TaskType = "documentation"
	TypeTesting       TaskType = "testing"
	TypeUIChange      TaskType = "ui-change"
	TypePerformance   TaskType = "performance"
	TypeAnalysis      TaskType = "analysis"
)

// ParseTaskType parses a task type tag, rejecting unknown values.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TypeFeature, TypeBugfix, TypeRefactor, TypeDocumentation,
		TypeTesting, TypeUIChange, TypePerformance, TypeAnalysis:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("unknown task type: %q", s)
	}
}

// TaskStatus is the internal lifecycle status of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ParseTaskStatus parses a task status tag, rejecting unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status: %q", s)
	}
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run reached a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle status of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PRStatus is the lifecycle status of a pull request.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRMerged PRStatus = "merged"
	PRClosed PRStatus = "closed"
)

// Task is the persistent unit of work bound to one Monday item.
// Tasks are never deleted; status transitions mutate them in place.
type Task struct {
	ID             int64        `db:"id"`
	ExternalID     int64        `db:"external_id"`
	BoardID        int64        `db:"board_id"`
	Title          string       `db:"title"`
	Description    string       `db:"description"`
	RepositoryURL  string       `db:"repository_url"`
	Priority       TaskPriority `db:"priority"`
	TaskType       TaskType     `db:"task_type"`
	InternalStatus TaskStatus   `db:"internal_status"`
	ExternalStatus string       `db:"external_status"`
	CreatedBy      string       `db:"created_by"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// Run is one execution attempt of a Task.
type Run struct {
	ID                int64           `db:"id"`
	UUIDRunID         string          `db:"uuid_run_id"`
	TaskID            int64           `db:"task_id"`
	WorkflowID        string          `db:"workflow_id"`
	AIProvider        string          `db:"ai_provider"`
	ReactivationCount int             `db:"reactivation_count"`
	SourceBranch      string          `db:"source_branch"`
	Status            RunStatus       `db:"status"`
	Metrics           json.RawMessage `db:"metrics"`
	Error             *string         `db:"error"`
	TriggeredBy       *string         `db:"triggered_by"`
	StartedAt         time.Time       `db:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
}

// Step is one node execution within a Run.
type Step struct {
	ID          int64           `db:"id"`
	RunID       int64           `db:"run_id"`
	NodeName    string          `db:"node_name"`
	StepOrder   int             `db:"step_order"`
	Input       json.RawMessage `db:"input"`
	Output      json.RawMessage `db:"output"`
	Status      StepStatus      `db:"status"`
	RetryCount  int             `db:"retry_count"`
	Checkpoint  json.RawMessage `db:"checkpoint"`
	Error       *string         `db:"error"`
	StartedAt   time.Time       `db:"started_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// LLMInteraction is a per-prompt record attached to a Step.
type LLMInteraction struct {
	ID               int64     `db:"id"`
	StepID           int64     `db:"step_id"`
	Provider         string    `db:"provider"`
	Model            string    `db:"model"`
	Prompt           string    `db:"prompt"`
	Response         string    `db:"response"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	LatencyMs        int64     `db:"latency_ms"`
	CostEstimate     float64   `db:"cost_estimate"`
	CreatedAt        time.Time `db:"created_at"`
}

// GenerationType distinguishes why code was generated.
type GenerationType string

const (
	GenerationInitial      GenerationType = "initial"
	GenerationModification GenerationType = "modification"
	GenerationDebug        GenerationType = "debug"
)

// CodeGeneration is a per-run artifact record.
type CodeGeneration struct {
	ID            int64           `db:"id"`
	RunID         int64           `db:"run_id"`
	Provider      string          `db:"provider"`
	Model         string          `db:"model"`
	Type          GenerationType  `db:"generation_type"`
	Prompt        string          `db:"prompt"`
	Code          json.RawMessage `db:"code"`
	FilesModified json.RawMessage `db:"files_modified"`
	Tokens        int             `db:"tokens"`
	LatencyMs     int64           `db:"latency_ms"`
	Cost          float64         `db:"cost"`
	CreatedAt     time.Time       `db:"created_at"`
}

// TestResult is a per-run test execution record.
type TestResult struct {
	ID              int64           `db:"id"`
	RunID           int64           `db:"run_id"`
	Passed          bool            `db:"passed"`
	TotalTests      int             `db:"total_tests"`
	PassedTests     int             `db:"passed_tests"`
	FailedTests     int             `db:"failed_tests"`
	SkippedTests    int             `db:"skipped_tests"`
	CoveragePercent float64         `db:"coverage_percent"`
	Report          json.RawMessage `db:"report"`
	DurationSeconds float64         `db:"duration_seconds"`
	CreatedAt       time.Time       `db:"created_at"`
}

// PullRequest is a per-run PR record. TaskID and RunID are both required;
// CreatePullRequest rejects writes missing either one.
type PullRequest struct {
	ID              int64     `db:"id"`
	TaskID          int64     `db:"task_id"`
	RunID           int64     `db:"run_id"`
	ExternalNumber  int       `db:"external_number"`
	URL             string    `db:"url"`
	Title           string    `db:"title"`
	HeadBranch      string    `db:"head_branch"`
	BaseBranch      string    `db:"base_branch"`
	HeadSHA         string    `db:"head_sha"`
	Status          PRStatus  `db:"status"`
	MergeCommitHash *string   `db:"merge_commit_hash"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// UpdateTrigger records a Monday comment that spawned (or declined to spawn) a run.
type UpdateTrigger struct {
	ID             int64     `db:"id"`
	TaskID         int64     `db:"task_id"`
	UpdateID       string    `db:"update_id"`
	Classification string    `db:"classification"`
	Confidence     float64   `db:"confidence"`
	TriggeredRunID *int64    `db:"triggered_run_id"`
	Processed      bool      `db:"processed"`
	CreatedAt      time.Time `db:"created_at"`
}

// ApplicationEvent is an audit-log entry.
type ApplicationEvent struct {
	ID        int64           `db:"id"`
	TaskID    *int64          `db:"task_id"`
	Level     string          `db:"level"`
	Source    string          `db:"source"`
	Action    string          `db:"action"`
	Message   string          `db:"message"`
	Metadata  json.RawMessage `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}

// PerformanceMetrics aggregates per-run resource usage.
type PerformanceMetrics struct {
	ID              int64     `db:"id"`
	TaskID          int64     `db:"task_id"`
	RunID           int64     `db:"run_id"`
	TotalTokens     int       `db:"total_tokens"`
	TotalCost       float64   `db:"total_cost"`
	LLMCalls        int       `db:"llm_calls"`
	NodesExecuted   int       `db:"nodes_executed"`
	DurationSeconds float64   `db:"duration_seconds"`
	CreatedAt       time.Time `db:"created_at"`
}

// ConfigEntry is a typed key/value setting independent of any task.
type ConfigEntry struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	ValueType string    `db:"value_type"` // "string", "int", "float", "bool", "json"
	UpdatedAt time.Time `db:"updated_at"`
}

// TaskPayload is the inbound work-item envelope consumed by CreateOrLoadTask.
// Field tags drive envelope validation at the orchestrator boundary.
type TaskPayload struct {
	ExternalID    int64        `json:"external_id" validate:"required,gt=0"`
	BoardID       int64        `json:"board_id"`
	Title         string       `json:"title" validate:"required"`
	Description   string       `json:"description"`
	RepositoryURL string       `json:"repository_url"`
	Priority      TaskPriority `json:"priority"`
	TaskType      TaskType     `json:"task_type"`
	CreatedBy     string       `json:"created_by"`
}

// Normalize fills defaulted enum fields so unknown tags never reach the DB.
func (p *TaskPayload) Normalize() {
	if _, err := ParseTaskPriority(string(p.Priority)); err != nil {
		p.Priority = PriorityMedium
	}
	if _, err := ParseTaskType(string(p.TaskType)); err != nil {
		p.TaskType = TypeFeature
	}
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate runs the envelope's struct tags. Tag failures surface as
// ErrMissingReference: the webhook sent a payload the schema cannot hold.
func (p *TaskPayload) Validate() error {
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: task payload: %v", ErrMissingReference, err)
	}
	return nil
}
