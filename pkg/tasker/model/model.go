// Package model defines the core Tasker data types: tasks, workflow steps,
// their dependency edges, the append-only transition log, and the template
// catalog they are instantiated from.
package model

import (
	"encoding/json"
	"time"
)

// TaskState is one of the states a Task's current_state column may hold.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskInProgress       TaskState = "in_progress"
	TaskComplete         TaskState = "complete"
	TaskError            TaskState = "error"
	TaskCancelled        TaskState = "cancelled"
	TaskResolvedManually TaskState = "resolved_manually"
)

// StepState is one of the states a WorkflowStep's current_state column may hold.
type StepState string

const (
	StepPending          StepState = "pending"
	StepInProgress       StepState = "in_progress"
	StepComplete         StepState = "complete"
	StepError            StepState = "error"
	StepCancelled        StepState = "cancelled"
	StepResolvedManually StepState = "resolved_manually"
)

// CompletionSet is the set of step states that satisfy a dependency edge.
var CompletionSet = map[StepState]bool{
	StepComplete:         true,
	StepResolvedManually: true,
}

// TerminalTaskStates is the set of states from which a task never transitions again.
var TerminalTaskStates = map[TaskState]bool{
	TaskComplete:         true,
	TaskError:            true,
	TaskCancelled:        true,
	TaskResolvedManually: true,
}

// Task is an instance of a NamedTask template.
type Task struct {
	TaskID        string          `db:"task_id" json:"task_id"`
	NamedTaskID   string          `db:"named_task_id" json:"named_task_id"`
	Context       json.RawMessage `db:"context" json:"context"`
	IdentityHash  string          `db:"identity_hash" json:"identity_hash"`
	Initiator     string          `db:"initiator" json:"initiator,omitempty"`
	SourceSystem  string          `db:"source_system" json:"source_system,omitempty"`
	Reason        string          `db:"reason" json:"reason,omitempty"`
	Tags          []string        `db:"tags" json:"tags,omitempty"`
	Complete      bool            `db:"complete" json:"complete"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkflowStep is a single unit of work belonging to a Task.
type WorkflowStep struct {
	WorkflowStepID        string          `db:"workflow_step_id" json:"workflow_step_id"`
	TaskID                string          `db:"task_id" json:"task_id"`
	NamedStepID           string          `db:"named_step_id" json:"named_step_id"`
	Name                  string          `db:"name" json:"name"`
	Retryable             bool            `db:"retryable" json:"retryable"`
	RetryLimit            int             `db:"retry_limit" json:"retry_limit"`
	Attempts              int             `db:"attempts" json:"attempts"`
	InProcess             bool            `db:"in_process" json:"in_process"`
	Processed             bool            `db:"processed" json:"processed"`
	ProcessedAt           *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	LastAttemptedAt       *time.Time      `db:"last_attempted_at" json:"last_attempted_at,omitempty"`
	BackoffRequestSeconds *int            `db:"backoff_request_seconds" json:"backoff_request_seconds,omitempty"`
	Results               json.RawMessage `db:"results" json:"results,omitempty"`
	Inputs                json.RawMessage `db:"inputs" json:"inputs,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

const DefaultRetryLimit = 3

// WorkflowStepEdge is a parent -> child dependency edge between two steps of
// the same task.
type WorkflowStepEdge struct {
	FromStepID string `db:"from_step_id" json:"from_step_id"`
	ToStepID   string `db:"to_step_id" json:"to_step_id"`
	Name       string `db:"name" json:"name,omitempty"`
}

// TaskTransition is one row of the append-only task transition log.
type TaskTransition struct {
	ID         int64           `db:"id" json:"id"`
	TaskID     string          `db:"task_id" json:"task_id"`
	FromState  TaskState       `db:"from_state" json:"from_state"`
	ToState    TaskState       `db:"to_state" json:"to_state"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	SortKey    int64           `db:"sort_key" json:"sort_key"`
	MostRecent bool            `db:"most_recent" json:"most_recent"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// WorkflowStepTransition is one row of the append-only step transition log.
type WorkflowStepTransition struct {
	ID             int64           `db:"id" json:"id"`
	WorkflowStepID string          `db:"workflow_step_id" json:"workflow_step_id"`
	FromState      StepState       `db:"from_state" json:"from_state"`
	ToState        StepState       `db:"to_state" json:"to_state"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	SortKey        int64           `db:"sort_key" json:"sort_key"`
	MostRecent     bool            `db:"most_recent" json:"most_recent"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NamedTask is the template (type) for a Task: a schema-validated context
// shape plus an ordered set of step templates.
type NamedTask struct {
	NamedTaskID   string          `db:"named_task_id" json:"named_task_id"`
	Name          string          `db:"name" json:"name"`
	Namespace     string          `db:"namespace" json:"namespace"`
	Version       string          `db:"version" json:"version"`
	ContextSchema json.RawMessage `db:"context_schema" json:"context_schema"`
	Steps         []NamedStep     `db:"-" json:"steps"`
}

// Identity returns the (namespace, name, version) triple used for registry
// and template-catalog lookups.
func (nt NamedTask) Identity() (namespace, name, version string) {
	return nt.Namespace, nt.Name, nt.Version
}

// NamedStep is a template for a WorkflowStep: its handler binding, default
// retry policy, and declared dependency edges.
type NamedStep struct {
	NamedStepID   string   `db:"named_step_id" json:"named_step_id"`
	NamedTaskID   string   `db:"named_task_id" json:"named_task_id"`
	Name          string   `db:"name" json:"name"`
	HandlerClass  string   `db:"handler_class" json:"handler_class"`
	DefaultRetry  bool     `db:"default_retryable" json:"default_retryable"`
	DefaultLimit  int      `db:"default_retry_limit" json:"default_retry_limit"`
	DependsOnStep []string `db:"-" json:"depends_on_step,omitempty"`
}

// DependentSystem names an external collaborator a step's handler calls out
// to (used for diagramming and operational dashboards; not consulted by the
// readiness query).
type DependentSystem struct {
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
}

// ReadinessRow is one row of the step-readiness query result (§4.1).
type ReadinessRow struct {
	WorkflowStepID        string     `json:"workflow_step_id"`
	Name                  string     `json:"name"`
	CurrentState          StepState  `json:"current_state"`
	TotalParents          int        `json:"total_parents"`
	CompletedParents      int        `json:"completed_parents"`
	DependenciesSatisfied bool       `json:"dependencies_satisfied"`
	Attempts              int        `json:"attempts"`
	RetryLimit            int        `json:"retry_limit"`
	LastAttemptedAt       *time.Time `json:"last_attempted_at,omitempty"`
	BackoffRequestSeconds *int       `json:"backoff_request_seconds,omitempty"`
	RetryEligible         bool       `json:"retry_eligible"`
	ReadyForExecution     bool       `json:"ready_for_execution"`
}

// TaskReenqueue is one scheduled re-run request handed off by the finalizer
// (§4.7): "run execute_workflow(task) again no earlier than ScheduledAt,
// because Reason."
type TaskReenqueue struct {
	ID          int64     `db:"id" json:"id"`
	TaskID      string    `db:"task_id" json:"task_id"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduled_at"`
	Reason      string    `db:"reason" json:"reason"`
	Claimed     bool      `db:"claimed" json:"claimed"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
