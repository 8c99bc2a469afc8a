// Package statemachine holds the canonical transition tables for tasks and
// workflow steps, the guards gating each edge, and the static event-name
// mapping so that no transition fires silently (§4.2).
package statemachine

import (
	"fmt"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// TaskEdge is a single allowed (from, to) task transition.
type TaskEdge struct {
	From model.TaskState
	To   model.TaskState
}

// StepEdge is a single allowed (from, to) step transition.
type StepEdge struct {
	From model.StepState
	To   model.StepState
}

// taskInitial is the synthetic "no prior state" marker used for ∅ → X edges.
const taskInitial model.TaskState = ""
const stepInitial model.StepState = ""

// allowedTaskEdges enumerates every edge permitted by §4.2.
var allowedTaskEdges = map[TaskEdge]bool{
	{taskInitial, model.TaskPending}:                    true,
	{model.TaskPending, model.TaskInProgress}:            true,
	{model.TaskPending, model.TaskCancelled}:             true,
	{model.TaskInProgress, model.TaskComplete}:           true,
	{model.TaskInProgress, model.TaskError}:              true,
	{model.TaskInProgress, model.TaskCancelled}:          true,
	{model.TaskError, model.TaskInProgress}:              true,
	{model.TaskError, model.TaskResolvedManually}:        true,
	{model.TaskPending, model.TaskResolvedManually}:      true,
}

// allowedStepEdges enumerates every edge permitted by §4.2. Note
// pending -> complete is deliberately absent: a step must be claimed
// (in_progress) before it can complete.
var allowedStepEdges = map[StepEdge]bool{
	{stepInitial, model.StepPending}:               true,
	{model.StepPending, model.StepInProgress}:       true,
	{model.StepPending, model.StepCancelled}:        true,
	{model.StepPending, model.StepResolvedManually}: true,
	{model.StepInProgress, model.StepComplete}:      true,
	{model.StepInProgress, model.StepError}:         true,
	{model.StepInProgress, model.StepCancelled}:     true,
	{model.StepError, model.StepInProgress}:         true,
	{model.StepError, model.StepResolvedManually}:   true,
}

// ErrIllegalTransition is returned when a caller asks for an edge not present
// in the allowed table.
type ErrIllegalTransition struct {
	Record string
	From   string
	To     string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.Record, e.From, e.To)
}

// ValidateTaskTransition returns an error unless (from, to) is an allowed
// task edge.
func ValidateTaskTransition(from, to model.TaskState) error {
	if !allowedTaskEdges[TaskEdge{from, to}] {
		return &ErrIllegalTransition{Record: "task", From: string(from), To: string(to)}
	}
	return nil
}

// ValidateStepTransition returns an error unless (from, to) is an allowed
// step edge.
func ValidateStepTransition(from, to model.StepState) error {
	if !allowedStepEdges[StepEdge{from, to}] {
		return &ErrIllegalTransition{Record: "step", From: string(from), To: string(to)}
	}
	return nil
}

// TaskEventName maps a (from, to) task transition to its stable event name.
// Every edge in allowedTaskEdges has an entry here so no transition is
// event-less.
func TaskEventName(from, to model.TaskState) string {
	switch (TaskEdge{from, to}) {
	case TaskEdge{taskInitial, model.TaskPending}:
		return "task.start_requested"
	case TaskEdge{model.TaskPending, model.TaskInProgress}:
		return "task.execution_started"
	case TaskEdge{model.TaskPending, model.TaskCancelled}:
		return "task.cancelled"
	case TaskEdge{model.TaskInProgress, model.TaskComplete}:
		return "task.completed"
	case TaskEdge{model.TaskInProgress, model.TaskError}:
		return "task.failed"
	case TaskEdge{model.TaskInProgress, model.TaskCancelled}:
		return "task.cancelled"
	case TaskEdge{model.TaskError, model.TaskInProgress}:
		return "task.retry_requested"
	case TaskEdge{model.TaskError, model.TaskResolvedManually}:
		return "task.resolved_manually"
	case TaskEdge{model.TaskPending, model.TaskResolvedManually}:
		return "task.resolved_manually"
	default:
		return "task.unknown_transition"
	}
}

// StepEventName maps a (from, to) step transition to its stable event name.
func StepEventName(from, to model.StepState) string {
	switch (StepEdge{from, to}) {
	case StepEdge{stepInitial, model.StepPending}:
		return "step.initialized"
	case StepEdge{model.StepPending, model.StepInProgress}:
		return "step.execution_requested"
	case StepEdge{model.StepPending, model.StepCancelled}:
		return "step.cancelled"
	case StepEdge{model.StepPending, model.StepResolvedManually}:
		return "step.resolved_manually"
	case StepEdge{model.StepInProgress, model.StepComplete}:
		return "step.completed"
	case StepEdge{model.StepInProgress, model.StepError}:
		return "step.failed"
	case StepEdge{model.StepInProgress, model.StepCancelled}:
		return "step.cancelled"
	case StepEdge{model.StepError, model.StepInProgress}:
		return "step.retry_requested"
	case StepEdge{model.StepError, model.StepResolvedManually}:
		return "step.resolved_manually"
	default:
		return "step.unknown_transition"
	}
}

// CurrentTaskState derives current_state from the transition log: the
// to_state of the most_recent row, or model.TaskPending if none exists yet
// (the task has not been persisted).
func CurrentTaskState(transitions []model.TaskTransition) model.TaskState {
	for _, t := range transitions {
		if t.MostRecent {
			return t.ToState
		}
	}
	return model.TaskPending
}

// CurrentStepState derives current_state the same way for a step.
func CurrentStepState(transitions []model.WorkflowStepTransition) model.StepState {
	for _, t := range transitions {
		if t.MostRecent {
			return t.ToState
		}
	}
	return model.StepPending
}
