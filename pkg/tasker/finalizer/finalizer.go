// Package finalizer implements Component H (§4.7): after a coordinator
// pass, aggregate a task's steps into an execution context and decide
// exactly one outcome — complete, error, or a hand-off to the re-enqueuer
// with a reason. The re-enqueue scheduling itself is behind the Reenqueuer
// interface so production (cron-poll, grounded on the teacher's
// services/orchestrator/scheduler.go Scheduler) and test (synchronous,
// virtual-time) strategies can be swapped per §4.5's "strategy injection".
package finalizer

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/tasker/pkg/tasker/backoff"
	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/statemachine"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

// Outcome is the single decision a finalizer pass produces for a task.
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeError        Outcome = "error"
	OutcomeAwaitingWork Outcome = "awaiting_work"
	OutcomeAwaitingRetry Outcome = "awaiting_retry"
	OutcomeStalled      Outcome = "stalled"
)

// maxAmbiguousStreak bounds how many consecutive ambiguous passes a task
// may accumulate before the finalizer gives up and transitions it to error
// with reason stalled (§4.7's "repeated ambiguity ... eventually
// transitions task to error").
const maxAmbiguousStreak = 5

// ExecutionContext is the aggregated view of a task's steps the finalizer
// decides from (§4.7).
type ExecutionContext struct {
	TaskID              string
	TotalSteps          int
	Terminal            int // complete or resolved_manually
	ExhaustedErrors      []model.ReadinessRow
	ReadyOrInFlight     bool
	BlockedOnBackoff    []model.ReadinessRow
}

// BuildExecutionContext aggregates the readiness rows for taskID the way
// §4.7 describes: counts by state plus whether any ready/in-flight step
// remains.
func BuildExecutionContext(taskID string, rows []model.ReadinessRow) ExecutionContext {
	ec := ExecutionContext{TaskID: taskID, TotalSteps: len(rows)}
	for _, r := range rows {
		switch {
		case r.CurrentState == model.StepComplete || r.CurrentState == model.StepResolvedManually:
			ec.Terminal++
		case r.ReadyForExecution || r.CurrentState == model.StepInProgress:
			ec.ReadyOrInFlight = true
		case r.CurrentState == model.StepError && !r.RetryEligible && r.Attempts >= r.RetryLimit:
			ec.ExhaustedErrors = append(ec.ExhaustedErrors, r)
		case r.CurrentState == model.StepError:
			ec.BlockedOnBackoff = append(ec.BlockedOnBackoff, r)
		}
	}
	return ec
}

// AllTerminal reports whether every step has reached a terminal state.
func (ec ExecutionContext) AllTerminal() bool {
	return ec.TotalSteps > 0 && ec.Terminal == ec.TotalSteps
}

// EarliestEligibleAt returns the minimum eligible-at instant across every
// blocked-on-backoff step (§4.7's "scheduled-at = min of eligible-at times").
func (ec ExecutionContext) EarliestEligibleAt(now time.Time) time.Time {
	earliest := now
	first := true
	for _, r := range ec.BlockedOnBackoff {
		at := now
		if r.LastAttemptedAt != nil {
			at = backoff.EligibleAt(*r.LastAttemptedAt, r.Attempts, r.BackoffRequestSeconds)
		}
		if first || at.Before(earliest) {
			earliest = at
			first = false
		}
	}
	return earliest
}

// Reenqueuer schedules the next execute_workflow(task) pass and publishes
// workflow.task_reenqueued, per §4.7. Production and test strategies are
// injected independently of the Finalizer itself.
type Reenqueuer interface {
	Schedule(ctx context.Context, taskID string, at time.Time, reason string) error
}

// AmbiguousStreakTracker tracks, per task, how many consecutive ambiguous passes
// have occurred. A production deployment would persist this as a column;
// tests and single-process runs can use the in-memory implementation below.
type AmbiguousStreakTracker interface {
	Increment(taskID string) int
	Reset(taskID string)
}

// InMemoryStreakTracker is a process-local AmbiguousStreakTracker, adequate
// for a single coordinator worker or for tests; a multi-worker production
// deployment should back this with a counter column on the task row.
type InMemoryStreakTracker struct {
	counts map[string]int
}

func NewInMemoryStreakTracker() *InMemoryStreakTracker {
	return &InMemoryStreakTracker{counts: make(map[string]int)}
}

func (t *InMemoryStreakTracker) Increment(taskID string) int {
	t.counts[taskID]++
	return t.counts[taskID]
}

func (t *InMemoryStreakTracker) Reset(taskID string) {
	delete(t.counts, taskID)
}

// Finalizer implements the single decision point of Component H.
type Finalizer struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	Reenqueuer Reenqueuer
	Streaks    AmbiguousStreakTracker
}

// New constructs a Finalizer. streaks may be nil, in which case an
// InMemoryStreakTracker is created.
func New(s *store.Store, bus *eventbus.Bus, reenqueuer Reenqueuer, streaks AmbiguousStreakTracker) *Finalizer {
	if streaks == nil {
		streaks = NewInMemoryStreakTracker()
	}
	return &Finalizer{Store: s, Bus: bus, Reenqueuer: reenqueuer, Streaks: streaks}
}

// Finalize runs one finalizer pass for taskID: build the execution context,
// decide the outcome, and apply it (transition the task, hand off to the
// re-enqueuer, or both).
func (f *Finalizer) Finalize(ctx context.Context, taskID string) (Outcome, error) {
	rows, err := f.Store.Readiness(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("readiness query: %w", err)
	}
	ec := BuildExecutionContext(taskID, rows)
	return f.decide(ctx, ec)
}

func (f *Finalizer) decide(ctx context.Context, ec ExecutionContext) (Outcome, error) {
	switch {
	case ec.AllTerminal():
		if err := f.transitionTask(ctx, ec.TaskID, model.TaskInProgress, model.TaskComplete, nil); err != nil {
			return "", err
		}
		f.Streaks.Reset(ec.TaskID)
		return OutcomeComplete, nil

	case len(ec.ExhaustedErrors) > 0 && !ec.ReadyOrInFlight:
		cause := ec.ExhaustedErrors[0]
		metadata := []byte(fmt.Sprintf(`{"cause_step_id":%q,"cause_step_name":%q}`, cause.WorkflowStepID, cause.Name))
		if err := f.transitionTask(ctx, ec.TaskID, model.TaskInProgress, model.TaskError, metadata); err != nil {
			return "", err
		}
		f.Streaks.Reset(ec.TaskID)
		return OutcomeError, nil

	case ec.ReadyOrInFlight:
		f.Streaks.Reset(ec.TaskID)
		return OutcomeAwaitingWork, f.reenqueue(ctx, ec.TaskID, time.Now(), string(OutcomeAwaitingWork))

	case len(ec.BlockedOnBackoff) > 0:
		f.Streaks.Reset(ec.TaskID)
		at := ec.EarliestEligibleAt(time.Now())
		return OutcomeAwaitingRetry, f.reenqueue(ctx, ec.TaskID, at, string(OutcomeAwaitingRetry))

	default:
		streak := f.Streaks.Increment(ec.TaskID)
		if streak >= maxAmbiguousStreak {
			metadata := []byte(`{"reason":"stalled"}`)
			if err := f.transitionTask(ctx, ec.TaskID, model.TaskInProgress, model.TaskError, metadata); err != nil {
				return "", err
			}
			f.Streaks.Reset(ec.TaskID)
			f.Bus.Publish("task.stalled", eventbus.NewTaskPayload(ec.TaskID))
			return OutcomeStalled, nil
		}
		at := time.Now().Add(backoff.Exponential(streak))
		return OutcomeAwaitingRetry, f.reenqueue(ctx, ec.TaskID, at, "ambiguous")
	}
}

func (f *Finalizer) transitionTask(ctx context.Context, taskID string, from, to model.TaskState, metadata []byte) error {
	if err := statemachine.ValidateTaskTransition(from, to); err != nil {
		return err
	}
	if _, err := f.Store.InsertTaskTransition(ctx, taskID, from, to, metadata); err != nil {
		return fmt.Errorf("insert task transition: %w", err)
	}
	f.Bus.Publish(statemachine.TaskEventName(from, to), eventbus.NewTaskPayload(taskID))
	return nil
}

func (f *Finalizer) reenqueue(ctx context.Context, taskID string, at time.Time, reason string) error {
	if f.Reenqueuer == nil {
		return nil
	}
	if err := f.Reenqueuer.Schedule(ctx, taskID, at, reason); err != nil {
		return fmt.Errorf("schedule reenqueue: %w", err)
	}
	f.Bus.Publish("workflow.task_reenqueued", eventbus.NewTaskPayload(taskID))
	return nil
}
