// Package coordinator implements the workflow coordinator loop (Component
// F, §4.5): discover ready steps, execute them with bounded concurrency,
// persist results atomically with state transitions, and hand off to the
// finalizer. The worker-pool/ready-channel/results-channel shape is adapted
// from the teacher's DAGEngine.executeDAG (services/orchestrator/dag_engine.go),
// generalized from an in-memory DAG walk to polling a shared relational
// store so multiple worker processes can coordinate through row locks.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/tasker/internal/logging"
	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/handler"
	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/registry"
	"github.com/swarmguard/tasker/pkg/tasker/statemachine"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

// MinConcurrent and MaxConcurrentCap bound MAX_CONCURRENT per §4.5/§5.
const (
	MinConcurrent     = 3
	MaxConcurrentCap  = 25
	DefaultConcurrent = 10
	defaultPerAttemptTimeout = 30 * time.Second
)

// PressureTable maps a pool-utilization tier to the fraction of available
// connections the coordinator may use, per §5's backpressure rule.
var PressureTable = map[string]float64{
	"low":      0.8,
	"moderate": 0.6,
	"high":     0.4,
	"critical": 0.2,
}

// Cancelled is consulted between batches (§5: "Task cancellation sets a
// flag read between batches"). A production implementation backs this with
// a row read or a shared atomic flag set by the cancel request handler.
type Cancelled func(ctx context.Context, taskID string) (bool, error)

// Coordinator runs execute_workflow for one task at a time. It holds no
// per-task state between calls: everything needed to resume is reloaded
// from the store, so any worker process can pick up any task.
type Coordinator struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	Registry   *registry.Registry
	IsCancelled Cancelled

	PerAttemptTimeout time.Duration
	BatchTimeout      time.Duration

	batchDuration metric.Float64Histogram
	stepFailures  metric.Int64Counter
	tracer        trace.Tracer
}

// New constructs a Coordinator wired to the given store, bus, and handler
// registry. meter may be nil in tests (NoopMeter equivalents are used).
func New(s *store.Store, bus *eventbus.Bus, reg *registry.Registry, isCancelled Cancelled, meter metric.Meter) *Coordinator {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("tasker-coordinator")
	}
	batchDuration, _ := meter.Float64Histogram("tasker_coordinator_batch_duration_ms")
	stepFailures, _ := meter.Int64Counter("tasker_coordinator_step_failures_total")
	return &Coordinator{
		Store:             s,
		Bus:               bus,
		Registry:          reg,
		IsCancelled:       isCancelled,
		PerAttemptTimeout: defaultPerAttemptTimeout,
		batchDuration:     batchDuration,
		stepFailures:      stepFailures,
		tracer:            otel.Tracer("tasker-coordinator"),
	}
}

// Outcome is what ExecuteWorkflow decided once its discover/execute loop
// stopped making progress, consumed by the finalizer (Component H).
type Outcome string

const (
	OutcomeProgressExhausted Outcome = "progress_exhausted" // ready steps ran dry; hand to finalizer
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeNoSteps           Outcome = "no_steps" // nothing left to discover at all
)

// ExecuteWorkflow is the single entry point described in §4.5: it loops
// discovering ready steps and executing them with bounded concurrency until
// no further progress is possible, then returns control to the finalizer.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, taskID string, maxConcurrent int) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute_workflow", trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	maxConcurrent = c.clampConcurrency(ctx, maxConcurrent)

	if err := c.ensureStarted(ctx, taskID); err != nil {
		return "", fmt.Errorf("ensure task started: %w", err)
	}

	for {
		if c.IsCancelled != nil {
			cancelled, err := c.IsCancelled(ctx, taskID)
			if err != nil {
				return "", fmt.Errorf("check cancellation: %w", err)
			}
			if cancelled {
				if _, err := c.Store.InsertTaskTransition(ctx, taskID, model.TaskInProgress, model.TaskCancelled, nil); err != nil {
					return "", fmt.Errorf("transition task to cancelled: %w", err)
				}
				c.Bus.Publish(statemachine.TaskEventName(model.TaskInProgress, model.TaskCancelled), eventbus.NewTaskPayload(taskID))
				return OutcomeCancelled, nil
			}
		}

		rows, err := c.Store.Readiness(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("readiness query: %w", err)
		}

		var ready []model.ReadinessRow
		for _, r := range rows {
			if r.ReadyForExecution {
				ready = append(ready, r)
			}
		}
		if len(ready) == 0 {
			if len(rows) == 0 {
				return OutcomeNoSteps, nil
			}
			return OutcomeProgressExhausted, nil
		}

		batch := ready
		if len(batch) > maxConcurrent {
			batch = batch[:maxConcurrent]
		}

		start := time.Now()
		c.executeBatch(ctx, taskID, batch, maxConcurrent)
		c.batchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}

// ensureStarted performs the pending->in_progress transition the first time
// a task reaches the coordinator. It is idempotent against repeated
// ExecuteWorkflow calls for the same task (e.g. a reenqueue after a
// progress_exhausted pass): once the task has moved past pending, it is a
// no-op. Unlike every other recorded transition, this edge does not publish
// a bus event — S1's scenario fixes the exact observable event sequence as
// task.start_requested immediately followed by step.execution_requested(A),
// with nothing in between, so the transition is bookkeeping (satisfying
// CurrentTaskState/finalizer's assumption that a task under active
// execution reads as in_progress) rather than an externally visible event.
func (c *Coordinator) ensureStarted(ctx context.Context, taskID string) error {
	state, err := c.Store.CurrentTaskState(ctx, taskID)
	if err != nil {
		return fmt.Errorf("read task state: %w", err)
	}
	if state != model.TaskPending {
		return nil
	}
	if _, err := c.Store.InsertTaskTransition(ctx, taskID, model.TaskPending, model.TaskInProgress, nil); err != nil {
		return fmt.Errorf("transition task to in_progress: %w", err)
	}
	return nil
}

// executeBatch claims and runs every step in batch with bounded parallelism,
// the same ready-channel + worker-pool shape as the teacher's executeDAG,
// but each worker now claims its own row via the store instead of reading
// from a single in-process channel of already-resolved dagNodes.
func (c *Coordinator) executeBatch(ctx context.Context, taskID string, batch []model.ReadinessRow, maxConcurrent int) {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, row := range batch {
		row := row
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.runStep(ctx, taskID, row.WorkflowStepID)
		}()
	}
	wg.Wait()
}

// runStep claims one step, invokes its handler outside any DB transaction,
// and writes back the result, per §4.5's three-phase contract.
func (c *Coordinator) runStep(ctx context.Context, taskID, stepID string) {
	// Claim directly first, outside withStorageRetry: §7 treats "Claim lost"
	// (another worker already won this row) as a distinct, expected outcome
	// from "Storage conflict" (a genuine connectivity/contention error), and
	// retrying the former 3x with 50ms backoff only adds latency and a
	// spurious observability.coordinator_storage_retry event to the common
	// contended-claim case.
	claimed, err := c.Store.ClaimStep(ctx, stepID)
	if err == store.ErrClaimLost {
		return // another worker won the race; drop silently (§7 "Claim lost")
	}
	if err != nil {
		claimed, err = withStorageRetry(ctx, c.Bus, taskID, func() (*model.WorkflowStep, error) {
			return c.Store.ClaimStep(ctx, stepID)
		})
	}
	if err != nil {
		if err == store.ErrClaimLost {
			return // race lost on a retried attempt; still silent (§7 "Claim lost")
		}
		slog.Error("claim step failed", append(logging.StepAttrs(taskID, stepID), "error", err)...)
		return
	}

	// ClaimStep's own attempts bump already happened, so attempts==1 means
	// this is the step's first claim (pending->in_progress); attempts>1
	// means a prior attempt errored out and this is a retry claim
	// (error->in_progress, "step.retry_requested" per §8 S2).
	fromState := model.StepPending
	if claimed.Attempts > 1 {
		fromState = model.StepError
	}
	c.Bus.Publish(statemachine.StepEventName(fromState, model.StepInProgress), eventbus.NewStepPayload(taskID, stepID))

	h, err := c.resolveHandler(ctx, claimed.NamedStepID)
	if err != nil {
		c.recordFailure(ctx, taskID, stepID, claimed, handler.NewPermanentError(err.Error()))
		return
	}

	upstream, err := c.Store.UpstreamResults(ctx, stepID)
	if err != nil {
		slog.Error("fetch upstream results failed", append(logging.StepAttrs(taskID, stepID), "error", err)...)
		upstream = map[string]json.RawMessage{}
	}

	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		c.recordFailure(ctx, taskID, stepID, claimed, handler.NewRetryableError(err.Error()))
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.PerAttemptTimeout)
	defer cancel()

	result, procErr := h.Process(attemptCtx, handler.Context{
		TaskID:          taskID,
		StepID:          stepID,
		TaskContext:     task.Context,
		StepConfig:      claimed.Inputs,
		UpstreamResults: upstream,
		Attempt:         claimed.Attempts,
	})

	if attemptCtx.Err() != nil && procErr == nil {
		procErr = handler.NewRetryableError("timeout")
	}

	if procErr != nil {
		c.recordFailure(ctx, taskID, stepID, claimed, classifyError(procErr))
		return
	}

	if _, err := withStorageRetry(ctx, c.Bus, taskID, func() (struct{}, error) {
		return struct{}{}, c.Store.WriteStepSuccess(ctx, stepID, result.Output)
	}); err != nil {
		slog.Error("write step success failed", append(logging.AttemptAttrs(taskID, stepID, claimed.Attempts), "error", err)...)
		return
	}
	c.Bus.Publish(statemachine.StepEventName(model.StepInProgress, model.StepComplete), eventbus.NewStepPayload(taskID, stepID))
}

// classifyError maps any error a handler returns onto the Retryable/
// Permanent taxonomy; an unclassified error defaults to Retryable (§4.4).
func classifyError(err error) error {
	switch err.(type) {
	case *handler.RetryableError, *handler.PermanentError:
		return err
	default:
		return handler.NewRetryableError(err.Error())
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, taskID, stepID string, step *model.WorkflowStep, err error) {
	c.stepFailures.Add(ctx, 1)
	errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})

	var backoffSeconds *int
	forceExhausted := false
	switch e := err.(type) {
	case *handler.RetryableError:
		backoffSeconds = e.BackoffRequest
	case *handler.PermanentError:
		forceExhausted = true
	}

	if _, werr := withStorageRetry(ctx, c.Bus, taskID, func() (struct{}, error) {
		return struct{}{}, c.Store.WriteStepFailure(ctx, stepID, errJSON, backoffSeconds, forceExhausted)
	}); werr != nil {
		slog.Error("write step failure failed", append(logging.AttemptAttrs(taskID, stepID, step.Attempts), "error", werr)...)
		return
	}
	c.Bus.Publish(statemachine.StepEventName(model.StepInProgress, model.StepError), eventbus.NewFailurePayload(taskID, stepID, err.Error(), fmt.Sprintf("%T", err), "", step.Attempts))

	if forceExhausted || step.Attempts >= step.RetryLimit {
		c.Bus.Publish("step.max_retries_reached", eventbus.NewStepPayload(taskID, stepID))
	}
}

func (c *Coordinator) resolveHandler(ctx context.Context, namedStepID string) (handler.Handler, error) {
	class, err := c.Store.NamedStepHandlerClass(ctx, namedStepID)
	if err != nil {
		return nil, fmt.Errorf("resolve handler class: %w", err)
	}
	h, err := c.Registry.Lookup(registry.ParseKey(class))
	if err != nil {
		return nil, err
	}
	return h, nil
}

// withStorageRetry implements §7's "Storage conflict" policy: up to 3 tries
// (2 retries) 50ms apart, then surfaced to the caller. It wraps
// cenkalti/backoff/v4's constant-interval policy capped at 3 tries. Methods
// cannot carry their own type parameters in Go, so this is a free function
// taking the bus to publish a retry-observability event rather than a
// Coordinator method.
func withStorageRetry[T any](ctx context.Context, bus *eventbus.Bus, taskID string, fn func() (T, error)) (T, error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 2)
	var zero, result T
	err := backoff.RetryNotify(func() error {
		v, err := fn()
		if err == nil {
			result = v
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, _ time.Duration) {
		bus.Publish("observability.coordinator_storage_retry", eventbus.NewTaskPayload(taskID))
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (c *Coordinator) clampConcurrency(ctx context.Context, requested int) int {
	if requested < MinConcurrent {
		requested = DefaultConcurrent
	}
	stats := c.Store.Stats()
	if stats.MaxOpenConnections == 0 {
		return clamp(requested, MinConcurrent, MaxConcurrentCap)
	}
	available := float64(stats.MaxOpenConnections - stats.InUse)
	utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)

	tier := "low"
	switch {
	case utilization >= 0.9:
		tier = "critical"
	case utilization >= 0.75:
		tier = "high"
	case utilization >= 0.5:
		tier = "moderate"
	}
	allowed := int(available * PressureTable[tier])
	maxAllowed := int(float64(stats.MaxOpenConnections) * 0.6) // never exceed 60% of the pool
	if allowed > maxAllowed {
		allowed = maxAllowed
	}
	if allowed < requested {
		requested = allowed
	}
	return clamp(requested, MinConcurrent, MaxConcurrentCap)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
