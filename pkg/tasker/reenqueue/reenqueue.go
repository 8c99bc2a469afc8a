// Package reenqueue is the production Reenqueuer (§4.7, §4.5 "strategy
// injection"): a Postgres-backed schedule plus a cron-driven poll loop that
// claims due rows and re-runs the coordinator/finalizer pair for their task,
// adapted from the teacher's services/orchestrator/scheduler.go Scheduler —
// same cron.New(cron.WithSeconds()) driver, same Start/Stop signal shape,
// same slog-at-each-transition logging, generalized from "run a named
// workflow on a cron expression" to "poll a due-work table on a fixed tick".
package reenqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

// defaultPollSpec polls every 5 seconds, quick enough that a step whose
// backoff just expired isn't left waiting much past its eligible-at time.
const defaultPollSpec = "@every 5s"

// defaultClaimBatch bounds how many due rows one poll tick dispatches, so a
// backlog doesn't spike the coordinator's concurrent task count.
const defaultClaimBatch = 50

// Dispatcher re-runs the coordinator/finalizer pair for one task. Kept as an
// interface so the poller doesn't import the coordinator or finalizer
// packages directly — it only needs "make this task make progress again".
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// TaskCreator starts a new task from a named template, the hook the cron
// task-creator below calls on each firing (e.g. a nightly reconciliation
// workflow). Left as an interface for the same reason as Dispatcher: the
// template-resolution and task-creation request handling lives elsewhere.
type TaskCreator interface {
	CreateTask(ctx context.Context, namedTaskID string, taskContext json.RawMessage) (taskID string, err error)
}

// Scheduler is the Postgres-backed Reenqueuer: Schedule persists a due row,
// and Start polls for due rows (PollOnce) on a cron tick and hands each to dispatch.
type Scheduler struct {
	store      *store.Store
	bus        *eventbus.Bus
	dispatch   Dispatcher
	cron       *cron.Cron
	pollSpec   string
	claimBatch int

	pollRuns   metric.Int64Counter
	pollFails  metric.Int64Counter
	dispatched metric.Int64Counter
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithPollSpec overrides the default "@every 5s" poll cadence.
func WithPollSpec(spec string) Option {
	return func(s *Scheduler) { s.pollSpec = spec }
}

// WithClaimBatch overrides how many due rows one poll tick claims.
func WithClaimBatch(n int) Option {
	return func(s *Scheduler) { s.claimBatch = n }
}

// New constructs a Scheduler. meter may be nil, in which case a no-op global
// meter is used (safe in tests that don't care about metrics).
func New(st *store.Store, bus *eventbus.Bus, dispatch Dispatcher, meter metric.Meter, opts ...Option) *Scheduler {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("tasker-reenqueue")
	}
	pollRuns, _ := meter.Int64Counter("tasker_reenqueue_poll_runs_total")
	pollFails, _ := meter.Int64Counter("tasker_reenqueue_poll_failures_total")
	dispatched, _ := meter.Int64Counter("tasker_reenqueue_dispatched_total")

	s := &Scheduler{
		store:      st,
		bus:        bus,
		dispatch:   dispatch,
		cron:       cron.New(cron.WithSeconds()),
		pollSpec:   defaultPollSpec,
		claimBatch: defaultClaimBatch,
		pollRuns:   pollRuns,
		pollFails:  pollFails,
		dispatched: dispatched,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule implements finalizer.Reenqueuer: it persists a due row for the
// given task at the given wall-clock time. The poll loop picks it up on its
// next tick; no in-process timer is kept, so Schedule survives a restart of
// this process between now and at.
func (s *Scheduler) Schedule(ctx context.Context, taskID string, at time.Time, reason string) error {
	return s.store.InsertReenqueue(ctx, taskID, at, reason)
}

// Start begins the cron-driven poll loop. It returns once cron.AddFunc has
// registered the poll tick; the tick itself runs on cron's own goroutine.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.pollSpec, s.PollOnce); err != nil {
		return fmt.Errorf("register reenqueue poll: %w", err)
	}
	s.cron.Start()
	slog.Info("reenqueue scheduler started", "poll_spec", s.pollSpec, "claim_batch", s.claimBatch)
	return nil
}

// Stop gracefully stops the poll loop, waiting for any in-flight tick to
// finish or ctx to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("reenqueue scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("reenqueue scheduler stop timed out")
		return ctx.Err()
	}
}

// PollOnce claims every currently-due row and dispatches each task. Errors
// dispatching one task don't stop the others in the batch: a stuck task
// shouldn't starve its siblings of their own re-enqueue. Exported so tests
// can drive a single tick deterministically instead of waiting on cron.
func (s *Scheduler) PollOnce() {
	ctx := context.Background()
	s.pollRuns.Add(ctx, 1)

	due, err := s.store.ClaimDueReenqueues(ctx, time.Now(), s.claimBatch)
	if err != nil {
		slog.Error("claim due reenqueues failed", "error", err)
		s.pollFails.Add(ctx, 1)
		return
	}

	for _, row := range due {
		if err := s.dispatch.Dispatch(ctx, row.TaskID); err != nil {
			slog.Error("reenqueue dispatch failed",
				"task_id", row.TaskID, "reason", row.Reason, "error", err)
			s.pollFails.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", row.TaskID)))
			continue
		}
		s.dispatched.Add(ctx, 1)
		s.bus.Publish("workflow.task_reenqueue_dispatched", eventbus.NewTaskPayload(row.TaskID))
	}
}

// TaskCronEntry binds a named task template to a cron expression, for
// recurring task creation (e.g. nightly reconciliation workflows) rather
// than re-running an existing task.
type TaskCronEntry struct {
	NamedTaskID string
	CronExpr    string
	Context     json.RawMessage
}

// TaskCron drives recurring task creation off a cron schedule, adapted from
// the teacher's AddSchedule(cronExpr) path generalized from "execute this
// workflow" to "create a new task from this template".
type TaskCron struct {
	creator TaskCreator
	cron    *cron.Cron
	bus     *eventbus.Bus

	runs  metric.Int64Counter
	fails metric.Int64Counter
}

// NewTaskCron constructs a TaskCron. meter may be nil.
func NewTaskCron(creator TaskCreator, bus *eventbus.Bus, meter metric.Meter) *TaskCron {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("tasker-reenqueue")
	}
	runs, _ := meter.Int64Counter("tasker_task_cron_runs_total")
	fails, _ := meter.Int64Counter("tasker_task_cron_failures_total")
	return &TaskCron{
		creator: creator,
		cron:    cron.New(cron.WithSeconds()),
		bus:     bus,
		runs:    runs,
		fails:   fails,
	}
}

// AddEntry registers a recurring task-creation schedule.
func (tc *TaskCron) AddEntry(entry TaskCronEntry) (cron.EntryID, error) {
	return tc.cron.AddFunc(entry.CronExpr, func() {
		tc.fire(entry)
	})
}

// Start begins running every registered cron entry.
func (tc *TaskCron) Start() {
	tc.cron.Start()
	slog.Info("task cron started")
}

// Stop gracefully stops all cron entries.
func (tc *TaskCron) Stop(ctx context.Context) error {
	stopCtx := tc.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tc *TaskCron) fire(entry TaskCronEntry) {
	ctx := context.Background()
	tc.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("named_task_id", entry.NamedTaskID)))

	taskID, err := tc.creator.CreateTask(ctx, entry.NamedTaskID, entry.Context)
	if err != nil {
		slog.Error("cron task creation failed", "named_task_id", entry.NamedTaskID, "error", err)
		tc.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("named_task_id", entry.NamedTaskID)))
		return
	}
	slog.Info("cron task created", "named_task_id", entry.NamedTaskID, "task_id", taskID)
	tc.bus.Publish("workflow.cron_task_created", eventbus.NewTaskPayload(taskID))
}
