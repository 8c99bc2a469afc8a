package reenqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, taskID)
	return nil
}

type fakeCreator struct {
	calls int
	next  string
	err   error
}

func (f *fakeCreator) CreateTask(ctx context.Context, namedTaskID string, taskContext json.RawMessage) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.next, nil
}

func newTestScheduler(t *testing.T, dispatch Dispatcher) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(store.New(db), eventbus.New(), dispatch, nil)
	return s, mock
}

func TestScheduleInsertsReenqueueRow(t *testing.T) {
	s, mock := newTestScheduler(t, &fakeDispatcher{})
	mock.ExpectExec("INSERT INTO task_reenqueue").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Schedule(context.Background(), "t1", time.Now().Add(time.Minute), "awaiting_retry"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPollOnceDispatchesDueRows(t *testing.T) {
	disp := &fakeDispatcher{}
	s, mock := newTestScheduler(t, disp)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "scheduled_at", "reason", "created_at"}).
			AddRow(int64(1), "t1", now, "awaiting_retry", now).
			AddRow(int64(2), "t2", now, "awaiting_work", now))
	mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.PollOnce()

	if len(disp.dispatched) != 2 {
		t.Fatalf("expected 2 tasks dispatched, got %v", disp.dispatched)
	}
}

func TestPollOnceContinuesPastOneDispatchFailure(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("handler unavailable")}
	s, mock := newTestScheduler(t, disp)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "scheduled_at", "reason", "created_at"}).
			AddRow(int64(1), "t1", now, "awaiting_retry", now))
	mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s.PollOnce() // must not panic despite the dispatcher erroring
	if len(disp.dispatched) != 0 {
		t.Fatalf("expected no successful dispatches, got %v", disp.dispatched)
	}
}

func TestPollOnceHandlesClaimError(t *testing.T) {
	s, mock := newTestScheduler(t, &fakeDispatcher{})
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	s.PollOnce() // must not panic on a claim failure
}

func TestTaskCronFiresCreator(t *testing.T) {
	creator := &fakeCreator{next: "t-new"}
	tc := NewTaskCron(creator, eventbus.New(), nil)

	tc.fire(TaskCronEntry{NamedTaskID: "nightly-reconcile", CronExpr: "@every 1h", Context: []byte(`{}`)})

	if creator.calls != 1 {
		t.Fatalf("expected the creator to be called once, got %d", creator.calls)
	}
}

func TestTaskCronSurvivesCreatorError(t *testing.T) {
	creator := &fakeCreator{err: errors.New("template not found")}
	tc := NewTaskCron(creator, eventbus.New(), nil)

	tc.fire(TaskCronEntry{NamedTaskID: "nightly-reconcile", CronExpr: "@every 1h"})

	if creator.calls != 1 {
		t.Fatalf("expected the creator to still be called once, got %d", creator.calls)
	}
}
