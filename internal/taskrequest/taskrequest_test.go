package taskrequest

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/store"
	"github.com/swarmguard/tasker/pkg/tasker/templatecache"
)

func newTestService(t *testing.T, nt model.NamedTask) (*Service, sqlmock.Sqlmock, *store.Store) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	st := store.New(mockDB)

	cache, err := templatecache.Open(filepath.Join(t.TempDir(), "templates.db"), st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	require.NoError(t, cache.Put(context.Background(), nt))

	bus := eventbus.New()
	return New(st, cache, bus), mock, st
}

func sampleNamedTask() model.NamedTask {
	return model.NamedTask{
		NamedTaskID:   "nt-1",
		Name:          "onboard_customer",
		Namespace:     "default",
		Version:       "1.0.0",
		ContextSchema: json.RawMessage(`{"type":"object","required":["customer_id"],"properties":{"customer_id":{"type":"string"}}}`),
		Steps: []model.NamedStep{
			{NamedStepID: "ns-1", NamedTaskID: "nt-1", Name: "fetch_account"},
			{NamedStepID: "ns-2", NamedTaskID: "nt-1", Name: "provision", DependsOnStep: []string{"fetch_account"}},
		},
	}
}

func TestCreateTaskRejectsInvalidContext(t *testing.T) {
	svc, _, _ := newTestService(t, sampleNamedTask())
	_, err := svc.CreateTask(context.Background(), Request{
		NamedTaskID: "nt-1",
		Context:     json.RawMessage(`{}`),
	})
	require.Error(t, err)
	var schemaErr *ErrSchemaValidation
	require.ErrorAs(t, err, &schemaErr)
}

func TestCreateTaskInstantiatesTaskAndSteps(t *testing.T) {
	svc, mock, _ := newTestService(t, sampleNamedTask())

	mock.ExpectQuery("SELECT task_id").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO task").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sort_key FROM task_transition").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("UPDATE task_transition SET most_recent").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO task_transition").WillReturnRows(
		sqlmock.NewRows([]string{"id", "sort_key", "created_at"}).AddRow(1, 1, time.Now()))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_step").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transition").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_transition").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO workflow_step_edge").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.CreateTask(context.Background(), Request{
		NamedTaskID: "nt-1",
		Context:     json.RawMessage(`{"customer_id":"cust-42"}`),
		Initiator:   "user-1",
	})
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.NotEmpty(t, result.TaskID)
	require.NotEmpty(t, result.IdentityHash)
}

func TestCreateTaskReturnsDuplicateWithinDedupWindow(t *testing.T) {
	svc, mock, _ := newTestService(t, sampleNamedTask())

	mock.ExpectQuery("SELECT task_id").WillReturnRows(
		sqlmock.NewRows([]string{
			"task_id", "named_task_id", "context", "identity_hash", "initiator", "source_system",
			"reason", "tags", "complete", "created_at", "updated_at",
		}).AddRow("existing-task", "nt-1", []byte(`{"customer_id":"cust-42"}`), "hash-1", "user-1", "", "", pq(nil), false, time.Now(), time.Now()))

	result, err := svc.CreateTask(context.Background(), Request{
		NamedTaskID: "nt-1",
		Context:     json.RawMessage(`{"customer_id":"cust-42"}`),
		Initiator:   "user-1",
	})
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, "existing-task", result.TaskID)
}

// pq mirrors how the store scans a NULL/empty text[] tags column; the mock
// driver needs a concrete value rather than a nil slice literal.
func pq(v []string) interface{} {
	if v == nil {
		return "{}"
	}
	return v
}
