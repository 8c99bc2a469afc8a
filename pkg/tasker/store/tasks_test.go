package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

var _ = Describe("Store tasks", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		st     *Store
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		st = New(mockDB)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("FindTaskByIdentityHash", func() {
		It("returns ErrNotFound when no row is returned", func() {
			mock.ExpectQuery("SELECT task_id").WillReturnError(sql.ErrNoRows)
			_, err := st.FindTaskByIdentityHash(ctx, "abc123", time.Hour)
			Expect(err).To(Equal(ErrNotFound))
		})

		It("returns the most recent matching task", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{
				"task_id", "named_task_id", "context", "identity_hash", "initiator",
				"source_system", "reason", "tags", "complete", "created_at", "updated_at",
			}).AddRow("t1", "nt1", []byte(`{}`), "abc123", "api", "checkout", "", "{}", false, now, now)
			mock.ExpectQuery("SELECT task_id").WillReturnRows(rows)

			task, err := st.FindTaskByIdentityHash(ctx, "abc123", time.Hour)
			Expect(err).ToNot(HaveOccurred())
			Expect(task.TaskID).To(Equal("t1"))
			Expect(task.IdentityHash).To(Equal("abc123"))
		})
	})

	Describe("CreateTask", func() {
		It("inserts a task row", func() {
			now := time.Now()
			mock.ExpectExec("INSERT INTO task").WillReturnResult(sqlmock.NewResult(1, 1))

			err := st.CreateTask(ctx, model.Task{
				TaskID: "t1", NamedTaskID: "nt1", Context: []byte(`{}`),
				IdentityHash: "abc123", CreatedAt: now, UpdatedAt: now,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("InsertTaskTransition", func() {
		It("demotes the prior most_recent row then inserts the new one", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT sort_key FROM task_transition").
				WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow(int64(1)))
			mock.ExpectExec("UPDATE task_transition SET most_recent = FALSE").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("INSERT INTO task_transition").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sort_key", "created_at"}).
					AddRow(int64(2), int64(2), time.Now()))
			mock.ExpectCommit()

			tr, err := st.InsertTaskTransition(ctx, "t1", model.TaskPending, model.TaskInProgress, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(tr.SortKey).To(Equal(int64(2)))
			Expect(tr.MostRecent).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("rolls back when the insert fails", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT sort_key FROM task_transition").
				WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow(int64(1)))
			mock.ExpectExec("UPDATE task_transition SET most_recent = FALSE").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("INSERT INTO task_transition").WillReturnError(sql.ErrConnDone)
			mock.ExpectRollback()

			_, err := st.InsertTaskTransition(ctx, "t1", model.TaskPending, model.TaskInProgress, nil)
			Expect(err).To(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("CurrentTaskState", func() {
		It("returns the most_recent transition's to_state", func() {
			mock.ExpectQuery("SELECT to_state FROM task_transition").
				WillReturnRows(sqlmock.NewRows([]string{"to_state"}).AddRow("in_progress"))

			state, err := st.CurrentTaskState(ctx, "t1")
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(model.TaskInProgress))
		})

		It("returns ErrNotFound when the task has no transitions", func() {
			mock.ExpectQuery("SELECT to_state FROM task_transition").WillReturnError(sql.ErrNoRows)

			_, err := st.CurrentTaskState(ctx, "missing")
			Expect(err).To(Equal(ErrNotFound))
		})
	})
})
