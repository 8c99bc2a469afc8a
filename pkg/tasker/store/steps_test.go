package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store steps", func() {
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

	Describe("ClaimStep", func() {
		It("returns ErrClaimLost when the row is already locked by another worker", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT workflow_step_id").WillReturnError(sql.ErrNoRows)
			mock.ExpectRollback()

			_, err := st.ClaimStep(ctx, "s1")
			Expect(err).To(Equal(ErrClaimLost))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("returns ErrClaimLost when the step is already in_process", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{
				"workflow_step_id", "task_id", "named_step_id", "name", "retryable", "retry_limit",
				"attempts", "in_process", "processed", "processed_at", "last_attempted_at",
				"backoff_request_seconds", "results", "inputs", "created_at", "updated_at",
			}).AddRow("s1", "t1", "ns1", "A", true, 3, 1, true, false, nil, nil, nil, nil, nil, now, now)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT workflow_step_id").WillReturnRows(rows)
			mock.ExpectRollback()

			_, err := st.ClaimStep(ctx, "s1")
			Expect(err).To(Equal(ErrClaimLost))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("claims an eligible pending step", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{
				"workflow_step_id", "task_id", "named_step_id", "name", "retryable", "retry_limit",
				"attempts", "in_process", "processed", "processed_at", "last_attempted_at",
				"backoff_request_seconds", "results", "inputs", "created_at", "updated_at",
			}).AddRow("s1", "t1", "ns1", "A", true, 3, 0, false, false, nil, nil, nil, nil, nil, now, now)

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT workflow_step_id").WillReturnRows(rows)
			mock.ExpectQuery("SELECT to_state FROM workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"to_state"}).AddRow("pending"))
			mock.ExpectExec("UPDATE workflow_step").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT sort_key FROM workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow(int64(1)))
			mock.ExpectExec("UPDATE workflow_step_transition SET most_recent = FALSE").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("INSERT INTO workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sort_key", "created_at"}).AddRow(int64(2), int64(2), now))
			mock.ExpectCommit()

			claimed, err := st.ClaimStep(ctx, "s1")
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed.Attempts).To(Equal(1))
			Expect(claimed.InProcess).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("WriteStepSuccess", func() {
		It("writes results and records the complete transition", func() {
			now := time.Now()
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE workflow_step").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT sort_key FROM workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow(int64(2)))
			mock.ExpectExec("UPDATE workflow_step_transition SET most_recent = FALSE").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("INSERT INTO workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sort_key", "created_at"}).AddRow(int64(3), int64(3), now))
			mock.ExpectCommit()

			err := st.WriteStepSuccess(ctx, "s1", []byte(`{"ok":true}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("WriteStepFailure", func() {
		It("forces attempts to retry_limit on a permanent error", func() {
			now := time.Now()
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE workflow_step SET attempts = retry_limit").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT sort_key FROM workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"sort_key"}).AddRow(int64(2)))
			mock.ExpectExec("UPDATE workflow_step_transition SET most_recent = FALSE").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("INSERT INTO workflow_step_transition").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sort_key", "created_at"}).AddRow(int64(3), int64(3), now))
			mock.ExpectCommit()

			err := st.WriteStepFailure(ctx, "s1", []byte(`{"error":"bad input"}`), nil, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("EdgesForTask", func() {
		It("returns every dependency edge among the task's steps", func() {
			mock.ExpectQuery("SELECT e.from_step_id, e.to_step_id, e.name").
				WillReturnRows(sqlmock.NewRows([]string{"from_step_id", "to_step_id", "name"}).
					AddRow("s1", "s2", "").
					AddRow("s2", "s3", "on_success"))

			edges, err := st.EdgesForTask(ctx, "t1")
			Expect(err).ToNot(HaveOccurred())
			Expect(edges).To(HaveLen(2))
			Expect(edges[1].Name).To(Equal("on_success"))
		})
	})
})
