package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store reenqueue", func() {
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

	Describe("InsertReenqueue", func() {
		It("inserts an unclaimed row", func() {
			mock.ExpectExec("INSERT INTO task_reenqueue").
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := st.InsertReenqueue(ctx, "t1", time.Now().Add(time.Minute), "awaiting_retry")
			Expect(err).ToNot(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("ClaimDueReenqueues", func() {
		It("claims and returns due rows within one transaction", func() {
			now := time.Now()
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
				WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "scheduled_at", "reason", "created_at"}).
					AddRow(int64(1), "t1", now, "awaiting_retry", now).
					AddRow(int64(2), "t2", now, "awaiting_work", now))
			mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE WHERE id = \\$1").
				WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE WHERE id = \\$1").
				WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			rows, err := st.ClaimDueReenqueues(ctx, now, 50)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].TaskID).To(Equal("t1"))
			Expect(rows[0].Claimed).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("rolls back when claiming a row fails", func() {
			now := time.Now()
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
				WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "scheduled_at", "reason", "created_at"}).
					AddRow(int64(1), "t1", now, "awaiting_retry", now))
			mock.ExpectExec("UPDATE task_reenqueue SET claimed = TRUE WHERE id = \\$1").
				WithArgs(int64(1)).WillReturnError(sql.ErrConnDone)
			mock.ExpectRollback()

			_, err := st.ClaimDueReenqueues(ctx, now, 50)
			Expect(err).To(HaveOccurred())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("returns no rows when nothing is due", func() {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id, task_id, scheduled_at, reason, created_at").
				WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "scheduled_at", "reason", "created_at"}))
			mock.ExpectCommit()

			rows, err := st.ClaimDueReenqueues(ctx, time.Now(), 50)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(BeEmpty())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
