package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// These cases correspond to the server-requested-backoff scenario (S4): a
// step that failed with a server-requested delay is not retry_eligible
// until that delay elapses, and is eligible immediately when the delay is
// zero.
var _ = Describe("Readiness", func() {
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

	readinessColumns := []string{
		"workflow_step_id", "task_id", "name", "current_state",
		"total_parents", "completed_parents", "attempts", "retry_limit",
		"last_attempted_at", "backoff_request_seconds",
	}

	It("reports retry_eligible=false before a server-requested backoff elapses", func() {
		lastAttempt := time.Now().Add(-1 * time.Second)
		backoffSeconds := 2
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s1", "t1", "A", "error", 0, 0, 1, 3, lastAttempt, backoffSeconds))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].RetryEligible).To(BeFalse())
		Expect(rows[0].ReadyForExecution).To(BeFalse())
	})

	It("reports retry_eligible=true once the server-requested backoff has elapsed", func() {
		lastAttempt := time.Now().Add(-3 * time.Second)
		backoffSeconds := 2
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s1", "t1", "A", "error", 0, 0, 1, 3, lastAttempt, backoffSeconds))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].RetryEligible).To(BeTrue())
		Expect(rows[0].ReadyForExecution).To(BeTrue())
	})

	It("treats a server-requested backoff of zero as immediately eligible", func() {
		lastAttempt := time.Now()
		backoffSeconds := 0
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s1", "t1", "A", "error", 0, 0, 1, 3, lastAttempt, backoffSeconds))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows[0].RetryEligible).To(BeTrue())
	})

	It("never reports a step with unsatisfied dependencies as ready, regardless of retry eligibility", func() {
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s2", "t1", "B", "pending", 1, 0, 0, 3, nil, nil))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows[0].DependenciesSatisfied).To(BeFalse())
		Expect(rows[0].ReadyForExecution).To(BeFalse())
	})

	It("always reports a root step (no parents) as dependencies_satisfied", func() {
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s1", "t1", "A", "pending", 0, 0, 0, 3, nil, nil))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows[0].DependenciesSatisfied).To(BeTrue())
		Expect(rows[0].ReadyForExecution).To(BeTrue())
	})

	It("never reports a step at its retry limit as retry_eligible, even with dependencies satisfied", func() {
		lastAttempt := time.Now().Add(-time.Hour)
		mock.ExpectQuery("SELECT s.workflow_step_id").
			WillReturnRows(sqlmock.NewRows(readinessColumns).
				AddRow("s1", "t1", "A", "error", 0, 0, 3, 3, lastAttempt, nil))

		rows, err := st.Readiness(ctx, "t1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows[0].RetryEligible).To(BeFalse())
		Expect(rows[0].ReadyForExecution).To(BeFalse())
	})
})
