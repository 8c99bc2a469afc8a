package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// InsertReenqueue records a finalizer hand-off: "run execute_workflow(task)
// again no earlier than at, because reason."
func (s *Store) InsertReenqueue(ctx context.Context, taskID string, at time.Time, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_reenqueue (task_id, scheduled_at, reason, claimed, created_at)
		VALUES ($1,$2,$3,FALSE,now())`, taskID, at, reason)
	if err != nil {
		return fmt.Errorf("insert reenqueue: %w", err)
	}
	return nil
}

// ClaimDueReenqueues row-locks and marks claimed every unclaimed row whose
// scheduled_at has passed, up to limit, returning them for dispatch. Mirrors
// the claim-then-execute-outside-the-transaction shape the coordinator uses
// for steps (§5): the UPDATE...RETURNING happens inside one transaction, the
// actual re-enqueue dispatch happens after it commits.
func (s *Store) ClaimDueReenqueues(ctx context.Context, now time.Time, limit int) ([]model.TaskReenqueue, error) {
	var out []model.TaskReenqueue
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, scheduled_at, reason, created_at
			FROM task_reenqueue
			WHERE claimed = FALSE AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return fmt.Errorf("select due reenqueues: %w", err)
		}
		defer rows.Close()

		var ids []int64
		for rows.Next() {
			var r model.TaskReenqueue
			if err := rows.Scan(&r.ID, &r.TaskID, &r.ScheduledAt, &r.Reason, &r.CreatedAt); err != nil {
				return fmt.Errorf("scan reenqueue row: %w", err)
			}
			r.Claimed = true
			out = append(out, r)
			ids = append(ids, r.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE task_reenqueue SET claimed = TRUE WHERE id = $1`, id); err != nil {
				return fmt.Errorf("claim reenqueue %d: %w", id, err)
			}
		}
		return nil
	})
	return out, err
}
