package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("store: not found")

// FindTaskByIdentityHash implements the §4.9 dedup lookup: within window,
// the most recently created task sharing hash is returned, else ErrNotFound.
func (s *Store) FindTaskByIdentityHash(ctx context.Context, hash string, window time.Duration) (*model.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, named_task_id, context, identity_hash, initiator, source_system,
		       reason, tags, complete, created_at, updated_at
		FROM task
		WHERE identity_hash = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, hash, time.Now().Add(-window))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// CreateTask inserts a new task row in its initial (pre-transition) state.
// The caller must separately record the ∅->pending transition via
// InsertTaskTransition in the same logical operation.
func (s *Store) CreateTask(ctx context.Context, t model.Task) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task (task_id, named_task_id, context, identity_hash, initiator,
		                   source_system, reason, tags, complete, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.TaskID, t.NamedTaskID, t.Context, t.IdentityHash, t.Initiator,
		t.SourceSystem, t.Reason, pq.Array(t.Tags), t.Complete, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, named_task_id, context, identity_hash, initiator, source_system,
		       reason, tags, complete, created_at, updated_at
		FROM task WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// MarkTaskComplete sets the complete cache flag (kept denormalized per §3's
// "complete (boolean cache of terminal state)" so readers avoid joining the
// transition log for the common case).
func (s *Store) MarkTaskComplete(ctx context.Context, taskID string, complete bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE task SET complete = $2, updated_at = now() WHERE task_id = $1`, taskID, complete)
	if err != nil {
		return fmt.Errorf("mark task complete: %w", err)
	}
	return nil
}

// CurrentTaskState reads the most_recent task_transition row's to_state,
// the cancellation check a Coordinator.Cancelled implementation consults
// between batches (§5).
func (s *Store) CurrentTaskState(ctx context.Context, taskID string) (model.TaskState, error) {
	var state string
	err := s.DB.QueryRowContext(ctx, `
		SELECT to_state FROM task_transition WHERE task_id = $1 AND most_recent`, taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("current task state: %w", err)
	}
	return model.TaskState(state), nil
}

func scanTask(row *sql.Row) (*model.Task, error) {
	var t model.Task
	var tags pq.StringArray
	if err := row.Scan(&t.TaskID, &t.NamedTaskID, &t.Context, &t.IdentityHash, &t.Initiator,
		&t.SourceSystem, &t.Reason, &tags, &t.Complete, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Tags = tags
	return &t, nil
}

// InsertTaskTransition performs the demote-then-insert transition log write
// described in §3 and §5: the prior most_recent row (if any) is demoted and
// the new row inserted with most_recent=true, in one transaction, with a
// strictly increasing sort_key.
func (s *Store) InsertTaskTransition(ctx context.Context, taskID string, from, to model.TaskState, metadata []byte) (model.TaskTransition, error) {
	var out model.TaskTransition
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		var priorSortKey int64
		err := tx.QueryRowContext(ctx, `
			SELECT sort_key FROM task_transition WHERE task_id = $1 AND most_recent FOR UPDATE`, taskID).Scan(&priorSortKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock prior transition: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE task_transition SET most_recent = FALSE WHERE task_id = $1 AND most_recent`, taskID); err != nil {
			return fmt.Errorf("demote prior transition: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO task_transition (task_id, from_state, to_state, metadata, sort_key, most_recent, created_at)
			VALUES ($1,$2,$3,$4,$5,TRUE,now())
			RETURNING id, sort_key, created_at`,
			taskID, string(from), string(to), metadata, priorSortKey+1)
		return row.Scan(&out.ID, &out.SortKey, &out.CreatedAt)
	})
	out.TaskID = taskID
	out.FromState = from
	out.ToState = to
	out.Metadata = metadata
	out.MostRecent = true
	return out, err
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
