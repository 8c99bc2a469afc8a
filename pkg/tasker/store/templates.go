package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// GetNamedTask loads one task template by ID, including its ordered step
// templates and their declared dependency edges (as NamedStep.DependsOnStep
// name lists), for templatecache to warm on miss.
func (s *Store) GetNamedTask(ctx context.Context, namedTaskID string) (*model.NamedTask, error) {
	var nt model.NamedTask
	row := s.DB.QueryRowContext(ctx, `
		SELECT named_task_id, name, namespace, version, context_schema
		FROM named_task WHERE named_task_id = $1`, namedTaskID)
	if err := row.Scan(&nt.NamedTaskID, &nt.Name, &nt.Namespace, &nt.Version, &nt.ContextSchema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get named task: %w", err)
	}

	steps, err := s.namedStepsForTask(ctx, namedTaskID)
	if err != nil {
		return nil, err
	}
	nt.Steps = steps
	return &nt, nil
}

// ListNamedTasks loads every task template, used to fully warm the cache at
// boot (templatecache.Warm).
func (s *Store) ListNamedTasks(ctx context.Context) ([]model.NamedTask, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT named_task_id FROM named_task`)
	if err != nil {
		return nil, fmt.Errorf("list named tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan named task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]model.NamedTask, 0, len(ids))
	for _, id := range ids {
		nt, err := s.GetNamedTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *nt)
	}
	return out, nil
}

func (s *Store) namedStepsForTask(ctx context.Context, namedTaskID string) ([]model.NamedStep, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT named_step_id, named_task_id, name, handler_class, default_retryable, default_retry_limit
		FROM named_step WHERE named_task_id = $1 ORDER BY name`, namedTaskID)
	if err != nil {
		return nil, fmt.Errorf("list named steps: %w", err)
	}
	defer rows.Close()

	var steps []model.NamedStep
	for rows.Next() {
		var st model.NamedStep
		if err := rows.Scan(&st.NamedStepID, &st.NamedTaskID, &st.Name, &st.HandlerClass, &st.DefaultRetry, &st.DefaultLimit); err != nil {
			return nil, fmt.Errorf("scan named step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range steps {
		deps, err := s.dependsOnNames(ctx, steps[i].NamedStepID)
		if err != nil {
			return nil, err
		}
		steps[i].DependsOnStep = deps
	}
	return steps, nil
}

// dependsOnNames is a placeholder join over a named-step dependency table;
// the current schema declares dependencies only at the instance level
// (workflow_step_edge), so a named-task's template dependencies are derived
// from the distinct parent step names across every instantiated task
// sharing it. A future migration
// may add a named_step_edge table to make this authoritative without an
// instance to inspect.
func (s *Store) dependsOnNames(ctx context.Context, namedStepID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT parent.name
		FROM workflow_step child
		JOIN workflow_step_edge e ON e.to_step_id = child.workflow_step_id
		JOIN workflow_step parent ON parent.workflow_step_id = e.from_step_id
		WHERE child.named_step_id = $1`, namedStepID)
	if err != nil {
		return nil, fmt.Errorf("list depends-on names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan depends-on name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateNamedTask inserts a task template and its step templates in one
// transaction.
func (s *Store) CreateNamedTask(ctx context.Context, nt model.NamedTask) error {
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO named_task (named_task_id, name, namespace, version, context_schema)
			VALUES ($1,$2,$3,$4,$5)`,
			nt.NamedTaskID, nt.Name, nt.Namespace, nt.Version, nt.ContextSchema); err != nil {
			return fmt.Errorf("insert named task: %w", err)
		}
		for _, st := range nt.Steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO named_step (named_step_id, named_task_id, name, handler_class,
				                        default_retryable, default_retry_limit)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				st.NamedStepID, nt.NamedTaskID, st.Name, st.HandlerClass, st.DefaultRetry, st.DefaultLimit); err != nil {
				return fmt.Errorf("insert named step %s: %w", st.Name, err)
			}
		}
		return nil
	})
}
