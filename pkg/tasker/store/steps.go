package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swarmguard/tasker/pkg/tasker/backoff"
	"github.com/swarmguard/tasker/pkg/tasker/model"
)

// CreateSteps inserts the initial pending steps and their dependency edges
// for a freshly created task, in one transaction.
func (s *Store) CreateSteps(ctx context.Context, steps []model.WorkflowStep, edges []model.WorkflowStepEdge) error {
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, st := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_step (workflow_step_id, task_id, named_step_id, name, retryable,
				                           retry_limit, attempts, in_process, processed, inputs, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,0,FALSE,FALSE,$7,now(),now())`,
				st.WorkflowStepID, st.TaskID, st.NamedStepID, st.Name, st.Retryable, st.RetryLimit, st.Inputs); err != nil {
				return fmt.Errorf("insert step %s: %w", st.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_step_transition (workflow_step_id, from_state, to_state, sort_key, most_recent, created_at)
				VALUES ($1,'',$2,1,TRUE,now())`, st.WorkflowStepID, string(model.StepPending)); err != nil {
				return fmt.Errorf("insert initial step transition %s: %w", st.Name, err)
			}
		}
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_step_edge (from_step_id, to_step_id, name) VALUES ($1,$2,$3)`,
				e.FromStepID, e.ToStepID, e.Name); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.FromStepID, e.ToStepID, err)
			}
		}
		return nil
	})
}

// readinessSQL fetches the inputs of the §4.1 predicate: current_state
// from the transition log's most_recent row, parent/completion counts from
// the edge table joined back through the same log, and the attempt/backoff
// columns. ReadinessForTasks then computes dependencies_satisfied,
// retry_eligible (via backoff.RetryEligible, so the coordinator and the
// query agree on eligibility) and ready_for_execution in Go.
const readinessSQL = `
WITH step_state AS (
	SELECT ws.workflow_step_id, ws.name, ws.task_id, ws.attempts, ws.retry_limit,
	       ws.last_attempted_at, ws.backoff_request_seconds,
	       COALESCE(t.to_state, 'pending') AS current_state
	FROM workflow_step ws
	LEFT JOIN workflow_step_transition t ON t.workflow_step_id = ws.workflow_step_id AND t.most_recent
	WHERE ws.task_id = ANY($1)
),
parent_counts AS (
	SELECT e.to_step_id AS workflow_step_id,
	       COUNT(*) AS total_parents,
	       COUNT(*) FILTER (WHERE ps.current_state IN ('complete', 'resolved_manually')) AS completed_parents
	FROM workflow_step_edge e
	JOIN step_state ps ON ps.workflow_step_id = e.from_step_id
	GROUP BY e.to_step_id
)
SELECT s.workflow_step_id, s.task_id, s.name, s.current_state,
       COALESCE(p.total_parents, 0), COALESCE(p.completed_parents, 0),
       s.attempts, s.retry_limit, s.last_attempted_at, s.backoff_request_seconds
FROM step_state s
LEFT JOIN parent_counts p ON p.workflow_step_id = s.workflow_step_id
`

// ReadinessForTasks is the batch form of the Component C query.
func (s *Store) ReadinessForTasks(ctx context.Context, taskIDs []string) (map[string][]model.ReadinessRow, error) {
	rows, err := s.DB.QueryContext(ctx, readinessSQL, taskIDsParam(taskIDs))
	if err != nil {
		return nil, fmt.Errorf("readiness query: %w", err)
	}
	defer rows.Close()

	byTask := make(map[string][]model.ReadinessRow)
	for rows.Next() {
		var (
			stepID, taskID, name, currentState string
			totalParents, completedParents, attempts, retryLimit int
			lastAttemptedAt *time.Time
			backoffRequestSeconds *int
		)
		if err := rows.Scan(&stepID, &taskID, &name, &currentState, &totalParents, &completedParents,
			&attempts, &retryLimit, &lastAttemptedAt, &backoffRequestSeconds); err != nil {
			return nil, fmt.Errorf("scan readiness row: %w", err)
		}
		depsSatisfied := totalParents == 0 || completedParents == totalParents
		eligible := backoff.RetryEligible(time.Now(), attempts, retryLimit, lastAttemptedAt, backoffRequestSeconds)
		state := model.StepState(currentState)
		ready := (state == model.StepPending || state == model.StepError) && depsSatisfied && eligible

		byTask[taskID] = append(byTask[taskID], model.ReadinessRow{
			WorkflowStepID:        stepID,
			Name:                  name,
			CurrentState:          state,
			TotalParents:          totalParents,
			CompletedParents:      completedParents,
			DependenciesSatisfied: depsSatisfied,
			Attempts:              attempts,
			RetryLimit:            retryLimit,
			LastAttemptedAt:       lastAttemptedAt,
			BackoffRequestSeconds: backoffRequestSeconds,
			RetryEligible:         eligible,
			ReadyForExecution:     ready,
		})
	}
	return byTask, rows.Err()
}

// Readiness is the single-task form of ReadinessForTasks.
func (s *Store) Readiness(ctx context.Context, taskID string) ([]model.ReadinessRow, error) {
	m, err := s.ReadinessForTasks(ctx, []string{taskID})
	if err != nil {
		return nil, err
	}
	return m[taskID], nil
}

// EdgesForTask returns every dependency edge among a task's steps, the raw
// material for the diagram package's node/edge graph (§6 "Diagram").
func (s *Store) EdgesForTask(ctx context.Context, taskID string) ([]model.WorkflowStepEdge, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT e.from_step_id, e.to_step_id, e.name
		FROM workflow_step_edge e
		JOIN workflow_step ws ON ws.workflow_step_id = e.from_step_id
		WHERE ws.task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select edges for task: %w", err)
	}
	defer rows.Close()

	var edges []model.WorkflowStepEdge
	for rows.Next() {
		var e model.WorkflowStepEdge
		if err := rows.Scan(&e.FromStepID, &e.ToStepID, &e.Name); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// taskIDsParam adapts a []string to the pg TEXT[] literal ANY($1) expects
// via the driver's array support (database/sql's pgx driver accepts []string
// directly for ANY($1) when the column type is text).
func taskIDsParam(ids []string) interface{} { return ids }

// ErrClaimLost is returned when the step could not be claimed because
// another worker won the race or the row is no longer in an eligible state
// (§7's "Claim lost" error kind). Callers drop the step from the batch.
var ErrClaimLost = errors.New("store: claim lost")

// ClaimStep performs the row-locked claim transaction from §5: SELECT ...
// FOR UPDATE SKIP LOCKED on the step row, verify it is still eligible, bump
// attempts, set in_process/last_attempted_at, and record the
// pending|error -> in_progress transition, all in one transaction.
func (s *Store) ClaimStep(ctx context.Context, stepID string) (*model.WorkflowStep, error) {
	var claimed model.WorkflowStep
	err := withTx(ctx, s.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT workflow_step_id, task_id, named_step_id, name, retryable, retry_limit,
			       attempts, in_process, processed, processed_at, last_attempted_at,
			       backoff_request_seconds, results, inputs, created_at, updated_at
			FROM workflow_step
			WHERE workflow_step_id = $1
			FOR UPDATE SKIP LOCKED`, stepID)
		if err := scanStep(row, &claimed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrClaimLost
			}
			return fmt.Errorf("lock step: %w", err)
		}
		if claimed.InProcess || claimed.Processed {
			return ErrClaimLost
		}

		var currentState string
		if err := tx.QueryRowContext(ctx, `
			SELECT to_state FROM workflow_step_transition WHERE workflow_step_id = $1 AND most_recent`, stepID).Scan(&currentState); err != nil {
			return fmt.Errorf("read current state: %w", err)
		}
		if currentState != string(model.StepPending) && currentState != string(model.StepError) {
			return ErrClaimLost
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_step
			SET attempts = attempts + 1, in_process = TRUE, last_attempted_at = $2, updated_at = $2
			WHERE workflow_step_id = $1`, stepID, now); err != nil {
			return fmt.Errorf("bump attempts: %w", err)
		}

		if _, err := insertStepTransition(ctx, tx, stepID, model.StepState(currentState), model.StepInProgress, nil); err != nil {
			return err
		}

		claimed.Attempts++
		claimed.InProcess = true
		claimed.LastAttemptedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// WriteStepSuccess records a successful attempt: results written,
// processed/in_process flags set, transition to complete, all atomically
// (§4.4's "automatic persistence invariants").
func (s *Store) WriteStepSuccess(ctx context.Context, stepID string, results []byte) error {
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_step
			SET results = $2, processed = TRUE, in_process = FALSE, processed_at = $3, updated_at = $3
			WHERE workflow_step_id = $1`, stepID, results, now); err != nil {
			return fmt.Errorf("write success: %w", err)
		}
		_, err := insertStepTransition(ctx, tx, stepID, model.StepInProgress, model.StepComplete, nil)
		return err
	})
}

// WriteStepFailure records a failed attempt. If forceExhausted is true
// (a PermanentError), attempts is forced to retry_limit so retry_eligible
// becomes false regardless of the backoff formula.
func (s *Store) WriteStepFailure(ctx context.Context, stepID string, errMsg []byte, backoffRequestSeconds *int, forceExhausted bool) error {
	return withTx(ctx, s.DB, func(tx *sql.Tx) error {
		now := time.Now()
		if forceExhausted {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_step SET attempts = retry_limit, in_process = FALSE,
				       results = $2, last_attempted_at = $3, updated_at = $3
				WHERE workflow_step_id = $1`, stepID, errMsg, now); err != nil {
				return fmt.Errorf("force exhaust: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_step SET in_process = FALSE, results = $2,
				       backoff_request_seconds = $3, last_attempted_at = $4, updated_at = $4
				WHERE workflow_step_id = $1`, stepID, errMsg, backoffRequestSeconds, now); err != nil {
				return fmt.Errorf("write failure: %w", err)
			}
		}
		_, err := insertStepTransition(ctx, tx, stepID, model.StepInProgress, model.StepError, nil)
		return err
	})
}

func insertStepTransition(ctx context.Context, tx *sql.Tx, stepID string, from, to model.StepState, metadata []byte) (model.WorkflowStepTransition, error) {
	var out model.WorkflowStepTransition
	var priorSortKey int64
	err := tx.QueryRowContext(ctx, `
		SELECT sort_key FROM workflow_step_transition WHERE workflow_step_id = $1 AND most_recent`, stepID).Scan(&priorSortKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("lock prior step transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflow_step_transition SET most_recent = FALSE WHERE workflow_step_id = $1 AND most_recent`, stepID); err != nil {
		return out, fmt.Errorf("demote prior step transition: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO workflow_step_transition (workflow_step_id, from_state, to_state, metadata, sort_key, most_recent, created_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,now())
		RETURNING id, sort_key, created_at`,
		stepID, string(from), string(to), metadata, priorSortKey+1)
	if err := row.Scan(&out.ID, &out.SortKey, &out.CreatedAt); err != nil {
		return out, fmt.Errorf("insert step transition: %w", err)
	}
	out.WorkflowStepID = stepID
	out.FromState = from
	out.ToState = to
	out.Metadata = metadata
	out.MostRecent = true
	return out, nil
}

// UpstreamResults fetches the name and results of every parent (completed
// dependency) of stepID, for building a handler's sequence input (§4.4).
func (s *Store) UpstreamResults(ctx context.Context, stepID string) (map[string]json.RawMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT ws.name, ws.results
		FROM workflow_step_edge e
		JOIN workflow_step ws ON ws.workflow_step_id = e.from_step_id
		WHERE e.to_step_id = $1 AND ws.processed`, stepID)
	if err != nil {
		return nil, fmt.Errorf("upstream results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name string
		var results json.RawMessage
		if err := rows.Scan(&name, &results); err != nil {
			return nil, fmt.Errorf("scan upstream result: %w", err)
		}
		out[name] = results
	}
	return out, rows.Err()
}

// NamedStepHandlerClass resolves the handler class string declared on a
// step's template, used by the coordinator to look up a registry.Key.
func (s *Store) NamedStepHandlerClass(ctx context.Context, namedStepID string) (string, error) {
	var class string
	err := s.DB.QueryRowContext(ctx, `SELECT handler_class FROM named_step WHERE named_step_id = $1`, namedStepID).Scan(&class)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return class, err
}

func scanStep(row *sql.Row, st *model.WorkflowStep) error {
	return row.Scan(&st.WorkflowStepID, &st.TaskID, &st.NamedStepID, &st.Name, &st.Retryable, &st.RetryLimit,
		&st.Attempts, &st.InProcess, &st.Processed, &st.ProcessedAt, &st.LastAttemptedAt,
		&st.BackoffRequestSeconds, &st.Results, &st.Inputs, &st.CreatedAt, &st.UpdatedAt)
}
