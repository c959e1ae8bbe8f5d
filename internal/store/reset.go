package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ResetUnits implements §4.1 `reset_units`: idempotent crash-recovery that
// aborts all in-flight work by advancing ASSIGNED -> ABORTED and rolling
// MERGING -> SUCCESSFUL, on both the global tasks table and every
// workflow's units table, then refreshes stats. Returns the ids of tasks
// that were ASSIGNED before the reset so the caller can clean up
// executor-side state (§4.1, §8 P4).
func (s *Store) ResetUnits(ctx context.Context) ([]int64, error) {
	var resetTaskIDs []int64

	err := s.withRetryTx(ctx, "reset_units", func(ctx context.Context, tx *sql.Tx) error {
		resetTaskIDs = nil

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, StatusAssigned)
		if err != nil {
			return fmt.Errorf("query running tasks: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			resetTaskIDs = append(resetTaskIDs, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE status = ?`, StatusAborted, StatusAssigned); err != nil {
			return fmt.Errorf("abort running tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE status = ?`, StatusSuccessful, StatusMerging); err != nil {
			return fmt.Errorf("revert merging tasks: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE workflows SET units_running = 0, merged = 0`); err != nil {
			return fmt.Errorf("clear workflow running/merged flags: %w", err)
		}

		labels, err := allWorkflowLabels(ctx, tx)
		if err != nil {
			return err
		}

		for _, wf := range labels {
			sanitized, err := SanitizeLabel(wf.label)
			if err != nil {
				return err
			}
			unitsT := unitsTable(sanitized)

			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE status = ?`, unitsT),
				StatusAborted, StatusAssigned); err != nil {
				return fmt.Errorf("abort running units for %q: %w", wf.label, err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE status = ?`, unitsT),
				StatusSuccessful, StatusMerging); err != nil {
				return fmt.Errorf("revert merging units for %q: %w", wf.label, err)
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET units_running = 0`, filesTable(sanitized))); err != nil {
				return fmt.Errorf("clear file running counts for %q: %w", wf.label, err)
			}

			if err := recomputeWorkflowStats(ctx, tx, wf.id, sanitized, s.failureThreshold, s.skippingThreshold); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return resetTaskIDs, nil
}

type workflowRef struct {
	id    int64
	label string
}

func allWorkflowLabels(ctx context.Context, tx *sql.Tx) ([]workflowRef, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, label FROM workflows`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []workflowRef
	for rows.Next() {
		var wf workflowRef
		if err := rows.Scan(&wf.id, &wf.label); err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}
