package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lobster-sched/lobster/internal/sizer"
)

// UpdateWorkflowStats implements §4.1 `update_workflow_stats`: the public
// entry point retried like every other Store mutation.
func (s *Store) UpdateWorkflowStats(ctx context.Context, label string) error {
	return s.withRetryTx(ctx, "update_workflow_stats", func(ctx context.Context, tx *sql.Tx) error {
		sanitized, err := SanitizeLabel(label)
		if err != nil {
			return err
		}
		var workflowID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM workflows WHERE label = ?`, label).Scan(&workflowID); err != nil {
			return fmt.Errorf("lookup workflow %q: %w", label, err)
		}
		return recomputeWorkflowStats(ctx, tx, workflowID, sanitized, s.failureThreshold, s.skippingThreshold)
	})
}

// recomputeWorkflowStats implements both halves of §4.1
// `update_workflow_stats`: (a) the adaptive sizer and (b) the derived
// counter refresh. It is shared by UpdateUnits, PopMerge step 8, and the
// standalone UpdateWorkflowStats entry point, always scoped to workflowID
// — the reference's hard-coded `workflow=1` filter (§9 Open Question) was
// a bug; this fixes it by construction.
func recomputeWorkflowStats(ctx context.Context, tx *sql.Tx, workflowID int64, sanitized string, failureThreshold, skippingThreshold int64) error {
	if err := adjustTaskSize(ctx, tx, workflowID); err != nil {
		return err
	}
	return refreshDerivedCounters(ctx, tx, workflowID, sanitized, failureThreshold, skippingThreshold)
}

func adjustTaskSize(ctx context.Context, tx *sql.Tx, workflowID int64) error {
	var taskRuntime sql.NullInt64
	var taskSize int64
	if err := tx.QueryRowContext(ctx, `SELECT taskruntime, tasksize FROM workflows WHERE id = ?`, workflowID).
		Scan(&taskRuntime, &taskSize); err != nil {
		return fmt.Errorf("load sizing params: %w", err)
	}
	if !taskRuntime.Valid {
		return nil
	}

	var completed int64
	var meanUnitTime sql.NullFloat64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG((time_epilogue_end - time_stage_in_end) / NULLIF(units, 0))
		FROM tasks WHERE workflow = ? AND type = ? AND status IN (?, ?, ?, ?)`,
		workflowID, TaskProcess, StatusSuccessful, StatusPublished, StatusMerging, StatusMerged).
		Scan(&completed, &meanUnitTime); err != nil {
		return fmt.Errorf("measure completed task timing: %w", err)
	}
	if !meanUnitTime.Valid {
		return nil
	}

	newSize, changed := sizer.ComputeTaskSize(float64(taskRuntime.Int64), meanUnitTime.Float64, taskSize, completed)
	if !changed {
		return nil
	}

	_, err := tx.ExecContext(ctx, `UPDATE workflows SET tasksize = ? WHERE id = ?`, newSize, workflowID)
	return err
}

// refreshDerivedCounters implements §4.1(b): units_running/units_done/
// units_paused are recomputed from the units table (never incremented
// blindly, per §5 "Shared-resource policy") under the pause predicate
// from §3 ("failed > failure_threshold OR file.skipped >= skipping_
// threshold, AND status in {INITIALIZED, FAILED, ABORTED}").
func refreshDerivedCounters(ctx context.Context, tx *sql.Tx, workflowID int64, sanitized string, failureThreshold, skippingThreshold int64) error {
	unitsT := unitsTable(sanitized)
	filesT := filesTable(sanitized)

	var units, running, done, paused int64

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %[1]s WHERE status = ?) AS running,
			(SELECT COUNT(*) FROM %[1]s WHERE status IN (?, ?, ?, ?)) AS done,
			(SELECT COUNT(*) FROM %[1]s u JOIN %[2]s f ON u.file = f.id
				WHERE u.status IN (?, ?, ?) AND (u.failed > ? OR f.skipped >= ?)) AS paused`,
		unitsT, filesT),
		StatusAssigned,
		StatusSuccessful, StatusPublished, StatusMerging, StatusMerged,
		StatusInitialized, StatusFailed, StatusAborted,
		failureThreshold, skippingThreshold)

	if err := row.Scan(&running, &done, &paused); err != nil {
		return fmt.Errorf("recompute derived counters: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT units FROM workflows WHERE id = ?`, workflowID).Scan(&units); err != nil {
		return fmt.Errorf("load units total: %w", err)
	}

	left := units - (running + done + paused)
	if left < 0 {
		left = 0
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE workflows SET units_running = ?, units_done = ?, units_paused = ?, units_left = ? WHERE id = ?`,
		running, done, paused, left, workflowID)
	return err
}
