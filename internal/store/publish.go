package store

import (
	"context"
	"database/sql"
	"fmt"

	sharedevents "github.com/lobster-sched/lobster/internal/shared/events"
)

// PublishedBlock is one published dataset file block: the processing task
// and the merge task that produced it (§4.1 `update_published`).
type PublishedBlock struct {
	BlockName        string
	ProcessingTaskID int64
	MergeTaskID      int64
}

// UpdatePublished implements §4.1 `update_published`: flips each processing
// task, and every task whose task column references the block's merge task,
// to PUBLISHED, records the block name, and cascades PUBLISHED to the
// corresponding units.
func (s *Store) UpdatePublished(ctx context.Context, blocks []PublishedBlock) error {
	var published []sharedevents.WorkflowPublishedData

	err := s.withRetryTx(ctx, "update_published", func(ctx context.Context, tx *sql.Tx) error {
		touchedWorkflows := make(map[int64]bool)
		published = nil

		for _, b := range blocks {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, published_file_block = ? WHERE id = ?`,
				StatusPublished, b.BlockName, b.ProcessingTaskID); err != nil {
				return fmt.Errorf("publish processing task %d: %w", b.ProcessingTaskID, err)
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ? WHERE task = ?`,
				StatusPublished, b.MergeTaskID); err != nil {
				return fmt.Errorf("publish merge task %d constituents: %w", b.MergeTaskID, err)
			}

			wfID, sanitized, err := workflowForTask(ctx, tx, b.ProcessingTaskID)
			if err != nil {
				return err
			}
			touchedWorkflows[wfID] = true

			unitsT := unitsTable(sanitized)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET status = ? WHERE task IN (?, ?)`, unitsT),
				StatusPublished, b.ProcessingTaskID, b.MergeTaskID); err != nil {
				return fmt.Errorf("cascade publish to units: %w", err)
			}

			_, label, err := workflowLabel(ctx, tx, wfID)
			if err != nil {
				return err
			}
			published = append(published, sharedevents.WorkflowPublishedData{
				Workflow: label,
				Block:    b.BlockName,
				TaskID:   b.ProcessingTaskID,
				MergeID:  b.MergeTaskID,
			})
		}

		for wfID := range touchedWorkflows {
			sanitized, label, err := workflowLabel(ctx, tx, wfID)
			if err != nil {
				return err
			}
			if err := recomputeWorkflowStats(ctx, tx, wfID, sanitized, s.failureThreshold, s.skippingThreshold); err != nil {
				return fmt.Errorf("refresh stats for %q: %w", label, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.events != nil {
		for _, p := range published {
			s.events.WorkflowPublished(ctx, p)
		}
	}

	return nil
}

// UpdateMissing implements §4.1 `update_missing`: marks units for the
// given tasks FAILED, fails the tasks themselves, and — when a missing
// task id is itself a merge task — reverts its constituent processing
// tasks (the rows whose `task` column references it) from MERGING back
// to SUCCESSFUL(2), since the merge never completed but the constituents
// themselves are still good output, eligible for a future merge attempt.
func (s *Store) UpdateMissing(ctx context.Context, taskIDs []int64) error {
	return s.withRetryTx(ctx, "update_missing", func(ctx context.Context, tx *sql.Tx) error {
		touchedWorkflows := make(map[int64]bool)

		for _, taskID := range taskIDs {
			wfID, sanitized, err := workflowForTask(ctx, tx, taskID)
			if err != nil {
				return err
			}
			touchedWorkflows[wfID] = true

			unitsT := unitsTable(sanitized)
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET status = ? WHERE task = ?`, unitsT), StatusFailed, taskID); err != nil {
				return fmt.Errorf("fail units for missing task %d: %w", taskID, err)
			}

			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, StatusFailed, taskID); err != nil {
				return fmt.Errorf("fail missing task %d: %w", taskID, err)
			}

			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE task = ?`,
				StatusSuccessful, taskID); err != nil {
				return fmt.Errorf("revert enclosing merge task for %d: %w", taskID, err)
			}
		}

		for wfID := range touchedWorkflows {
			sanitized, label, err := workflowLabel(ctx, tx, wfID)
			if err != nil {
				return err
			}
			if err := recomputeWorkflowStats(ctx, tx, wfID, sanitized, s.failureThreshold, s.skippingThreshold); err != nil {
				return fmt.Errorf("refresh stats for %q: %w", label, err)
			}
		}
		return nil
	})
}

func workflowForTask(ctx context.Context, tx *sql.Tx, taskID int64) (workflowID int64, sanitizedLabel string, err error) {
	var label string
	if err := tx.QueryRowContext(ctx, `
		SELECT w.id, w.label FROM tasks t JOIN workflows w ON t.workflow = w.id WHERE t.id = ?`, taskID).
		Scan(&workflowID, &label); err != nil {
		return 0, "", fmt.Errorf("resolve workflow for task %d: %w", taskID, err)
	}
	sanitizedLabel, err = SanitizeLabel(label)
	return workflowID, sanitizedLabel, err
}

func workflowLabel(ctx context.Context, tx *sql.Tx, workflowID int64) (sanitizedLabel, label string, err error) {
	if err := tx.QueryRowContext(ctx, `SELECT label FROM workflows WHERE id = ?`, workflowID).Scan(&label); err != nil {
		return "", "", fmt.Errorf("resolve label for workflow %d: %w", workflowID, err)
	}
	sanitizedLabel, err = SanitizeLabel(label)
	return sanitizedLabel, label, err
}
