package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"

	"github.com/lobster-sched/lobster/internal/scheduler"
	sharedevents "github.com/lobster-sched/lobster/internal/shared/events"
)

// mergeEligibleWorkflow is one workflow considered for pop_merge (§4.2.2
// "Per workflow eligible iff merged != 1, at least 10% of units in
// done+paused, and at least one SUCCESSFUL processing task exists").
type mergeEligibleWorkflow struct {
	ID    int64
	Label string
}

// PopMerge implements §4.2.2: bin-pack SUCCESSFUL processing tasks of
// eligible workflows into MERGE tasks bounded by maxBytes, stopping once
// more than n descriptors have been emitted.
func (s *Store) PopMerge(ctx context.Context, maxBytes int64, n int, rng *rand.Rand) ([]scheduler.TaskDescriptor, error) {
	var descriptors []scheduler.TaskDescriptor
	var justMerged []string

	err := s.withRetryTx(ctx, "pop_merge", func(ctx context.Context, tx *sql.Tx) error {
		descriptors = nil
		justMerged = nil

		workflows, err := eligibleMergeWorkflows(ctx, tx)
		if err != nil {
			return err
		}
		rng.Shuffle(len(workflows), func(i, j int) { workflows[i], workflows[j] = workflows[j], workflows[i] })

		for _, w := range workflows {
			if len(descriptors) > n {
				break
			}

			sanitized, err := SanitizeLabel(w.Label)
			if err != nil {
				return err
			}

			candidates, err := successfulProcessingTasks(ctx, tx, w.ID)
			if err != nil {
				return err
			}

			bins := scheduler.PackMergeBins(candidates, maxBytes)

			complete, err := workflowComplete(ctx, tx, w.ID)
			if err != nil {
				return err
			}

			eligible := scheduler.EligibleBins(bins, complete)

			if len(eligible) == 0 {
				if complete {
					flipped, err := markWorkflowMergedIfNoOutstanding(ctx, tx, w.ID)
					if err != nil {
						return err
					}
					if flipped {
						justMerged = append(justMerged, w.Label)
					}
				}
				continue
			}

			for _, bin := range eligible {
				desc, err := materializeMergeTask(ctx, tx, w.ID, w.Label, bin)
				if err != nil {
					return err
				}
				descriptors = append(descriptors, desc)
			}

			if err := recomputeWorkflowStats(ctx, tx, w.ID, sanitized, s.failureThreshold, s.skippingThreshold); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		byWorkflow := map[string]int{}
		for _, d := range descriptors {
			byWorkflow[d.Label]++
		}
		for label, count := range byWorkflow {
			s.metrics.PopMergeTasksEmitted.WithLabelValues(label).Add(float64(count))
		}
	}

	if s.events != nil {
		for _, label := range justMerged {
			s.events.WorkflowMerged(ctx, sharedevents.WorkflowMergedData{Workflow: label})
		}
	}

	return descriptors, nil
}

func eligibleMergeWorkflows(ctx context.Context, tx *sql.Tx) ([]mergeEligibleWorkflow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, label FROM workflows
		WHERE merged = 0
		  AND units > 0
		  AND (CAST(units_done AS REAL) + units_paused) / units >= 0.10
		  AND EXISTS (SELECT 1 FROM tasks WHERE workflow = workflows.id AND status = ? AND type = ?)`,
		StatusSuccessful, TaskProcess)
	if err != nil {
		return nil, fmt.Errorf("eligible merge workflows: %w", err)
	}
	defer rows.Close()

	var out []mergeEligibleWorkflow
	for rows.Next() {
		var w mergeEligibleWorkflow
		if err := rows.Scan(&w.ID, &w.Label); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func successfulProcessingTasks(ctx context.Context, tx *sql.Tx, workflowID int64) ([]scheduler.MergeCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, units, bytes_bare_output FROM tasks
		WHERE workflow = ? AND status = ? AND type = ?
		ORDER BY bytes_bare_output DESC`, workflowID, StatusSuccessful, TaskProcess)
	if err != nil {
		return nil, fmt.Errorf("successful processing tasks: %w", err)
	}
	defer rows.Close()

	var out []scheduler.MergeCandidate
	for rows.Next() {
		var c scheduler.MergeCandidate
		if err := rows.Scan(&c.TaskID, &c.Units, &c.BytesBareOutput); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// workflowComplete reports units_left == 0 (fully drained).
func workflowComplete(ctx context.Context, tx *sql.Tx, workflowID int64) (bool, error) {
	var unitsLeft int64
	if err := tx.QueryRowContext(ctx, `SELECT units_left FROM workflows WHERE id = ?`, workflowID).Scan(&unitsLeft); err != nil {
		return false, err
	}
	return unitsLeft == 0, nil
}

// markWorkflowMergedIfNoOutstanding implements §4.2.2 step 6, reporting
// whether it actually flipped the flag so the caller can publish
// WorkflowMerged exactly once.
func markWorkflowMergedIfNoOutstanding(ctx context.Context, tx *sql.Tx, workflowID int64) (bool, error) {
	var outstanding int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE workflow = ? AND status = ? AND type = ?`,
		workflowID, StatusAssigned, TaskProcess).Scan(&outstanding); err != nil {
		return false, err
	}
	if outstanding > 0 {
		return false, nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE workflows SET merged = 1 WHERE id = ?`, workflowID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// materializeMergeTask implements §4.2.2 step 7.
func materializeMergeTask(ctx context.Context, tx *sql.Tx, workflowID int64, label string, bin *scheduler.MergeBin) (scheduler.TaskDescriptor, error) {
	var desc scheduler.TaskDescriptor

	res, err := tx.ExecContext(ctx, `INSERT INTO tasks (workflow, type, status, units) VALUES (?, ?, ?, ?)`,
		workflowID, TaskMerge, StatusAssigned, bin.Units)
	if err != nil {
		return desc, fmt.Errorf("insert merge task: %w", err)
	}
	mergeID, err := res.LastInsertId()
	if err != nil {
		return desc, err
	}

	units := make([]scheduler.UnitRef, 0, len(bin.Tasks))
	for _, t := range bin.Tasks {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, task = ? WHERE id = ?`,
			StatusMerging, mergeID, t.TaskID); err != nil {
			return desc, fmt.Errorf("mark task merging: %w", err)
		}
		units = append(units, scheduler.UnitRef{ID: t.TaskID, Run: -1, Lumi: -1})
	}

	// A merge task's constituents are recorded via tasks.task above; the
	// per-workflow units table is untouched by merge packing.

	return scheduler.TaskDescriptor{
		TaskID: mergeID,
		Label:  label,
		Units:  units,
		Merge:  true,
	}, nil
}
