package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"

	"github.com/lobster-sched/lobster/internal/scheduler"
)

// PopUnits implements §4.2.1: pack up to n processing tasks across all
// workflows with outstanding work, binding the selected units to new
// ASSIGNED tasks in a single transaction covering every workflow. rng drives the fairness
// shuffle in scheduler.PlanSlots.
func (s *Store) PopUnits(ctx context.Context, n int, rng *rand.Rand) ([]scheduler.TaskDescriptor, error) {
	var descriptors []scheduler.TaskDescriptor

	err := s.withRetryTx(ctx, "pop_units", func(ctx context.Context, tx *sql.Tx) error {
		descriptors = nil

		workflows, err := readWorkflowSlotInputs(ctx, tx)
		if err != nil {
			return err
		}
		if len(workflows) == 0 {
			return nil
		}

		plans := scheduler.PlanSlots(workflows, n, rng)

		for _, plan := range plans {
			sanitized, err := SanitizeLabel(plan.Workflow.Label)
			if err != nil {
				return err
			}

			packed, err := packWorkflow(ctx, tx, sanitized, plan, s.failureThreshold, s.skippingThreshold)
			if err != nil {
				return fmt.Errorf("pack workflow %q: %w", plan.Workflow.Label, err)
			}

			for _, pt := range packed {
				desc, err := materializeTask(ctx, tx, plan.Workflow, sanitized, pt)
				if err != nil {
					return err
				}
				descriptors = append(descriptors, desc)
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
			s.metrics.PopUnitsTasksEmitted.WithLabelValues(label).Add(float64(count))
		}
	}

	return descriptors, nil
}

func readWorkflowSlotInputs(ctx context.Context, tx *sql.Tx) ([]scheduler.WorkflowSlotInput, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT label, id, units_left, tasksize, empty_source
		FROM workflows WHERE units_left > 0`)
	if err != nil {
		return nil, fmt.Errorf("query workflows with units_left: %w", err)
	}
	defer rows.Close()

	var out []scheduler.WorkflowSlotInput
	for rows.Next() {
		var w scheduler.WorkflowSlotInput
		var emptySource int
		if err := rows.Scan(&w.Label, &w.ID, &w.UnitsLeft, &w.TaskSize, &emptySource); err != nil {
			return nil, err
		}
		w.EmptySource = emptySource != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// eligibleFiles implements §4.2.1 step a.
func eligibleFiles(ctx context.Context, tx *sql.Tx, filesT string, skippingThreshold int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE units_done + units_running < units AND skipped < ? ORDER BY skipped ASC`,
		filesT), skippingThreshold)
	if err != nil {
		return nil, fmt.Errorf("eligible files: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// candidateUnitsChunkSize is the file-id chunk size from §4.2.1 step b.
const candidateUnitsChunkSize = 40

// candidateUnits implements §4.2.1 step b: units in the given files whose
// status is not in {ASSIGNED, SUCCESSFUL, PUBLISHED, MERGING, MERGED}.
func candidateUnits(ctx context.Context, tx *sql.Tx, unitsT string, fileIDs []int64) ([]scheduler.Candidate, error) {
	var out []scheduler.Candidate

	for start := 0; start < len(fileIDs); start += candidateUnitsChunkSize {
		end := start + candidateUnitsChunkSize
		if end > len(fileIDs) {
			end = len(fileIDs)
		}
		chunk := fileIDs[start:end]

		placeholders := make([]interface{}, len(chunk))
		qs := make([]string, len(chunk))
		for i, id := range chunk {
			placeholders[i] = id
			qs[i] = "?"
		}

		query := fmt.Sprintf(`
			SELECT id, file, run, lumi, arg, failed FROM %s
			WHERE file IN (%s) AND status NOT IN (1,2,6,7,8)`, unitsT, joinQs(qs))

		rows, err := tx.QueryContext(ctx, query, placeholders...)
		if err != nil {
			return nil, fmt.Errorf("candidate units: %w", err)
		}
		for rows.Next() {
			var c scheduler.Candidate
			if err := rows.Scan(&c.ID, &c.File, &c.Run, &c.Lumi, &c.Arg, &c.Failed); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func joinQs(qs []string) string {
	out := ""
	for i, q := range qs {
		if i > 0 {
			out += ","
		}
		out += q
	}
	return out
}

// packWorkflow runs §4.2.1 steps a-e for one workflow; materializeTask
// applies the result.
func packWorkflow(ctx context.Context, tx *sql.Tx, sanitized string, plan scheduler.SlotPlan, failureThreshold, skippingThreshold int64) ([]scheduler.PackedTask, error) {
	filesT := filesTable(sanitized)
	unitsT := unitsTable(sanitized)

	fileIDs, err := eligibleFiles(ctx, tx, filesT, skippingThreshold)
	if err != nil {
		return nil, err
	}
	if len(fileIDs) == 0 {
		return nil, nil
	}

	candidates, err := candidateUnits(ctx, tx, unitsT, fileIDs)
	if err != nil {
		return nil, err
	}

	lumiGroup := func(run, lumi int64) []scheduler.Candidate {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, file, run, lumi, arg, failed FROM %s
			 WHERE run = ? AND lumi = ? AND status NOT IN (1,2,6,7,8) AND failed < ?`, unitsT),
			run, lumi, failureThreshold)
		if err != nil {
			return nil
		}
		defer rows.Close()
		var group []scheduler.Candidate
		for rows.Next() {
			var c scheduler.Candidate
			if err := rows.Scan(&c.ID, &c.File, &c.Run, &c.Lumi, &c.Arg, &c.Failed); err == nil {
				group = append(group, c)
			}
		}
		return group
	}

	return scheduler.PackUnits(candidates, plan, failureThreshold, lumiGroup), nil
}

// materializeTask implements §4.2.1 steps f-g: insert the task row and
// flip every bound unit to ASSIGNED with task set, updating running
// counters on the workflow and its files.
func materializeTask(ctx context.Context, tx *sql.Tx, w scheduler.WorkflowSlotInput, sanitized string, pt scheduler.PackedTask) (scheduler.TaskDescriptor, error) {
	var desc scheduler.TaskDescriptor
	if len(pt.UnitIDs) == 0 {
		return desc, nil
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO tasks (workflow, type, status, units) VALUES (?, ?, ?, ?)`,
		w.ID, TaskProcess, StatusAssigned, len(pt.UnitIDs))
	if err != nil {
		return desc, fmt.Errorf("insert task: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return desc, err
	}

	unitsT := unitsTable(sanitized)
	filesT := filesTable(sanitized)

	qs := make([]string, len(pt.UnitIDs))
	args := make([]interface{}, 0, len(pt.UnitIDs)+2)
	args = append(args, StatusAssigned, taskID)
	for i, id := range pt.UnitIDs {
		qs[i] = "?"
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, task = ? WHERE id IN (%s)`, unitsT, joinQs(qs)),
		args...); err != nil {
		return desc, fmt.Errorf("assign units: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET units_running = units_running + ? WHERE id = ?`,
		len(pt.UnitIDs), w.ID); err != nil {
		return desc, err
	}

	for fileID := range pt.Files {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET units_running = (SELECT COUNT(*) FROM %s WHERE file = ? AND status = ?) WHERE id = ?`,
			filesT, unitsT), fileID, StatusAssigned, fileID); err != nil {
			return desc, fmt.Errorf("recompute file running count: %w", err)
		}
	}

	units := make([]scheduler.UnitRef, 0, len(pt.UnitIDs))
	for _, id := range pt.UnitIDs {
		units = append(units, scheduler.UnitRef{ID: id})
	}

	files := make([]scheduler.FileRef, 0, len(pt.Files))
	for fileID := range pt.Files {
		var filename string
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT filename FROM %s WHERE id = ?`, filesT), fileID).Scan(&filename); err == nil {
			files = append(files, scheduler.FileRef{ID: fileID, Filename: filename})
		}
	}

	return scheduler.TaskDescriptor{
		TaskID:      taskID,
		Label:       w.Label,
		Files:       files,
		Units:       units,
		EmptySource: w.EmptySource,
		Merge:       false,
	}, nil
}
