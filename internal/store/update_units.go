package store

import (
	"context"
	"database/sql"
	"fmt"

	sharedevents "github.com/lobster-sched/lobster/internal/shared/events"
)

// UnitOverride is one "missed unit" status TaskHandler.get_unit_info
// identified — e.g. a skipped file or a lumi absent from the report
// (§4.1 update_units step 2).
type UnitOverride struct {
	UnitID int64
	Status Status
}

// TaskReport is one task's completion record fed into UpdateUnits,
// keyed by (workflow label, task id) per §4.1 (the spec's "unit_source"
// distinction between the tasks table and a workflow's units table
// collapses here into the IsMerge flag driving which target status
// applies).
type TaskReport struct {
	Label   string
	TaskID  int64
	IsMerge bool
	Success bool

	UnitOverrides []UnitOverride
	Metrics       TaskMetrics // Metrics.ID is ignored; TaskID is authoritative
}

// UpdateUnits implements §4.1 `update_units`: applies a batch of task
// completion records within one transaction: for each report, task status,
// generic unit status -> per-unit overlay -> failure counters -> per-task
// metrics; then, once for the batch, file counter recomputation ->
// workflow stats.
func (s *Store) UpdateUnits(ctx context.Context, reports []TaskReport) error {
	err := s.withRetryTx(ctx, "update_units", func(ctx context.Context, tx *sql.Tx) error {
		touchedWorkflows := make(map[string]bool)
		touchedFiles := make(map[string]map[int64]bool) // sanitized label -> file ids

		for _, r := range reports {
			sanitized, err := SanitizeLabel(r.Label)
			if err != nil {
				return err
			}
			touchedWorkflows[r.Label] = true
			if touchedFiles[sanitized] == nil {
				touchedFiles[sanitized] = make(map[int64]bool)
			}

			genericStatus := StatusFailed
			if r.Success {
				if r.IsMerge {
					genericStatus = StatusMerged
				} else {
					genericStatus = StatusSuccessful
				}
			}

			var unitsT string
			if r.IsMerge {
				unitsT = "" // merge-task constituents live in the global tasks table
			} else {
				unitsT = unitsTable(sanitized)
			}

			if r.IsMerge {
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`,
					genericStatus, r.TaskID); err != nil {
					return fmt.Errorf("apply merge task status: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE task = ?`,
					genericStatus, r.TaskID); err != nil {
					return fmt.Errorf("apply merge constituent status: %w", err)
				}
			} else {
				if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`,
					genericStatus, r.TaskID); err != nil {
					return fmt.Errorf("apply task status: %w", err)
				}

				// Step 1: generic per-task status for every unit assigned to this task.
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(
					`UPDATE %s SET status = ? WHERE task = ?`, unitsT), genericStatus, r.TaskID); err != nil {
					return fmt.Errorf("apply generic unit status: %w", err)
				}

				// Step 2: overlay per-unit overrides (missed units).
				for _, o := range r.UnitOverrides {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						`UPDATE %s SET status = ? WHERE id = ?`, unitsT), o.Status, o.UnitID); err != nil {
						return fmt.Errorf("apply unit override: %w", err)
					}
				}

				// Step 3: failed-counter increments.
				if !r.Success {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						`UPDATE %s SET failed = failed + 1 WHERE task = ?`, unitsT), r.TaskID); err != nil {
						return fmt.Errorf("increment failed counters: %w", err)
					}
				}

				fileIDs, err := filesTouchedByTask(ctx, tx, unitsT, r.TaskID)
				if err != nil {
					return err
				}
				for _, id := range fileIDs {
					touchedFiles[sanitized][id] = true
				}
			}

			// Step 5: per-task metric updates (TaskUpdate, less id).
			if err := applyTaskMetrics(ctx, tx, r.TaskID, r.Metrics); err != nil {
				return err
			}
		}

		// Step 4: per-file counter recomputation, scoped to touched files.
		for sanitized, fileIDs := range touchedFiles {
			unitsT := unitsTable(sanitized)
			filesT := filesTable(sanitized)
			for fileID := range fileIDs {
				if err := recomputeFileCounters(ctx, tx, unitsT, filesT, fileID); err != nil {
					return err
				}
			}
		}

		// Step 6: refresh stats for every touched workflow.
		for label := range touchedWorkflows {
			sanitized, err := SanitizeLabel(label)
			if err != nil {
				return err
			}
			var workflowID int64
			if err := tx.QueryRowContext(ctx, `SELECT id FROM workflows WHERE label = ?`, label).Scan(&workflowID); err != nil {
				return fmt.Errorf("lookup workflow %q: %w", label, err)
			}
			if err := recomputeWorkflowStats(ctx, tx, workflowID, sanitized, s.failureThreshold, s.skippingThreshold); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if s.events != nil {
		for _, r := range reports {
			taskType := "process"
			if r.IsMerge {
				taskType = "merge"
			}
			status := "SUCCESSFUL"
			if r.IsMerge && r.Success {
				status = "MERGED"
			} else if !r.Success {
				status = "FAILED"
			}
			s.events.TaskClosed(ctx, sharedevents.TaskClosedData{
				TaskID:        r.TaskID,
				Workflow:      r.Label,
				Type:          taskType,
				Status:        status,
				Units:         int64(len(r.UnitOverrides)),
				EventsWritten: r.Metrics.EventsWritten,
			})
		}
	}

	return nil
}

func filesTouchedByTask(ctx context.Context, tx *sql.Tx, unitsT string, taskID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT file FROM %s WHERE task = ?`, unitsT), taskID)
	if err != nil {
		return nil, fmt.Errorf("files touched by task: %w", err)
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

// recomputeFileCounters recomputes units_running/units_done for one file
// from its units table (§4.1 step 4, §5 "derived ... recomputed not
// incremented").
func recomputeFileCounters(ctx context.Context, tx *sql.Tx, unitsT, filesT string, fileID int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %[2]s SET
			units_running = (SELECT COUNT(*) FROM %[1]s WHERE file = ? AND status = ?),
			units_done    = (SELECT COUNT(*) FROM %[1]s WHERE file = ? AND status IN (?, ?, ?, ?))
		WHERE id = ?`, unitsT, filesT),
		fileID, StatusAssigned,
		fileID, StatusSuccessful, StatusPublished, StatusMerging, StatusMerged,
		fileID)
	return err
}

// applyTaskMetrics implements §4.1 step 5: every TaskMetrics column is
// written unconditionally (the explicit aggregate replacing the
// reference's generic default-zero TaskUpdate record, §9).
func applyTaskMetrics(ctx context.Context, tx *sql.Tx, taskID int64, m TaskMetrics) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			events_read = ?, events_written = ?, units_processed = ?,
			bytes_output = ?, bytes_bare_output = ?,
			cache_type = ?, cache_start_size = ?, cache_end_size = ?,
			host = ?, exit_code = ?, cmssw_exit_code = ?, submissions = ?,
			limits_exceeded = ?, resident_memory = ?, swap_memory = ?, virtual_memory = ?,
			workdir_num_files = ?, workdir_footprint = ?, cpu_time = ?,
			total_bytes_received = ?, total_bytes_sent = ?,
			time_wrapper_start = ?, time_wrapper_ready = ?, time_stage_in_end = ?,
			time_prologue_end = ?, time_file_requested = ?, time_file_opened = ?,
			time_file_processing = ?, time_processing_end = ?, time_epilogue_end = ?,
			time_stage_out_end = ?,
			time_submit = ?, time_send_input_start = ?, time_send_input_finish = ?,
			time_receive_output_start = ?, time_receive_output_finish = ?, time_finish = ?,
			cmd_execution_time = ?, total_cmd_execution_time = ?
		WHERE id = ?`,
		m.EventsRead, m.EventsWritten, m.UnitsProcessed,
		m.BytesOutput, m.BytesBareOutput,
		m.CacheType, m.CacheStartSize, m.CacheEndSize,
		m.Host, m.ExitCode, m.CmsswExitCode, m.Submissions,
		m.LimitsExceeded, m.ResidentMemory, m.SwapMemory, m.VirtualMemory,
		m.WorkdirNumFiles, m.WorkdirFootprint, m.CPUTime,
		m.TotalBytesReceived, m.TotalBytesSent,
		m.TimeWrapperStart, m.TimeWrapperReady, m.TimeStageInEnd,
		m.TimePrologueEnd, m.TimeFileRequested, m.TimeFileOpened,
		m.TimeFileProcessing, m.TimeProcessingEnd, m.TimeEpilogueEnd,
		m.TimeStageOutEnd,
		m.TimeSubmit, m.TimeSendInputStart, m.TimeSendInputFinish,
		m.TimeReceiveOutputStart, m.TimeReceiveOutputFinish, m.TimeFinish,
		m.CmdExecutionTime, m.TotalCmdExecutionTime,
		taskID)
	return err
}
