package store

import (
	"context"
	"fmt"
	"math"
	"time"
)

// WorkflowStatus is one row of the workflow_status() accessor: a
// dashboard-friendly snapshot of a workflow's counters.
type WorkflowStatus struct {
	Label        string
	Units        int64
	UnitsDone    int64
	UnitsLeft    int64
	UnitsPaused  int64
	UnitsRunning int64
	TaskSize     int64
	Merged       bool
}

// SuccessfulTasks implements §4.1 `successful_tasks(label)`.
func (s *Store) SuccessfulTasks(ctx context.Context, label string) ([]Task, error) {
	return s.tasksByStatusAndType(ctx, label, StatusSuccessful, TaskProcess)
}

// MergedTasks implements §4.1 `merged_tasks(label)`.
func (s *Store) MergedTasks(ctx context.Context, label string) ([]Task, error) {
	return s.tasksByStatusAndType(ctx, label, StatusMerged, TaskMerge)
}

// FailedTasks implements §4.1 `failed_tasks(label)`.
func (s *Store) FailedTasks(ctx context.Context, label string) ([]Task, error) {
	return s.tasksByStatusAndType(ctx, label, StatusFailed, TaskProcess)
}

func (s *Store) tasksByStatusAndType(ctx context.Context, label string, status Status, taskType TaskType) ([]Task, error) {
	var workflowID int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM workflows WHERE label = ?`, label).Scan(&workflowID); err != nil {
		return nil, fmt.Errorf("lookup workflow %q: %w", label, err)
	}

	// Metrics carries only the event, unit and byte counters; its other
	// fields are left zero.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow, type, status, units, task, published_file_block,
			events_read, events_written, units_processed, bytes_output, bytes_bare_output
		FROM tasks WHERE workflow = ? AND status = ? AND type = ?`, workflowID, status, taskType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Workflow, &t.Type, &t.Status, &t.Units, &t.Task, &t.PublishedFileBlock,
			&t.Metrics.EventsRead, &t.Metrics.EventsWritten, &t.Metrics.UnitsProcessed,
			&t.Metrics.BytesOutput, &t.Metrics.BytesBareOutput); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FailedUnits implements §4.1 `failed_units(label)`.
func (s *Store) FailedUnits(ctx context.Context, label string) ([]Unit, error) {
	sanitized, err := SanitizeLabel(label)
	if err != nil {
		return nil, err
	}
	unitsT := unitsTable(sanitized)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, file, run, lumi, arg, status, failed, task FROM %s WHERE status = ?`, unitsT), StatusFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.File, &u.Run, &u.Lumi, &u.Arg, &u.Status, &u.Failed, &u.Task); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SkippedFiles implements §4.1 `skipped_files(label)`.
func (s *Store) SkippedFiles(ctx context.Context, label string, skippingThreshold int64) ([]File, error) {
	sanitized, err := SanitizeLabel(label)
	if err != nil {
		return nil, err
	}
	filesT := filesTable(sanitized)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, filename, units, events, bytes, units_done, units_running, skipped, events_read
		 FROM %s WHERE skipped >= ?`, filesT), skippingThreshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Filename, &f.Units, &f.Events, &f.Bytes, &f.UnitsDone, &f.UnitsRunning, &f.Skipped, &f.EventsRead); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RunningTasks implements §4.1 `running_tasks()` across all workflows.
func (s *Store) RunningTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow, type, status, units, task, published_file_block
		FROM tasks WHERE status = ?`, StatusAssigned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Workflow, &t.Type, &t.Status, &t.Units, &t.Task, &t.PublishedFileBlock); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UnfinishedUnits implements §4.1 `unfinished_units()`: units not yet in a
// terminal-or-running state, across every workflow.
func (s *Store) UnfinishedUnits(ctx context.Context) (int64, error) {
	return s.sumAcrossWorkflows(ctx, func(unitsT string) (string, []interface{}) {
		return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status IN (?, ?)`, unitsT),
			[]interface{}{StatusInitialized, StatusFailed}
	})
}

// RunningUnits implements §4.1 `running_units()`.
func (s *Store) RunningUnits(ctx context.Context) (int64, error) {
	return s.sumAcrossWorkflows(ctx, func(unitsT string) (string, []interface{}) {
		return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = ?`, unitsT), []interface{}{StatusAssigned}
	})
}

func (s *Store) sumAcrossWorkflows(ctx context.Context, queryFor func(unitsT string) (string, []interface{})) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label FROM workflows`)
	if err != nil {
		return 0, err
	}
	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			rows.Close()
			return 0, err
		}
		labels = append(labels, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, label := range labels {
		sanitized, err := SanitizeLabel(label)
		if err != nil {
			return 0, err
		}
		query, args := queryFor(unitsTable(sanitized))
		var n int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count for %q: %w", label, err)
		}
		total += n
	}
	return total, nil
}

// WorkflowInfo implements §4.1 `workflow_info(label)`.
func (s *Store) WorkflowInfo(ctx context.Context, label string) (*Workflow, error) {
	var w Workflow
	var taskRuntime *int64
	var emptySource, fileBased, merged int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, uuid, dataset, cfg_path, release, global_tag, pset_hash, publish_label,
			units, units_done, units_left, units_paused, units_running, masked_lumis, events,
			tasksize, taskruntime, empty_source, file_based, merged, created_at
		FROM workflows WHERE label = ?`, label).Scan(
		&w.ID, &w.Label, &w.UUID, &w.Dataset, &w.CfgPath, &w.Release, &w.GlobalTag, &w.PsetHash, &w.PublishLabel,
		&w.Units, &w.UnitsDone, &w.UnitsLeft, &w.UnitsPaused, &w.UnitsRunning, &w.MaskedLumis, &w.Events,
		&w.TaskSize, &taskRuntime, &emptySource, &fileBased, &merged, &w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("workflow_info %q: %w", label, err)
	}
	w.TaskRuntime = taskRuntime
	w.EmptySource = emptySource != 0
	w.FileBased = fileBased != 0
	w.Merged = merged != 0
	return &w, nil
}

// WorkflowStatus implements §4.1 `workflow_status()`: a read-through
// accessor (§4.1 [ADDED]) since monitoring polls it frequently and it is
// safe to serve slightly stale.
func (s *Store) WorkflowStatus(ctx context.Context) ([]WorkflowStatus, error) {
	const cacheKey = "workflow_status"
	var cached []WorkflowStatus
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT label, units, units_done, units_left, units_paused, units_running, tasksize, merged
		FROM workflows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowStatus
	for rows.Next() {
		var ws WorkflowStatus
		var merged int
		if err := rows.Scan(&ws.Label, &ws.Units, &ws.UnitsDone, &ws.UnitsLeft, &ws.UnitsPaused, &ws.UnitsRunning, &ws.TaskSize, &merged); err != nil {
			return nil, err
		}
		ws.Merged = merged != 0
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cacheSet(ctx, cacheKey, out)
	return out, nil
}

// Merged implements §4.1 `merged()`: true iff every workflow has merged=1.
func (s *Store) Merged(ctx context.Context) (bool, error) {
	const cacheKey = "merged"
	var cached bool
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	var unmerged int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows WHERE merged = 0`).Scan(&unmerged); err != nil {
		return false, err
	}
	result := unmerged == 0
	s.cacheSet(ctx, cacheKey, result)
	return result, nil
}

// EstimateTasksLeft implements §4.1 `estimate_tasks_left()`: the same
// ceil(units_left/tasksize) sum PlanSlots uses for taper, exposed as a
// read-only accessor.
func (s *Store) EstimateTasksLeft(ctx context.Context) (int64, error) {
	const cacheKey = "estimate_tasks_left"
	var cached int64
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT units_left, tasksize FROM workflows WHERE units_left > 0`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var unitsLeft, taskSize int64
		if err := rows.Scan(&unitsLeft, &taskSize); err != nil {
			return 0, err
		}
		if taskSize <= 0 {
			taskSize = 1
		}
		total += int64(math.Ceil(float64(unitsLeft) / float64(taskSize)))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	s.cacheSet(ctx, cacheKey, total)
	return total, nil
}

// cacheGet/cacheSet implement the short-TTL read-through layer described
// in SPEC_FULL §4.1 [ADDED]; a nil s.cache (the default) disables it
// entirely and every accessor falls through to the live query. dest must
// be a pointer, matching cache.Cache.Get's json.Unmarshal target.
func (s *Store) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.Get(ctx, key, dest); err != nil {
		if s.metrics != nil {
			s.metrics.CacheMisses.WithLabelValues(key).Inc()
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.CacheHits.WithLabelValues(key).Inc()
	}
	return true
}

func (s *Store) cacheSet(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, key, value, 5*time.Second)
}
