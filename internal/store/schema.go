package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaWorkflowsAndTasks = `
CREATE TABLE IF NOT EXISTS workflows (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	label         TEXT NOT NULL UNIQUE,
	uuid          TEXT NOT NULL,
	dataset       TEXT NOT NULL,
	cfg_path      TEXT NOT NULL DEFAULT '',
	release       TEXT NOT NULL DEFAULT '',
	global_tag    TEXT NOT NULL DEFAULT '',
	pset_hash     TEXT NOT NULL DEFAULT '',
	publish_label TEXT NOT NULL DEFAULT '',
	units         INTEGER NOT NULL DEFAULT 0,
	units_done    INTEGER NOT NULL DEFAULT 0,
	units_left    INTEGER NOT NULL DEFAULT 0,
	units_paused  INTEGER NOT NULL DEFAULT 0,
	units_running INTEGER NOT NULL DEFAULT 0,
	masked_lumis  INTEGER NOT NULL DEFAULT 0,
	events        INTEGER NOT NULL DEFAULT 0,
	tasksize      INTEGER NOT NULL DEFAULT 1,
	taskruntime   INTEGER,
	empty_source  INTEGER NOT NULL DEFAULT 0,
	file_based    INTEGER NOT NULL DEFAULT 0,
	merged        INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow              INTEGER NOT NULL REFERENCES workflows(id),
	type                  INTEGER NOT NULL,
	status                INTEGER NOT NULL DEFAULT 0,
	units                 INTEGER NOT NULL DEFAULT 0,
	task                  INTEGER,
	published_file_block  TEXT,

	events_read     INTEGER NOT NULL DEFAULT 0,
	events_written  INTEGER NOT NULL DEFAULT 0,
	units_processed INTEGER NOT NULL DEFAULT 0,
	bytes_output       INTEGER NOT NULL DEFAULT 0,
	bytes_bare_output  INTEGER NOT NULL DEFAULT 0,
	cache_type      TEXT NOT NULL DEFAULT '',
	cache_start_size INTEGER NOT NULL DEFAULT 0,
	cache_end_size   INTEGER NOT NULL DEFAULT 0,
	host            TEXT NOT NULL DEFAULT '',
	exit_code       INTEGER NOT NULL DEFAULT 0,
	cmssw_exit_code INTEGER,
	submissions     INTEGER NOT NULL DEFAULT 0,
	limits_exceeded TEXT NOT NULL DEFAULT '',
	resident_memory INTEGER NOT NULL DEFAULT 0,
	swap_memory     INTEGER NOT NULL DEFAULT 0,
	virtual_memory  INTEGER NOT NULL DEFAULT 0,
	workdir_num_files INTEGER NOT NULL DEFAULT 0,
	workdir_footprint INTEGER NOT NULL DEFAULT 0,
	cpu_time        REAL NOT NULL DEFAULT 0,
	total_bytes_received INTEGER NOT NULL DEFAULT 0,
	total_bytes_sent     INTEGER NOT NULL DEFAULT 0,

	time_wrapper_start  REAL NOT NULL DEFAULT 0,
	time_wrapper_ready  REAL NOT NULL DEFAULT 0,
	time_stage_in_end   REAL NOT NULL DEFAULT 0,
	time_prologue_end   REAL NOT NULL DEFAULT 0,
	time_file_requested REAL NOT NULL DEFAULT 0,
	time_file_opened    REAL NOT NULL DEFAULT 0,
	time_file_processing REAL NOT NULL DEFAULT 0,
	time_processing_end REAL NOT NULL DEFAULT 0,
	time_epilogue_end   REAL NOT NULL DEFAULT 0,
	time_stage_out_end  REAL NOT NULL DEFAULT 0,

	time_submit                REAL NOT NULL DEFAULT 0,
	time_send_input_start      REAL NOT NULL DEFAULT 0,
	time_send_input_finish     REAL NOT NULL DEFAULT 0,
	time_receive_output_start  REAL NOT NULL DEFAULT 0,
	time_receive_output_finish REAL NOT NULL DEFAULT 0,
	time_finish                REAL NOT NULL DEFAULT 0,
	cmd_execution_time         REAL NOT NULL DEFAULT 0,
	total_cmd_execution_time   REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_workflow_status ON tasks(workflow, status, type);
CREATE INDEX IF NOT EXISTS idx_tasks_task ON tasks(task);
`

// createWorkflowTables creates the per-workflow files_<label>/units_<label>
// tables and their indexes (§6). sanitizedLabel must already have passed
// SanitizeLabel.
func createWorkflowTables(ctx context.Context, tx *sql.Tx, sanitizedLabel string) error {
	filesT := filesTable(sanitizedLabel)
	unitsT := unitsTable(sanitizedLabel)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			filename      TEXT NOT NULL,
			units         INTEGER NOT NULL DEFAULT 0,
			events        INTEGER NOT NULL DEFAULT 0,
			bytes         INTEGER NOT NULL DEFAULT 0,
			units_done    INTEGER NOT NULL DEFAULT 0,
			units_running INTEGER NOT NULL DEFAULT 0,
			skipped       INTEGER NOT NULL DEFAULT 0,
			events_read   INTEGER NOT NULL DEFAULT 0
		)`, filesT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_filename ON %s(filename)`, filesT, filesT),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			file   INTEGER NOT NULL REFERENCES %s(id),
			run    INTEGER NOT NULL DEFAULT -1,
			lumi   INTEGER NOT NULL DEFAULT -1,
			arg    TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			task   INTEGER
		)`, unitsT, filesT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run_lumi ON %s(run, lumi)`, unitsT, unitsT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_file ON %s(file)`, unitsT, unitsT),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, unitsT, unitsT),
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create workflow table for %q: %w", sanitizedLabel, err)
		}
	}
	return nil
}

func migrateCore(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaWorkflowsAndTasks)
	return err
}
