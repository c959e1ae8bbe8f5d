package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// WorkflowConfig is the identity and sizing information supplied to
// Register (§3 "Created by register").
type WorkflowConfig struct {
	Label        string
	Dataset      string
	CfgPath      string
	Release      string
	GlobalTag    string
	PsetHash     string
	PublishLabel string

	TaskSize    int64
	TaskRuntime *int64

	EmptySource bool
	FileBased   bool

	// UniqueArgs fans a file's lumi set out once per argument (§4.1
	// "unique_args from config multiplies logical units").
	UniqueArgs []string
}

// Register inserts a workflow row, creates its per-workflow files/units
// tables, and bulk-inserts the supplied file/lumi inventory (§4.1
// `register`). Commits atomically; the whole operation is one transaction.
func (s *Store) Register(ctx context.Context, cfg WorkflowConfig, files []FileInput) (*Workflow, error) {
	sanitized, err := SanitizeLabel(cfg.Label)
	if err != nil {
		return nil, err
	}

	if cfg.TaskSize <= 0 {
		cfg.TaskSize = 1
	}

	args := cfg.UniqueArgs
	if len(args) == 0 {
		args = []string{""}
	}

	var workflow Workflow
	runUUID := uuid.New().String()

	err = s.withRetryTx(ctx, "register", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (
				label, uuid, dataset, cfg_path, release, global_tag, pset_hash,
				publish_label, tasksize, taskruntime, empty_source, file_based
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.Label, runUUID, cfg.Dataset, cfg.CfgPath, cfg.Release, cfg.GlobalTag,
			cfg.PsetHash, cfg.PublishLabel, cfg.TaskSize, cfg.TaskRuntime,
			boolToInt(cfg.EmptySource), boolToInt(cfg.FileBased))
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		workflowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("workflow id: %w", err)
		}

		if err := createWorkflowTables(ctx, tx, sanitized); err != nil {
			return err
		}

		filesT := filesTable(sanitized)
		unitsT := unitsTable(sanitized)

		var totalUnits, totalEvents int64

		for _, f := range files {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (filename, units, events, bytes) VALUES (?, ?, ?, ?)`, filesT),
				f.Filename, f.Units*int64(len(args)), f.Events, f.Bytes)
			if err != nil {
				return fmt.Errorf("insert file %q: %w", f.Filename, err)
			}
			fileID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("file id: %w", err)
			}

			if cfg.FileBased {
				for _, arg := range args {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf(
						`INSERT INTO %s (file, run, lumi, arg, status) VALUES (?, -1, -1, ?, ?)`, unitsT),
						fileID, arg, StatusInitialized); err != nil {
						return fmt.Errorf("insert file-based unit: %w", err)
					}
					totalUnits++
				}
			} else {
				for _, lumi := range f.Lumis {
					for _, arg := range args {
						unitArg := lumi.Arg
						if unitArg == "" {
							unitArg = arg
						}
						if _, err := tx.ExecContext(ctx, fmt.Sprintf(
							`INSERT INTO %s (file, run, lumi, arg, status) VALUES (?, ?, ?, ?, ?)`, unitsT),
							fileID, lumi.Run, lumi.Lumi, unitArg, StatusInitialized); err != nil {
							return fmt.Errorf("insert unit: %w", err)
						}
						totalUnits++
					}
				}
			}
			totalEvents += f.Events
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE workflows SET units = ?, units_left = ?, events = ? WHERE id = ?`,
			totalUnits, totalUnits, totalEvents, workflowID); err != nil {
			return fmt.Errorf("update workflow counters: %w", err)
		}

		workflow = Workflow{
			ID:           workflowID,
			Label:        cfg.Label,
			UUID:         runUUID,
			Dataset:      cfg.Dataset,
			CfgPath:      cfg.CfgPath,
			Release:      cfg.Release,
			GlobalTag:    cfg.GlobalTag,
			PsetHash:     cfg.PsetHash,
			PublishLabel: cfg.PublishLabel,
			Units:        totalUnits,
			UnitsLeft:    totalUnits,
			Events:       totalEvents,
			TaskSize:     cfg.TaskSize,
			TaskRuntime:  cfg.TaskRuntime,
			EmptySource:  cfg.EmptySource,
			FileBased:    cfg.FileBased,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TaskSizeCurrent.WithLabelValues(cfg.Label).Set(float64(cfg.TaskSize))
	}

	return &workflow, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
