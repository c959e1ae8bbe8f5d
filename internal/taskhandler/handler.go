// Package taskhandler implements the per-task adapter described in §4.3:
// it parameterizes the dispatch request, ingests the executor's
// completion record and the on-disk report.json, and computes the
// unit-level status deltas the Store consumes via UpdateUnits.
package taskhandler

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lobster-sched/lobster/internal/scheduler"
	"github.com/lobster-sched/lobster/internal/store"
)

// TaskHandler is the per-task adapter (§4.3): constructed once per
// dispatched task with its identity, file/unit membership, and execution
// mode flags.
type TaskHandler struct {
	ID          int64
	Label       string
	Files       []scheduler.FileRef
	Units       []UnitInput
	Outputs     []string
	TaskDir     string
	CmsswTask   bool
	EmptySource bool
	Merge       bool
	Local       bool

	fileBased bool
}

// UnitInput is one unit bound to this task, carrying enough identity for
// getUnitInfo to reconcile it against the report.
type UnitInput struct {
	ID   int64
	File int64
	Run  int64
	Lumi int64
}

// New constructs a TaskHandler, recording whether the task is file-based
// (any supplied unit has run<0 or lumi<0), per §4.3.
func New(id int64, label string, files []scheduler.FileRef, units []UnitInput, outputs []string, taskDir string, cmsswTask, emptySource, merge, local bool) *TaskHandler {
	fileBased := false
	for _, u := range units {
		if u.Run < 0 || u.Lumi < 0 {
			fileBased = true
			break
		}
	}
	return &TaskHandler{
		ID: id, Label: label, Files: files, Units: units, Outputs: outputs,
		TaskDir: taskDir, CmsswTask: cmsswTask, EmptySource: emptySource, Merge: merge, Local: local,
		fileBased: fileBased,
	}
}

// StageEngine abstracts the stage-in/stage-out collaborator (§1 "out of
// scope") that Adjust consults to decide whether inputs/outputs should be
// rewritten to local paths.
type StageEngine interface {
	TransfersInputs() bool
	TransfersOutputs() bool
}

// DispatchParameters is the subset of the dispatch request Adjust mutates.
type DispatchParameters struct {
	Mask struct {
		Files     []string
		LumiRanges [][2][2]int64 // compact lumi mask: [[runLo,lumiLo],[runHi,lumiHi]]
	}
}

// Adjust implements §4.3 `adjust`: rewrites the dispatch request's
// input/output paths to local copies when applicable, sets the input
// filename mask, and — for non-file-based, non-merge tasks — computes a
// compact lumi mask.
func (h *TaskHandler) Adjust(params *DispatchParameters, inputs, outputs []string, engine StageEngine) (newInputs, newOutputs []string) {
	newInputs, newOutputs = inputs, outputs

	if (h.Local || h.Merge) && engine.TransfersInputs() {
		newInputs = localize(inputs, h.TaskDir)
	}
	if engine.TransfersOutputs() {
		newOutputs = localize(outputs, h.TaskDir)
	}

	seen := make(map[string]bool)
	var filenames []string
	for _, f := range h.Files {
		if !seen[f.Filename] {
			seen[f.Filename] = true
			filenames = append(filenames, f.Filename)
		}
	}
	params.Mask.Files = filenames

	if !h.fileBased && !h.Merge {
		params.Mask.LumiRanges = compactLumiMask(h.Units)
	}

	return newInputs, newOutputs
}

func localize(paths []string, taskDir string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Join(taskDir, filepath.Base(p))
	}
	return out
}

// compactLumiMask collapses the task's (run, lumi) set into contiguous
// ranges, matching the "compact lumi-mask" §4.3 calls for.
func compactLumiMask(units []UnitInput) [][2][2]int64 {
	type rl struct{ run, lumi int64 }
	seen := make(map[rl]bool)
	var pairs []rl
	for _, u := range units {
		p := rl{u.Run, u.Lumi}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	// Sort by (run, lumi) then coalesce contiguous lumi runs within a run.
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && (pairs[j-1].run > pairs[j].run ||
			(pairs[j-1].run == pairs[j].run && pairs[j-1].lumi > pairs[j].lumi)); j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}

	var ranges [][2][2]int64
	for _, p := range pairs {
		if n := len(ranges); n > 0 {
			last := &ranges[n-1]
			if last[1][0] == p.run && last[1][1]+1 == p.lumi {
				last[1][1] = p.lumi
				continue
			}
		}
		ranges = append(ranges, [2][2]int64{{p.run, p.lumi}, {p.run, p.lumi}})
	}
	return ranges
}

// ProcessResult is the tuple `process` returns to the result loop.
type ProcessResult struct {
	Failed      bool
	TaskUpdate  store.TaskMetrics
	FileUpdate  []FileUpdate
	UnitUpdate  []store.UnitOverride
}

// FileUpdate is `(read, skipped, file_id)` from §4.3 `get_unit_info`.
type FileUpdate struct {
	FileID        int64
	EventsRead    int64
	Skipped       bool
}

// Summary receives human-facing diagnostics the way the reference's
// `summary.wq`/`summary.monitor` do, without coupling TaskHandler to any
// particular reporting backend.
type Summary interface {
	WorkQueueNote(format string, args ...interface{})
	MonitorNote(format string, args ...interface{})
}

// Process implements §4.3 `process`: persists the wrapper log, parses
// report.json, reconciles the executor's own result, and computes the
// unit-level deltas via getUnitInfo.
func (h *TaskHandler) Process(ctx context.Context, completed CompletedTask, summary Summary) (ProcessResult, error) {
	if len(completed.Stdout) > 0 {
		if err := writeGzippedLog(filepath.Join(h.TaskDir, "task.log.gz"), completed.Stdout); err != nil {
			return ProcessResult{}, fmt.Errorf("persist task log: %w", err)
		}
	}

	failed := completed.ReturnStatus != 0

	report, reportErr := h.processReport()
	if reportErr != nil {
		failed = true
	}

	metrics := store.TaskMetrics{
		Host:               completed.Hostname,
		Submissions:        completed.TotalSubmissions,
		TotalBytesReceived: completed.TotalBytesReceived,
		TotalBytesSent:     completed.TotalBytesSent,
		TimeSubmit:         microsToSeconds(completed.SubmitTime),
		TimeSendInputStart:  microsToSeconds(completed.SendInputStart),
		TimeSendInputFinish: microsToSeconds(completed.SendInputFinish),
		TimeReceiveOutputStart:  microsToSeconds(completed.ReceiveOutputStart),
		TimeReceiveOutputFinish: microsToSeconds(completed.ReceiveOutputFinish),
		TimeFinish:              microsToSeconds(completed.FinishTime),
		CmdExecutionTime:        microsToSeconds(completed.CmdExecutionTime),
		TotalCmdExecutionTime:   microsToSeconds(completed.TotalCmdExecutionTime),
		ResidentMemory:   completed.ResourcesMeasured.ResidentMemory,
		SwapMemory:       completed.ResourcesMeasured.SwapMemory,
		VirtualMemory:    completed.ResourcesMeasured.VirtualMemory,
		WorkdirNumFiles:  completed.ResourcesMeasured.WorkdirNumFiles,
		WorkdirFootprint: completed.ResourcesMeasured.WorkdirFootprint,
		LimitsExceeded:   completed.ResourcesMeasured.LimitsExceeded,
		ExitCode:         completed.ReturnStatus,
	}

	if report != nil {
		metrics.BytesOutput = report.OutputSize
		metrics.BytesBareOutput = report.OutputBareSize
		metrics.CacheType = report.Cache.Type
		metrics.CacheStartSize = report.Cache.StartSize
		metrics.CacheEndSize = report.Cache.EndSize
		metrics.CPUTime = report.CPUTime
		metrics.TimeWrapperStart = report.TaskTiming.WrapperStart
		metrics.TimeWrapperReady = report.TaskTiming.WrapperReady
		metrics.TimeStageInEnd = report.TaskTiming.StageInEnd
		metrics.TimePrologueEnd = report.TaskTiming.PrologueEnd
		metrics.TimeFileRequested = report.TaskTiming.FileRequested
		metrics.TimeFileOpened = report.TaskTiming.FileOpened
		metrics.TimeFileProcessing = report.TaskTiming.FileProcessing
		metrics.TimeProcessingEnd = report.TaskTiming.ProcessingEnd
		metrics.TimeEpilogueEnd = report.TaskTiming.EpilogueEnd
		metrics.TimeStageOutEnd = report.TaskTiming.StageOutEnd
		metrics.EventsWritten = report.EventsWritten
		metrics.CmsswExitCode = report.CmsswExitCode
	}

	// Reconcile the executor's own result (§4.3 step 3).
	if completed.Result != 0 {
		metrics.ExitCode = 100000 + completed.Result
		failed = true
		summary.WorkQueueNote("task %d: executor reported non-success result %d", h.ID, completed.Result)
	} else if report != nil && report.CmsswExitCode != nil && *report.CmsswExitCode != 0 {
		metrics.ExitCode = *report.CmsswExitCode
		if *report.CmsswExitCode > 0 {
			failed = true
		}
	}

	fileUpdate, unitUpdate, eventsRead, unitsProcessed := h.getUnitInfo(failed, report)
	metrics.EventsRead = eventsRead
	metrics.UnitsProcessed = unitsProcessed

	if failed {
		metrics.EventsWritten = 0
	}

	return ProcessResult{
		Failed:     failed,
		TaskUpdate: metrics,
		FileUpdate: fileUpdate,
		UnitUpdate: unitUpdate,
	}, nil
}

func (h *TaskHandler) processReport() (*Report, error) {
	if h.EmptySource {
		return &Report{}, nil
	}

	path := filepath.Join(h.TaskDir, "report.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse report: %w", err)
	}
	return &report, nil
}

// getUnitInfo implements §4.3 `get_unit_info`. unitsProcessed starts at the
// task's total unit count, is reset to 0 on failure, and is otherwise
// decremented once per unit emitted as FAILED (skipped file or missing
// lumi), per spec.md "get_unit_info" steps 3-5.
func (h *TaskHandler) getUnitInfo(failed bool, report *Report) (fileUpdate []FileUpdate, unitUpdate []store.UnitOverride, totalEventsRead int64, unitsProcessed int64) {
	if h.Merge {
		return nil, nil, 0, 0
	}

	unitsProcessed = int64(len(h.Units))
	if failed {
		unitsProcessed = 0
	}

	skippedSet := make(map[string]bool)
	if report != nil {
		for _, f := range report.Files.Skipped {
			skippedSet[f] = true
		}
	}

	unitsByFile := make(map[int64][]UnitInput)
	for _, u := range h.Units {
		unitsByFile[u.File] = append(unitsByFile[u.File], u)
	}

	for _, f := range h.Files {
		skipped := false
		if !h.EmptySource && h.CmsswTask && report != nil {
			_, present := report.Files.Info[f.Filename]
			skipped = skippedSet[f.Filename] || !present
		}

		var read int64
		switch {
		case failed || skipped:
			read = 0
		default:
			if info, ok := report.Files.Info[f.Filename]; ok {
				read = info.EventsRead
			}
		}

		switch {
		case failed:
			// unitsProcessed already reset to 0 above.
		case skipped:
			for _, u := range unitsByFile[f.ID] {
				unitUpdate = append(unitUpdate, store.UnitOverride{UnitID: u.ID, Status: store.StatusFailed})
				unitsProcessed--
			}
		case !h.fileBased && report != nil:
			info := report.Files.Info[f.Filename]
			present := make(map[[2]int64]bool, len(info.Lumis))
			for _, rl := range info.Lumis {
				present[rl] = true
			}
			for _, u := range unitsByFile[f.ID] {
				if !present[[2]int64{u.Run, u.Lumi}] {
					unitUpdate = append(unitUpdate, store.UnitOverride{UnitID: u.ID, Status: store.StatusFailed})
					unitsProcessed--
				}
			}
		}

		fileUpdate = append(fileUpdate, FileUpdate{FileID: f.ID, EventsRead: read, Skipped: skipped})
		totalEventsRead += read
	}

	return fileUpdate, unitUpdate, totalEventsRead, unitsProcessed
}

func writeGzippedLog(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}
