package taskhandler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/scheduler"
	"github.com/lobster-sched/lobster/internal/store"
)

type fakeStageEngine struct{ inputs, outputs bool }

func (f fakeStageEngine) TransfersInputs() bool  { return f.inputs }
func (f fakeStageEngine) TransfersOutputs() bool { return f.outputs }

type nopSummary struct{}

func (nopSummary) WorkQueueNote(format string, args ...interface{}) {}
func (nopSummary) MonitorNote(format string, args ...interface{})   {}

func TestNewDetectsFileBasedFromUnits(t *testing.T) {
	lumiBased := New(1, "wf", nil, []UnitInput{{ID: 1, File: 1, Run: 5, Lumi: 9}}, nil, "", true, false, false, false)
	assert.False(t, lumiBased.fileBased)

	fileBased := New(2, "wf", nil, []UnitInput{{ID: 1, File: 1, Run: -1, Lumi: -1}}, nil, "", true, false, false, false)
	assert.True(t, fileBased.fileBased)
}

func TestAdjustLocalizesPathsWhenStageEngineTransfers(t *testing.T) {
	h := New(1, "wf", []scheduler.FileRef{{ID: 1, Filename: "a.root"}}, nil, nil, "/work/task1", true, false, false, true)

	var params DispatchParameters
	inputs, outputs := h.Adjust(&params, []string{"/remote/a.root"}, []string{"/remote/out.root"}, fakeStageEngine{inputs: true, outputs: true})

	assert.Equal(t, []string{filepath.Join("/work/task1", "a.root")}, inputs)
	assert.Equal(t, []string{filepath.Join("/work/task1", "out.root")}, outputs)
	assert.Equal(t, []string{"a.root"}, params.Mask.Files)
}

func TestAdjustLeavesPathsWhenStageEngineDoesNotTransfer(t *testing.T) {
	h := New(1, "wf", nil, nil, nil, "/work/task1", true, false, false, false)

	var params DispatchParameters
	inputs, outputs := h.Adjust(&params, []string{"/remote/a.root"}, []string{"/remote/out.root"}, fakeStageEngine{})

	assert.Equal(t, []string{"/remote/a.root"}, inputs)
	assert.Equal(t, []string{"/remote/out.root"}, outputs)
}

func TestAdjustComputesCompactLumiMaskForNonFileBasedNonMergeTasks(t *testing.T) {
	units := []UnitInput{
		{ID: 1, File: 1, Run: 1, Lumi: 1},
		{ID: 2, File: 1, Run: 1, Lumi: 2},
		{ID: 3, File: 1, Run: 1, Lumi: 3},
		{ID: 4, File: 1, Run: 1, Lumi: 10},
	}
	h := New(1, "wf", nil, units, nil, "", true, false, false, false)

	var params DispatchParameters
	h.Adjust(&params, nil, nil, fakeStageEngine{})

	require.Len(t, params.Mask.LumiRanges, 2)
	assert.Equal(t, [2][2]int64{{1, 1}, {1, 3}}, params.Mask.LumiRanges[0])
	assert.Equal(t, [2][2]int64{{1, 10}, {1, 10}}, params.Mask.LumiRanges[1])
}

func TestAdjustSkipsLumiMaskForMergeTasks(t *testing.T) {
	units := []UnitInput{{ID: 1, File: 1, Run: 1, Lumi: 1}}
	h := New(1, "wf", nil, units, nil, "", true, false, true, false)

	var params DispatchParameters
	h.Adjust(&params, nil, nil, fakeStageEngine{})

	assert.Empty(t, params.Mask.LumiRanges)
}

func writeReport(t *testing.T, dir string, report Report) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"output size":      report.OutputSize,
		"output bare size": report.OutputBareSize,
		"cache":            report.Cache,
		"task timing":      report.TaskTiming,
		"cpu time":         report.CPUTime,
		"events written":   report.EventsWritten,
		"cmssw exit code":  report.CmsswExitCode,
		"files": map[string]interface{}{
			"info":    map[string][2]interface{}{},
			"skipped": []string{},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.json"), data, 0o644))
}

func TestProcessEmptySourceSkipsReportRead(t *testing.T) {
	h := New(1, "wf", nil, nil, nil, t.TempDir(), false, true, false, false)

	result, err := h.Process(context.Background(), CompletedTask{ReturnStatus: 0}, nopSummary{})
	require.NoError(t, err)
	assert.False(t, result.Failed)
}

func TestProcessFailsWhenReportMissing(t *testing.T) {
	h := New(1, "wf", nil, nil, nil, t.TempDir(), true, false, false, false)

	result, err := h.Process(context.Background(), CompletedTask{ReturnStatus: 0}, nopSummary{})
	require.NoError(t, err)
	assert.True(t, result.Failed, "a missing report.json on a non-empty-source task is treated as a failure")
}

func TestProcessReconcilesExecutorResultOverReturnStatus(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, Report{})
	h := New(1, "wf", nil, nil, nil, dir, true, false, false, false)

	result, err := h.Process(context.Background(), CompletedTask{ReturnStatus: 0, Result: 7}, nopSummary{})
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, int64(100007), result.TaskUpdate.ExitCode)
	assert.Equal(t, int64(0), result.TaskUpdate.EventsWritten, "events_written is zeroed on failure")
}

func TestProcessPersistsWrapperLog(t *testing.T) {
	dir := t.TempDir()
	writeReport(t, dir, Report{})
	h := New(1, "wf", nil, nil, nil, dir, true, false, false, false)

	_, err := h.Process(context.Background(), CompletedTask{Stdout: []byte("hello wrapper")}, nopSummary{})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "task.log.gz"))
	assert.NoError(t, statErr)
}

func TestGetUnitInfoMarksSkippedFilesAndTheirUnitsFailed(t *testing.T) {
	h := New(1, "wf",
		[]scheduler.FileRef{{ID: 10, Filename: "a.root"}},
		[]UnitInput{{ID: 100, File: 10, Run: 1, Lumi: 1}},
		nil, "", true, false, false, false)

	report := &Report{Files: ReportFiles{Skipped: []string{"a.root"}}}
	fileUpdate, unitUpdate, read, unitsProcessed := h.getUnitInfo(false, report)

	require.Len(t, fileUpdate, 1)
	assert.True(t, fileUpdate[0].Skipped)
	require.Len(t, unitUpdate, 1)
	assert.Equal(t, store.StatusFailed, unitUpdate[0].Status)
	assert.Equal(t, int64(0), read)
	assert.Equal(t, int64(0), unitsProcessed, "the task's one unit was skipped, decrementing from 1 to 0")
}

func TestGetUnitInfoMarksAbsentLumisFailedForLumiBasedTasks(t *testing.T) {
	h := New(1, "wf",
		[]scheduler.FileRef{{ID: 10, Filename: "a.root"}},
		[]UnitInput{
			{ID: 100, File: 10, Run: 1, Lumi: 1},
			{ID: 101, File: 10, Run: 1, Lumi: 2},
		},
		nil, "", true, false, false, false)

	report := &Report{Files: ReportFiles{
		Info: map[string]FileInfo{"a.root": {EventsRead: 50, Lumis: [][2]int64{{1, 1}}}},
	}}
	_, unitUpdate, read, unitsProcessed := h.getUnitInfo(false, report)

	require.Len(t, unitUpdate, 1)
	assert.Equal(t, int64(101), unitUpdate[0].UnitID)
	assert.Equal(t, int64(50), read)
	assert.Equal(t, int64(1), unitsProcessed, "one of two units had a missing lumi and was decremented")
}

func TestGetUnitInfoReturnsNoUpdatesForMergeTasks(t *testing.T) {
	h := New(1, "wf", nil, []UnitInput{{ID: 1, File: 1}}, nil, "", true, false, true, false)
	fileUpdate, unitUpdate, read, unitsProcessed := h.getUnitInfo(false, nil)
	assert.Nil(t, fileUpdate)
	assert.Nil(t, unitUpdate)
	assert.Equal(t, int64(0), read)
	assert.Equal(t, int64(0), unitsProcessed)
}
