package store

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/platform/config"
	"github.com/lobster-sched/lobster/internal/platform/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Workdir: t.TempDir(), Filename: "lobster.db"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := New(context.Background(), db, Options{FailureThreshold: 3, SkippingThreshold: 3})
	require.NoError(t, err)
	return st
}

func registerTestWorkflow(t *testing.T, s *Store, label string, fileCount, unitsPerFile int64) *Workflow {
	t.Helper()
	files := make([]FileInput, 0, fileCount)
	for i := int64(0); i < fileCount; i++ {
		lumis := make([]LumiInput, 0, unitsPerFile)
		for u := int64(0); u < unitsPerFile; u++ {
			lumis = append(lumis, LumiInput{Run: 1, Lumi: i*unitsPerFile + u + 1})
		}
		files = append(files, FileInput{
			Filename: label + "-file-" + string(rune('a'+i)),
			Units:    unitsPerFile,
			Events:   unitsPerFile * 1000,
			Bytes:    unitsPerFile * 2048,
			Lumis:    lumis,
		})
	}

	wf, err := s.Register(context.Background(), WorkflowConfig{
		Label:    label,
		Dataset:  "/Primary/Dataset/RAW",
		TaskSize: unitsPerFile,
	}, files)
	require.NoError(t, err)
	return wf
}

func TestRegisterCreatesWorkflowAndUnits(t *testing.T) {
	s := newTestStore(t)
	wf := registerTestWorkflow(t, s, "sample1", 2, 5)

	assert.NotZero(t, wf.ID)
	assert.Equal(t, int64(10), wf.Units)
	assert.Equal(t, int64(10), wf.UnitsLeft)
	assert.NotEmpty(t, wf.UUID)

	info, err := s.WorkflowInfo(context.Background(), "sample1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Units)
	assert.False(t, info.Merged)
}

func TestPopUnitsAssignsTasksAndDrainsBacklog(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "popunits", 1, 20)

	rng := rand.New(rand.NewSource(1))
	descriptors, err := s.PopUnits(context.Background(), 50, rng)
	require.NoError(t, err)
	require.NotEmpty(t, descriptors)

	totalUnits := 0
	for _, d := range descriptors {
		totalUnits += len(d.Units)
		assert.Equal(t, "popunits", d.Label)
		assert.False(t, d.Merge)
	}
	assert.Equal(t, 20, totalUnits, "every unit ends up bound to some task")

	info, err := s.WorkflowInfo(context.Background(), "popunits")
	require.NoError(t, err)
	assert.Equal(t, int64(20), info.UnitsRunning)

	// A second pop with no remaining eligible units emits nothing.
	second, err := s.PopUnits(context.Background(), 50, rng)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestUpdateUnitsAppliesCompletionAndRecomputesCounters(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "updateunits", 1, 10)

	rng := rand.New(rand.NewSource(2))
	// n=1 keeps PlanSlots on the non-taper path so the whole file packs
	// into a single task; a larger n would taper the effective task size
	// below 10 (down to 1 unit once n >= 10) and fragment this into
	// several tasks.
	descriptors, err := s.PopUnits(context.Background(), 1, rng)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	err = s.UpdateUnits(context.Background(), []TaskReport{
		{
			Label:   "updateunits",
			TaskID:  descriptors[0].TaskID,
			Success: true,
			Metrics: TaskMetrics{EventsWritten: 500, BytesBareOutput: 4096},
		},
	})
	require.NoError(t, err)

	successful, err := s.SuccessfulTasks(context.Background(), "updateunits")
	require.NoError(t, err)
	require.Len(t, successful, 1)
	assert.Equal(t, StatusSuccessful, successful[0].Status)
	assert.Equal(t, int64(4096), successful[0].Metrics.BytesBareOutput)

	info, err := s.WorkflowInfo(context.Background(), "updateunits")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.UnitsDone)
}

func TestUpdateUnitsAppliesFailureOverridesAndCounters(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "failover", 1, 5)

	rng := rand.New(rand.NewSource(3))
	descriptors, err := s.PopUnits(context.Background(), 1, rng)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	failedUnit := descriptors[0].Units[0].ID
	err = s.UpdateUnits(context.Background(), []TaskReport{
		{
			Label:         "failover",
			TaskID:        descriptors[0].TaskID,
			Success:       false,
			UnitOverrides: []UnitOverride{{UnitID: failedUnit, Status: StatusFailed}},
			Metrics:       TaskMetrics{},
		},
	})
	require.NoError(t, err)

	failed, err := s.FailedTasks(context.Background(), "failover")
	require.NoError(t, err)
	require.Len(t, failed, 1)

	failedUnits, err := s.FailedUnits(context.Background(), "failover")
	require.NoError(t, err)
	assert.Len(t, failedUnits, 5, "generic FAILED status applies to every unit bound to the failed task")
}

func TestPopMergeAndPublishCycle(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "mergecycle", 2, 5)

	rng := rand.New(rand.NewSource(4))

	// Drain all units across however many pop_units calls it takes.
	for i := 0; i < 10; i++ {
		descriptors, err := s.PopUnits(context.Background(), 10, rng)
		require.NoError(t, err)
		if len(descriptors) == 0 {
			break
		}
		for _, d := range descriptors {
			require.NoError(t, s.UpdateUnits(context.Background(), []TaskReport{{
				Label:   "mergecycle",
				TaskID:  d.TaskID,
				Success: true,
				Metrics: TaskMetrics{BytesBareOutput: 1000},
			}}))
		}
	}

	info, err := s.WorkflowInfo(context.Background(), "mergecycle")
	require.NoError(t, err)
	require.Equal(t, int64(0), info.UnitsLeft, "all units must be closed before merge packing is exercised")

	merges, err := s.PopMerge(context.Background(), 10_000_000, 10, rng)
	require.NoError(t, err)
	require.NotEmpty(t, merges)
	assert.True(t, merges[0].Merge)

	require.NoError(t, s.UpdateUnits(context.Background(), []TaskReport{{
		Label:   "mergecycle",
		TaskID:  merges[0].TaskID,
		IsMerge: true,
		Success: true,
		Metrics: TaskMetrics{BytesBareOutput: 2000},
	}}))

	merged, err := s.MergedTasks(context.Background(), "mergecycle")
	require.NoError(t, err)
	assert.Len(t, merged, 1)

	published := PublishedBlock{BlockName: "block-1", ProcessingTaskID: merges[0].Units[0].ID, MergeTaskID: merges[0].TaskID}
	require.NoError(t, s.UpdatePublished(context.Background(), []PublishedBlock{published}))
}

func TestResetUnitsRevertsInFlightState(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "resetme", 1, 4)

	rng := rand.New(rand.NewSource(5))
	descriptors, err := s.PopUnits(context.Background(), 1, rng)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	resetIDs, err := s.ResetUnits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{descriptors[0].TaskID}, resetIDs)

	running, err := s.RunningTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, running, "aborted tasks are no longer ASSIGNED")

	info, err := s.WorkflowInfo(context.Background(), "resetme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.UnitsRunning)
	assert.Equal(t, int64(4), info.UnitsLeft, "aborted units become eligible for packing again")
}

func TestEstimateTasksLeftAndWorkflowStatus(t *testing.T) {
	s := newTestStore(t)
	registerTestWorkflow(t, s, "estimate", 1, 25)

	estimate, err := s.EstimateTasksLeft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), estimate, "tasksize == unit count fits in a single task")

	status, err := s.WorkflowStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, "estimate", status[0].Label)
	assert.Equal(t, int64(25), status[0].Units)

	mergedOverall, err := s.Merged(context.Background())
	require.NoError(t, err)
	assert.False(t, mergedOverall)
}
