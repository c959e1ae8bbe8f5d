package scheduler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSlotsNoTaper(t *testing.T) {
	workflows := []WorkflowSlotInput{
		{Label: "wf-a", ID: 1, UnitsLeft: 1000, TaskSize: 10},
		{Label: "wf-b", ID: 2, UnitsLeft: 2000, TaskSize: 10},
	}
	rng := rand.New(rand.NewSource(42))

	plans := PlanSlots(workflows, 50, rng)

	require.Len(t, plans, 2)
	total := int64(0)
	for _, p := range plans {
		assert.Equal(t, p.Workflow.TaskSize, p.EffectiveTaskSize, "no taper: effective size matches configured size")
		total += p.SlotCount
	}
	assert.Greater(t, total, int64(0))
}

func TestPlanSlotsAppliesTaperWhenWorkIsScarce(t *testing.T) {
	// A single workflow with only 5 units left and a task size of 10 has
	// less than one task of outstanding work; requesting 20 slots should
	// taper the effective task size down rather than padding the plan
	// with idle slots.
	workflows := []WorkflowSlotInput{
		{Label: "wf-a", ID: 1, UnitsLeft: 5, TaskSize: 10},
	}
	rng := rand.New(rand.NewSource(1))

	plans := PlanSlots(workflows, 20, rng)

	require.Len(t, plans, 1)
	assert.Less(t, plans[0].EffectiveTaskSize, workflows[0].TaskSize)
	assert.GreaterOrEqual(t, plans[0].EffectiveTaskSize, int64(1))
	assert.GreaterOrEqual(t, plans[0].SlotCount, int64(1))
}

func TestPlanSlotsZeroRequestedYieldsNoPlans(t *testing.T) {
	workflows := []WorkflowSlotInput{{Label: "wf-a", ID: 1, UnitsLeft: 100, TaskSize: 10}}
	plans := PlanSlots(workflows, 0, rand.New(rand.NewSource(1)))
	assert.Empty(t, plans)
}

func noGroup(run, lumi int64) []Candidate { return nil }

func TestPackUnitsClosesTasksAtTarget(t *testing.T) {
	candidates := make([]Candidate, 0, 25)
	for i := int64(1); i <= 25; i++ {
		candidates = append(candidates, Candidate{ID: i, File: 1})
	}
	plan := SlotPlan{EffectiveTaskSize: 10, SlotCount: 3}

	tasks := PackUnits(candidates, plan, 10, noGroup)

	require.Len(t, tasks, 3)
	assert.Len(t, tasks[0].UnitIDs, 10)
	assert.Len(t, tasks[1].UnitIDs, 10)
	assert.Len(t, tasks[2].UnitIDs, 5, "the partial remainder is closed at the end")
	for _, tk := range tasks {
		assert.False(t, tk.Quarantine)
	}
}

func TestPackUnitsDeduplicatesLumis(t *testing.T) {
	// Two candidates share (run=1, lumi=5); the lumi group resolver
	// returns both units for that lumi, and the second candidate sharing
	// the key must not be processed again independently.
	candidates := []Candidate{
		{ID: 1, File: 1, Run: 1, Lumi: 5},
		{ID: 2, File: 1, Run: 1, Lumi: 5},
		{ID: 3, File: 1, Run: 1, Lumi: 6},
	}
	group := func(run, lumi int64) []Candidate {
		if run == 1 && lumi == 5 {
			return []Candidate{{ID: 1, File: 1}, {ID: 2, File: 1}}
		}
		return []Candidate{{ID: 3, File: 1}}
	}
	plan := SlotPlan{EffectiveTaskSize: 100, SlotCount: 1}

	tasks := PackUnits(candidates, plan, 10, group)

	require.Len(t, tasks, 1)
	assert.ElementsMatch(t, []int64{1, 2, 3}, tasks[0].UnitIDs)
}

func TestPackUnitsQuarantinesAtFailureThreshold(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, File: 1, Failed: 3},
		{ID: 2, File: 1, Failed: 0},
	}
	plan := SlotPlan{EffectiveTaskSize: 10, SlotCount: 5}

	tasks := PackUnits(candidates, plan, 3, noGroup)

	require.Len(t, tasks, 2)
	var quarantined, normal *PackedTask
	for i := range tasks {
		if tasks[i].Quarantine {
			quarantined = &tasks[i]
		} else {
			normal = &tasks[i]
		}
	}
	require.NotNil(t, quarantined)
	require.NotNil(t, normal)
	assert.Equal(t, []int64{1}, quarantined.UnitIDs)
	assert.Equal(t, []int64{2}, normal.UnitIDs)
}

func TestPackUnitsDropsUnitsBeyondFailureThreshold(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, File: 1, Failed: 11},
		{ID: 2, File: 1, Failed: 0},
	}
	plan := SlotPlan{EffectiveTaskSize: 10, SlotCount: 5}

	tasks := PackUnits(candidates, plan, 10, noGroup)

	require.Len(t, tasks, 1)
	assert.Equal(t, []int64{2}, tasks[0].UnitIDs)
}

func TestPackUnitsStopsWhenSlotsExhausted(t *testing.T) {
	candidates := make([]Candidate, 0, 30)
	for i := int64(1); i <= 30; i++ {
		candidates = append(candidates, Candidate{ID: i, File: 1})
	}
	plan := SlotPlan{EffectiveTaskSize: 10, SlotCount: 2}

	tasks := PackUnits(candidates, plan, 10, noGroup)

	require.Len(t, tasks, 2)
	assert.Len(t, tasks[0].UnitIDs, 10)
	assert.Len(t, tasks[1].UnitIDs, 10)
}

func TestPackMergeBinsRequiresAtLeastTwoCandidates(t *testing.T) {
	assert.Nil(t, PackMergeBins(nil, 1000))
	assert.Nil(t, PackMergeBins([]MergeCandidate{{TaskID: 1, BytesBareOutput: 100}}, 1000))
}

func TestPackMergeBinsRejectsWhenSmallestTwoExceedMax(t *testing.T) {
	tasksDesc := []MergeCandidate{
		{TaskID: 1, BytesBareOutput: 600},
		{TaskID: 2, BytesBareOutput: 600},
	}
	assert.Nil(t, PackMergeBins(tasksDesc, 1000))
}

func TestPackMergeBinsRespectsMaxSizeAndPlacesEveryTask(t *testing.T) {
	tasksDesc := []MergeCandidate{
		{TaskID: 1, Units: 5, BytesBareOutput: 500},
		{TaskID: 2, Units: 4, BytesBareOutput: 400},
		{TaskID: 3, Units: 3, BytesBareOutput: 300},
		{TaskID: 4, Units: 2, BytesBareOutput: 200},
	}
	bins := PackMergeBins(tasksDesc, 1000)

	require.NotEmpty(t, bins)
	for _, b := range bins {
		assert.LessOrEqual(t, b.Size, b.MaxSize)
	}
	total := int64(0)
	for _, b := range bins {
		total += int64(len(b.Tasks))
	}
	assert.Equal(t, len(tasksDesc), int(total), "every task that can fit anywhere ends up in some bin")
}

func TestEligibleBinsRequiresTwoConstituentsAndFullnessOrCompletion(t *testing.T) {
	singleton := &MergeBin{Tasks: []MergeCandidate{{TaskID: 1}}, Size: 1000, MaxSize: 1000}
	sparse := &MergeBin{Tasks: []MergeCandidate{{TaskID: 1}, {TaskID: 2}}, Size: 100, MaxSize: 1000}
	full := &MergeBin{Tasks: []MergeCandidate{{TaskID: 1}, {TaskID: 2}}, Size: 950, MaxSize: 1000}

	bins := []*MergeBin{singleton, sparse, full}

	assert.Equal(t, []*MergeBin{full}, EligibleBins(bins, false))
	assert.Equal(t, []*MergeBin{sparse, full}, EligibleBins(bins, true))
}
