// Package scheduler implements the two packing algorithms that convert
// Store state into ready-to-dispatch task descriptors (§4.2): pop_units
// (processing-task packing) and pop_merge (merge-task bin-packing). The
// functions in this file are pure — no database access — so they can be
// exercised directly by tests; internal/store wires them to persistence.
package scheduler

import (
	"container/heap"
	"math"
	"math/rand"
)

// WorkflowSlotInput is one row of "workflows with units_left > 0" (§4.2.1
// step 1).
type WorkflowSlotInput struct {
	Label       string
	ID          int64
	UnitsLeft   int64
	TaskSize    int64
	EmptySource bool
}

// SlotPlan is the per-workflow packing target computed by PlanSlots: pack
// up to SlotCount tasks of EffectiveTaskSize units each.
type SlotPlan struct {
	Workflow          WorkflowSlotInput
	EffectiveTaskSize int64
	SlotCount         int64
}

// estimatedTasks returns units_left / tasksize as a float, matching the
// reference's plain division (not integer division).
func estimatedTasks(w WorkflowSlotInput) float64 {
	if w.TaskSize <= 0 {
		return 0
	}
	return float64(w.UnitsLeft) / float64(w.TaskSize)
}

// PlanSlots implements §4.2.1 steps 1-4: shuffle workflows for fairness,
// compute the taper factor when there is less outstanding work than
// requested task count N, and derive each workflow's effective task size
// and slot count. rng is injected so tests get reproducible shuffles
// (§9 "Non-deterministic ordering... the test harness must seed the RNG").
func PlanSlots(workflows []WorkflowSlotInput, n int, rng *rand.Rand) []SlotPlan {
	shuffled := make([]WorkflowSlotInput, len(workflows))
	copy(shuffled, workflows)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	tasksLeft := 0.0
	for _, w := range shuffled {
		tasksLeft += math.Ceil(estimatedTasks(w))
	}

	plans := make([]SlotPlan, 0, len(shuffled))

	if n <= 0 {
		return plans
	}

	if tasksLeft < float64(n) && tasksLeft > 0 {
		taper := tasksLeft / float64(n)
		for _, w := range shuffled {
			effective := int64(math.Ceil(taper * float64(w.TaskSize)))
			if effective < 1 {
				effective = 1
			}
			slots := int64(math.Ceil(estimatedTasks(w) / taper))
			if slots < 1 {
				slots = 1
			}
			plans = append(plans, SlotPlan{Workflow: w, EffectiveTaskSize: effective, SlotCount: slots})
		}
		return plans
	}

	for _, w := range shuffled {
		if tasksLeft <= 0 {
			break
		}
		slots := int64(math.Ceil(estimatedTasks(w) * float64(n) / tasksLeft))
		if slots < 1 {
			slots = 1
		}
		plans = append(plans, SlotPlan{Workflow: w, EffectiveTaskSize: w.TaskSize, SlotCount: slots})
	}
	return plans
}

// Candidate is one schedulable unit considered by PackUnits (§4.2.1 steps
// b-d). Units not eligible at all (wrong status, paused) must be filtered
// out by the caller before invoking PackUnits.
type Candidate struct {
	ID     int64
	File   int64
	Run    int64
	Lumi   int64
	Arg    string
	Failed int64
}

// PackedTask is one closed processing task emitted by PackUnits: the unit
// ids it contains and whether it is a quarantine (single poison-unit)
// task (§4.2.1 step d, "failed == failure_threshold exactly").
type PackedTask struct {
	UnitIDs    []int64
	Files      map[int64]bool
	Quarantine bool
}

// lumiGroup resolves every other candidate unit across the workflow sharing
// (run, lumi) with the triggering candidate — supplied by the caller since
// it requires a workflow-wide query (§4.2.1 step d, lumi > 0 branch).
type LumiGroupFunc func(run, lumi int64) []Candidate

// PackUnits implements §4.2.1 steps c-e: iterate candidates in file/skip
// order, de-duplicating lumis, isolating units at exactly failureThreshold
// failures into single-unit quarantine tasks, and closing a task every
// time its running size reaches the current slot's target.
func PackUnits(candidates []Candidate, plan SlotPlan, failureThreshold int64, lumiGroup LumiGroupFunc) []PackedTask {
	var tasks []PackedTask
	allLumis := make(map[[2]int64]bool)

	slotsRemaining := plan.SlotCount
	slotTarget := plan.EffectiveTaskSize
	if slotTarget < 1 {
		slotTarget = 1
	}

	cur := PackedTask{Files: make(map[int64]bool)}
	currentSize := int64(0)

	closeCurrent := func() {
		if currentSize > 0 {
			tasks = append(tasks, cur)
		}
		cur = PackedTask{Files: make(map[int64]bool)}
		currentSize = 0
	}

	for _, c := range candidates {
		if c.Failed > failureThreshold {
			continue
		}
		key := [2]int64{c.Run, c.Lumi}
		if c.Lumi > 0 && allLumis[key] {
			continue
		}

		if currentSize == 0 && slotsRemaining <= 0 {
			break
		}

		if c.Failed == failureThreshold {
			// Quarantine: isolate this single unit on its own task so the
			// next failure (if any) pauses it without poisoning a batch.
			tasks = append(tasks, PackedTask{
				UnitIDs:    []int64{c.ID},
				Files:      map[int64]bool{c.File: true},
				Quarantine: true,
			})
			continue
		}

		if c.Lumi > 0 {
			allLumis[key] = true
			group := lumiGroup(c.Run, c.Lumi)
			if len(group) == 0 {
				group = []Candidate{c}
			}
			for _, g := range group {
				cur.UnitIDs = append(cur.UnitIDs, g.ID)
				cur.Files[g.File] = true
			}
		} else {
			cur.UnitIDs = append(cur.UnitIDs, c.ID)
			cur.Files[c.File] = true
		}

		currentSize++
		if currentSize >= slotTarget {
			slotsRemaining--
			closeCurrent()
		}
	}
	closeCurrent()

	return tasks
}

// MergeCandidate is a SUCCESSFUL processing task eligible for merging
// (§4.2.2 step 1).
type MergeCandidate struct {
	TaskID          int64
	Units           int64
	BytesBareOutput int64
}

// MergeBin is one bin under construction/emission (§4.2.2 step 3): it
// accumulates constituent tasks up to MaxSize bytes.
type MergeBin struct {
	Tasks   []MergeCandidate
	Units   int64
	Size    int64
	MaxSize int64
}

// binHeap is a max-heap of *MergeBin keyed by current Size, used to find
// the fullest bin that still accepts a task (§9 "merge candidate
// iteration" Open Question, resolved as a heap instead of
// reversed(sorted(...))).
type binHeap []*MergeBin

func (h binHeap) Len() int            { return len(h) }
func (h binHeap) Less(i, j int) bool  { return h[i].Size > h[j].Size } // max-heap
func (h binHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *binHeap) Push(x interface{}) { *h = append(*h, x.(*MergeBin)) }
func (h *binHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PackMergeBins implements §4.2.2 steps 2-4: bin-pack SUCCESSFUL tasks
// (already sorted bytes_bare_output DESC by the caller) into bins bounded
// by maxBytes, trying the fullest-first bin before opening a new one.
func PackMergeBins(tasksDesc []MergeCandidate, maxBytes int64) []*MergeBin {
	if len(tasksDesc) < 2 {
		return nil
	}
	smallest := tasksDesc[len(tasksDesc)-1].BytesBareOutput
	if tasksDesc[len(tasksDesc)-1].BytesBareOutput+tasksDesc[len(tasksDesc)-2].BytesBareOutput > maxBytes {
		return nil
	}

	h := &binHeap{}
	heap.Init(h)

	var all []*MergeBin
	var deferredPop []*MergeBin // bins temporarily popped while probing for fit

	for _, t := range tasksDesc {
		deferredPop = deferredPop[:0]
		var placed *MergeBin

		for h.Len() > 0 {
			candidate := heap.Pop(h).(*MergeBin)
			if candidate.Size+t.BytesBareOutput <= candidate.MaxSize {
				placed = candidate
				break
			}
			deferredPop = append(deferredPop, candidate)
		}

		for _, b := range deferredPop {
			heap.Push(h, b)
		}

		if placed == nil {
			if t.BytesBareOutput+smallest <= maxBytes {
				placed = &MergeBin{MaxSize: maxBytes}
				all = append(all, placed)
			} else {
				continue
			}
		}

		placed.Tasks = append(placed.Tasks, t)
		placed.Units += t.Units
		placed.Size += t.BytesBareOutput
		heap.Push(h, placed)
	}

	return all
}

// EligibleBins filters the packed bins per §4.2.2 step 5: at least two
// constituent tasks, and either the workflow is fully drained or the bin
// is at least 90% full.
func EligibleBins(bins []*MergeBin, workflowComplete bool) []*MergeBin {
	var out []*MergeBin
	for _, b := range bins {
		if len(b.Tasks) < 2 {
			continue
		}
		if workflowComplete || float64(b.Size) >= 0.9*float64(b.MaxSize) {
			out = append(out, b)
		}
	}
	return out
}
