// Package sizer implements the adaptive task-size recomputation described
// in spec §4.1(a)/§4.4: a workflow's target units-per-task is nudged
// toward the size that would make the average task take taskruntime
// seconds, but only once enough evidence (>= 10 completed tasks) has
// accumulated and only when the change is large enough (> 10%) to be
// worth the disruption of repacking.
package sizer

import "math"

// MinCompletedTasks is the evidence threshold from §4.1(a) ("if
// taskruntime is set and >= 10 completed tasks exist").
const MinCompletedTasks = 10

// ChangeThreshold is the relative-change gate from §4.1(a)/P6
// ("if |bettersize - tasksize| / tasksize > 0.10").
const ChangeThreshold = 0.10

// ComputeTaskSize implements §4.1(a): given the workflow's target
// wall-clock seconds per task and the measured mean per-unit elapsed
// time, compute the task size that would hit that target, and report
// whether it differs enough from currentSize to apply. Returns
// (currentSize, false) when there isn't enough evidence yet.
func ComputeTaskSize(taskRuntimeSeconds float64, meanUnitTimeSeconds float64, currentSize int64, completedTasks int64) (newSize int64, changed bool) {
	if completedTasks < MinCompletedTasks || meanUnitTimeSeconds <= 0 || taskRuntimeSeconds <= 0 {
		return currentSize, false
	}

	betterSize := int64(math.Ceil(taskRuntimeSeconds / meanUnitTimeSeconds))
	if betterSize < 1 {
		betterSize = 1
	}

	if currentSize <= 0 {
		return betterSize, true
	}

	relativeChange := math.Abs(float64(betterSize-currentSize)) / float64(currentSize)
	if relativeChange > ChangeThreshold {
		return betterSize, true
	}
	return currentSize, false
}
