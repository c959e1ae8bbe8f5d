package sizer

import "testing"

func TestComputeTaskSize(t *testing.T) {
	tests := []struct {
		name           string
		taskRuntime    float64
		meanUnitTime   float64
		currentSize    int64
		completedTasks int64
		wantSize       int64
		wantChanged    bool
	}{
		{
			name:           "insufficient evidence below threshold",
			taskRuntime:    900,
			meanUnitTime:   30,
			currentSize:    20,
			completedTasks: 9,
			wantSize:       20,
			wantChanged:    false,
		},
		{
			name:           "no taskruntime configured",
			taskRuntime:    0,
			meanUnitTime:   30,
			currentSize:    20,
			completedTasks: 50,
			wantSize:       20,
			wantChanged:    false,
		},
		{
			name:           "no mean unit time yet",
			taskRuntime:    900,
			meanUnitTime:   0,
			currentSize:    20,
			completedTasks: 50,
			wantSize:       20,
			wantChanged:    false,
		},
		{
			name:           "change within 10% tolerance is not applied",
			taskRuntime:    900,
			meanUnitTime:   41,
			currentSize:    22,
			completedTasks: 15,
			wantSize:       22,
			wantChanged:    false,
		},
		{
			name:           "change beyond 10% is applied",
			taskRuntime:    900,
			meanUnitTime:   60,
			currentSize:    10,
			completedTasks: 15,
			wantSize:       15,
			wantChanged:    true,
		},
		{
			name:           "zero current size always adopts the computed size",
			taskRuntime:    900,
			meanUnitTime:   45,
			currentSize:    0,
			completedTasks: 20,
			wantSize:       20,
			wantChanged:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSize, gotChanged := ComputeTaskSize(tt.taskRuntime, tt.meanUnitTime, tt.currentSize, tt.completedTasks)
			if gotSize != tt.wantSize {
				t.Errorf("size = %d, want %d", gotSize, tt.wantSize)
			}
			if gotChanged != tt.wantChanged {
				t.Errorf("changed = %v, want %v", gotChanged, tt.wantChanged)
			}
		})
	}
}

// TestComputeTaskSizeNeverShrinksBelowOne covers P6: the computed size is
// always at least 1, even for a very short taskruntime against a very long
// mean unit time.
func TestComputeTaskSizeNeverShrinksBelowOne(t *testing.T) {
	size, changed := ComputeTaskSize(1, 3600, 5, 20)
	if !changed {
		t.Fatalf("expected a change to be reported")
	}
	if size < 1 {
		t.Errorf("size = %d, want >= 1", size)
	}
}
