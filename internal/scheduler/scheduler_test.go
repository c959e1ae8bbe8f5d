package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/platform/logger"
)

// nopLogger discards everything; the Driver only needs something
// satisfying logger.Logger for its Debug/Error calls in tick().
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})         {}
func (nopLogger) Info(string, ...interface{})          {}
func (nopLogger) Warn(string, ...interface{})          {}
func (nopLogger) Error(string, ...interface{})         {}
func (nopLogger) Fatal(string, ...interface{})         {}
func (l nopLogger) WithFields(map[string]interface{}) logger.Logger { return l }
func (l nopLogger) WithContext(context.Context) logger.Logger       { return l }

type fakeCore struct {
	mu         sync.Mutex
	units      []TaskDescriptor
	merges     []TaskDescriptor
	popUnitsN  int
	popMergeN  int
	unitsErr   error
	mergesErr  error
}

func (f *fakeCore) PopUnits(ctx context.Context, n int, rng *rand.Rand) ([]TaskDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.popUnitsN = n
	return f.units, f.unitsErr
}

func (f *fakeCore) PopMerge(ctx context.Context, maxBytes int64, n int, rng *rand.Rand) ([]TaskDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.popMergeN = n
	return f.merges, f.mergesErr
}

type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []TaskDescriptor
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task TaskDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, task)
}

func TestDriverTickDispatchesUnitsThenMerges(t *testing.T) {
	core := &fakeCore{
		units:  []TaskDescriptor{{TaskID: 1, Label: "wf-a"}, {TaskID: 2, Label: "wf-a"}},
		merges: []TaskDescriptor{{TaskID: 3, Label: "wf-a", Merge: true}},
	}
	disp := &fakeDispatcher{}

	driver := NewDriver(core, disp, Config{MaxTasksPerTick: 10, MaxMergeBytes: 1 << 30}, nopLogger{}, 7)
	driver.Tick(context.Background())

	require.Len(t, disp.dispatched, 3)
	assert.Equal(t, int64(1), disp.dispatched[0].TaskID)
	assert.Equal(t, int64(2), disp.dispatched[1].TaskID)
	assert.Equal(t, int64(3), disp.dispatched[2].TaskID)
	assert.Equal(t, 10, core.popUnitsN)
	assert.Equal(t, 8, core.popMergeN, "remaining budget after two units were popped")
}

func TestDriverTickSkipsMergeWhenBudgetExhausted(t *testing.T) {
	units := make([]TaskDescriptor, 10)
	for i := range units {
		units[i] = TaskDescriptor{TaskID: int64(i + 1)}
	}
	core := &fakeCore{units: units, merges: []TaskDescriptor{{TaskID: 99, Merge: true}}}
	disp := &fakeDispatcher{}

	driver := NewDriver(core, disp, Config{MaxTasksPerTick: 10, MaxMergeBytes: 1000}, nopLogger{}, 1)
	driver.Tick(context.Background())

	assert.Len(t, disp.dispatched, 10)
	assert.Equal(t, 0, core.popMergeN, "PopMerge must not run once pop_units exhausted the tick budget")
}

func TestDriverTickSurvivesStoreErrors(t *testing.T) {
	core := &fakeCore{unitsErr: assertError{"pop_units exploded"}, mergesErr: assertError{"pop_merge exploded"}}
	disp := &fakeDispatcher{}

	driver := NewDriver(core, disp, Config{MaxTasksPerTick: 5}, nopLogger{}, 1)
	assert.NotPanics(t, func() { driver.Tick(context.Background()) })
	assert.Empty(t, disp.dispatched)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestNewDriverDefaultsMaxTasksPerTick(t *testing.T) {
	driver := NewDriver(&fakeCore{}, &fakeDispatcher{}, Config{}, nopLogger{}, 1)
	assert.Equal(t, 50, driver.cfg.MaxTasksPerTick)
}
