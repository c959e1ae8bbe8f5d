package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/lobster-sched/lobster/internal/platform/logger"
)

// tracer follows whatever TracerProvider internal/platform/telemetry
// installed; it is otel's no-op provider until then.
var tracer = otel.Tracer("lobster.scheduler")

// Core is the subset of internal/store's Store the Driver needs, kept as
// an interface so the driver can be exercised against a fake in tests
// without a real database (§4.2 "[ADDED] Driver loop").
type Core interface {
	PopUnits(ctx context.Context, n int, rng *rand.Rand) ([]TaskDescriptor, error)
	PopMerge(ctx context.Context, maxBytes int64, n int, rng *rand.Rand) ([]TaskDescriptor, error)
}

// Dispatcher hands a freshly materialized task descriptor off to whatever
// transfers its input sandbox and submits it to the executor. Dispatch
// must not block the driver tick for long; slow dispatchers should queue
// internally.
type Dispatcher interface {
	Dispatch(ctx context.Context, task TaskDescriptor)
}

// Config bounds one driver tick.
type Config struct {
	// TickSpec is a robfig/cron spec, e.g. "*/5 * * * * *" for every 5s.
	TickSpec string
	// MaxTasksPerTick bounds combined pop_units+pop_merge emission per
	// tick so a large backlog doesn't starve other workflows of a turn.
	MaxTasksPerTick int
	// MaxMergeBytes is the merge task byte budget (§4.2.2).
	MaxMergeBytes int64
}

// Driver ticks pop_units then pop_merge on a cron schedule and forwards
// every emitted task descriptor to its Dispatcher, mirroring the
// teacher's Scheduler/cron wiring in internal/engine/scheduler.go.
type Driver struct {
	cron   *cron.Cron
	store  Core
	disp   Dispatcher
	cfg    Config
	log    logger.Logger
	rngMu  sync.Mutex
	rng    *rand.Rand
	cancel context.CancelFunc
}

// NewDriver constructs a Driver. seed drives the fairness shuffle in
// PlanSlots/eligibleMergeWorkflows; callers pass a fixed seed in tests for
// reproducibility.
func NewDriver(store Core, disp Dispatcher, cfg Config, log logger.Logger, seed int64) *Driver {
	if cfg.MaxTasksPerTick <= 0 {
		cfg.MaxTasksPerTick = 50
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	return &Driver{
		cron:  c,
		store: store,
		disp:  disp,
		cfg:   cfg,
		log:   log,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Start schedules the tick and runs the cron goroutine until ctx is
// cancelled or Stop is called.
func (d *Driver) Start(ctx context.Context) error {
	tickCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	spec := d.cfg.TickSpec
	if spec == "" {
		spec = "*/5 * * * * *"
	}

	_, err := d.cron.AddFunc(spec, func() {
		d.tick(tickCtx)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule driver tick: %w", err)
	}

	d.cron.Start()

	go func() {
		<-tickCtx.Done()
		d.cron.Stop()
	}()

	return nil
}

// Stop halts the cron loop and waits for any in-flight tick to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.cron.Stop().Done()
}

// Tick runs one pop_units+pop_merge cycle synchronously; exported so
// callers (and tests) can drive it outside of the cron schedule, e.g. to
// drain a backlog immediately after Register.
func (d *Driver) Tick(ctx context.Context) {
	d.tick(ctx)
}

func (d *Driver) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	start := time.Now()
	rng := d.nextRng()

	units, err := d.store.PopUnits(ctx, d.cfg.MaxTasksPerTick, rng)
	if err != nil {
		d.log.Error("pop_units failed", "error", err)
	}
	for _, t := range units {
		d.disp.Dispatch(ctx, t)
	}

	remaining := d.cfg.MaxTasksPerTick - len(units)
	if remaining > 0 {
		merges, err := d.store.PopMerge(ctx, d.cfg.MaxMergeBytes, remaining, rng)
		if err != nil {
			d.log.Error("pop_merge failed", "error", err)
		}
		for _, t := range merges {
			d.disp.Dispatch(ctx, t)
		}
	}

	d.log.Debug("driver tick complete", "duration", time.Since(start))
}

// nextRng derives a per-tick rand.Rand from the shared seeded one while
// holding a mutex, so no two ticks share a generator: cron invokes ticks
// serially, but Tick may also be called directly from another goroutine
// (e.g. an httpapi "drain now" endpoint).
func (d *Driver) nextRng() *rand.Rand {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return rand.New(rand.NewSource(d.rng.Int63()))
}
