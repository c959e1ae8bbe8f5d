// Command lobster-core runs the scheduler daemon: it owns the single
// SQLite store, ticks pop_units/pop_merge on a cron schedule, and serves
// the read-only status/estimate HTTP+WebSocket surface. The executor
// side (submitting tasks, collecting completion records) is a separate
// process that calls into internal/taskhandler per completed task — out
// of scope for this binary per the scheduler/bookkeeper split.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lobster-sched/lobster/internal/events"
	"github.com/lobster-sched/lobster/internal/httpapi"
	"github.com/lobster-sched/lobster/internal/platform/cache"
	"github.com/lobster-sched/lobster/internal/platform/config"
	"github.com/lobster-sched/lobster/internal/platform/database"
	"github.com/lobster-sched/lobster/internal/platform/logger"
	"github.com/lobster-sched/lobster/internal/platform/messaging/kafka"
	"github.com/lobster-sched/lobster/internal/platform/metrics"
	"github.com/lobster-sched/lobster/internal/platform/telemetry"
	"github.com/lobster-sched/lobster/internal/scheduler"
	"github.com/lobster-sched/lobster/internal/store"
)

func main() {
	cfg, err := config.Load("lobster-core")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(cfg.Logger)

	db, err := database.New(cfg.Database)
	if err != nil {
		appLog.Fatal("open database", "error", err)
	}
	defer db.Close()

	var c cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cache.Config{
			Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password,
			DB: cfg.Redis.DB, KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			appLog.Error("redis cache disabled", "error", err)
		} else {
			c = redisCache
		}
	}

	m := metrics.New(cfg.Service.Name)

	telem, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Service.Name,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		appLog.Fatal("init telemetry", "error", err)
	}
	defer telem.Close()

	var publisher *events.Publisher
	if cfg.Kafka.Enabled {
		kp, err := kafka.NewEventPublisher(&kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			appLog.Error("kafka publisher disabled", "error", err)
		} else {
			publisher = events.New(kp)
			defer kp.Close()
		}
	}

	st, err := store.New(context.Background(), db, store.Options{
		Metrics:           m,
		Cache:             c,
		Logger:            appLog,
		Events:            publisher,
		FailureThreshold:  cfg.Scheduler.FailureThreshold,
		SkippingThreshold: cfg.Scheduler.SkippingThreshold,
	})
	if err != nil {
		appLog.Fatal("init store", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := st.ResetUnits(ctx)
	if err != nil {
		appLog.Fatal("reset units on startup", "error", err)
	}
	appLog.Info("recovered orphaned tasks on startup", "count", len(recovered))

	api := httpapi.New(httpapi.Config{
		Addr:            ":" + strconv.Itoa(cfg.HTTP.Port),
		JWTSecret:       []byte(cfg.Auth.JWTSecret),
		RateLimitPerMin: 600,
		AllowedOrigins:  []string{"*"},
	}, st, appLog)
	api.Start()

	dispatcher := &loggingDispatcher{log: appLog, hub: api.Hub()}
	driver := scheduler.NewDriver(st, dispatcher, scheduler.Config{
		TickSpec:        cfg.Scheduler.TickCron,
		MaxTasksPerTick: cfg.Scheduler.PopUnitsCount + cfg.Scheduler.PopMergeCount,
		MaxMergeBytes:   cfg.Scheduler.MaxMergeBytes,
	}, appLog, time.Now().UnixNano())

	if err := driver.Start(ctx); err != nil {
		appLog.Fatal("start scheduler driver", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down")
	driver.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown", "error", err)
	}
}

// loggingDispatcher is the reference Dispatcher for this binary: it logs
// and broadcasts every emitted descriptor over the status WebSocket. A
// real deployment swaps this for whatever hands the descriptor to the
// executor submission queue; task-closure lifecycle events are published
// by the Store itself as a side effect of UpdateUnits/UpdatePublished/
// PopMerge, not from here.
type loggingDispatcher struct {
	log logger.Logger
	hub *httpapi.Hub
}

func (d *loggingDispatcher) Dispatch(ctx context.Context, task scheduler.TaskDescriptor) {
	d.log.Info("task materialized", "taskId", task.TaskID, "workflow", task.Label, "merge", task.Merge, "units", len(task.Units))
	d.hub.Publish("task.materialized", task)
}
