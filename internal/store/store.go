package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lobster-sched/lobster/internal/events"
	"github.com/lobster-sched/lobster/internal/platform/cache"
	"github.com/lobster-sched/lobster/internal/platform/database"
	"github.com/lobster-sched/lobster/internal/platform/logger"
	"github.com/lobster-sched/lobster/internal/platform/metrics"
	"github.com/lobster-sched/lobster/internal/platform/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// tracer is resolved lazily against whatever TracerProvider
// internal/platform/telemetry installed; before that it is otel's
// package-level no-op provider, so withRetryTx never needs a nil check.
var tracer = otel.Tracer("lobster.store")

// Store is the single-writer persistent bookkeeper described in §4.1. All
// mutations run inside bounded-retry transactions serialized by mu; SQLite
// itself enforces single-writer at the file level, but the in-process mutex
// avoids SQLITE_BUSY churn when the Scheduler's tick loop and the
// TaskHandler's ingestion path call in from separate goroutines.
type Store struct {
	db      *database.DB
	mu      sync.Mutex
	metrics *metrics.Metrics
	cache   cache.Cache
	log     logger.Logger
	events  *events.Publisher // nil disables lifecycle-event publishing

	failureThreshold  int64
	skippingThreshold int64
}

// Options configures a Store beyond the raw DB handle.
type Options struct {
	Metrics           *metrics.Metrics
	Cache             cache.Cache // nil disables the read-through accessor cache
	Logger            logger.Logger
	Events            *events.Publisher // nil disables lifecycle-event publishing
	FailureThreshold  int64             // default 10, per §6 config table
	SkippingThreshold int64             // default 10, per §6 config table
}

// New opens (and migrates) the Store backed by db.
func New(ctx context.Context, db *database.DB, opts Options) (*Store, error) {
	if err := migrateCore(ctx, db.DB); err != nil {
		return nil, fmt.Errorf("migrate core schema: %w", err)
	}

	failureThreshold := opts.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 10
	}
	skippingThreshold := opts.SkippingThreshold
	if skippingThreshold == 0 {
		skippingThreshold = 10
	}

	return &Store{
		db:                db,
		metrics:           opts.Metrics,
		cache:             opts.Cache,
		log:               opts.Logger,
		events:            opts.Events,
		failureThreshold:  failureThreshold,
		skippingThreshold: skippingThreshold,
	}, nil
}

// withRetryTx serializes on mu, then retries fn (one fresh transaction per
// attempt) up to retry.DefaultConfig's 10-attempt ceiling (§4.1 "Retry
// discipline"), classifying errors wrapped with retry.Transient as
// retryable and everything else as fatal.
func (s *Store) withRetryTx(ctx context.Context, operation string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := tracer.Start(ctx, "store."+operation)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if s.metrics != nil {
		s.metrics.StoreTxTotal.WithLabelValues(operation).Inc()
	}

	attempts := 0
	cfg := retry.DefaultConfig()
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if attempt > 1 && s.metrics != nil {
			s.metrics.StoreTxRetries.WithLabelValues(operation).Inc()
		}
		return s.db.Transaction(ctx, func(tx *sql.Tx) error {
			return fn(ctx, tx)
		})
	})

	if s.metrics != nil {
		s.metrics.StoreTxDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.StoreTxErrors.WithLabelValues(operation).Inc()
		}
	}

	span.SetAttributes(attribute.Int("store.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.log != nil {
			s.log.Error("store transaction failed", "operation", operation, "attempts", attempts, "error", err)
		}
	}

	return err
}
