package archive

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lobster-sched/lobster/internal/platform/config"
	"github.com/lobster-sched/lobster/internal/platform/resilience"
	"github.com/lobster-sched/lobster/internal/taskhandler"
)

// ReportArchive archives the parsed report.json document into MongoDB,
// grounded on the teacher's MongoDBNode insertOne path. Inserts run
// behind a circuit breaker so a stalled replica set degrades to dropped
// archival rather than backing up report processing.
type ReportArchive struct {
	client *mongo.Client
	coll   *mongo.Collection
	cb     *resilience.CircuitBreaker
}

// NewReportArchive constructs a ReportArchive, or (nil, nil) if archival
// is disabled.
func NewReportArchive(ctx context.Context, cfg config.ArchiveConfig) (*ReportArchive, error) {
	if !cfg.MongoEnabled {
		return nil, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	return &ReportArchive{
		client: client,
		coll:   client.Database(cfg.MongoDB).Collection(cfg.MongoColl),
		cb:     resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("archive.mongo")),
	}, nil
}

// reportDocument is the archived record: the task identity plus the raw
// parsed report.
type reportDocument struct {
	Workflow string           `bson:"workflow"`
	TaskID   int64            `bson:"taskId"`
	Report   taskhandler.Report `bson:"report"`
}

// Insert archives one task's report.
func (a *ReportArchive) Insert(ctx context.Context, workflow string, taskID int64, report taskhandler.Report) error {
	if a == nil {
		return nil
	}
	err := a.cb.Execute(ctx, func() error {
		_, insertErr := a.coll.InsertOne(ctx, reportDocument{Workflow: workflow, TaskID: taskID, Report: report})
		return insertErr
	})
	if err != nil {
		return fmt.Errorf("insert report for task %d: %w", taskID, err)
	}
	return nil
}

// Close disconnects the MongoDB client.
func (a *ReportArchive) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}
