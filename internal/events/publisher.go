// Package events publishes lifecycle notifications (task closed, workflow
// published, workflow merged) onto Kafka as a side effect of Store
// mutations, so downstream dashboards/archivers can follow progress
// without polling the store (SPEC_FULL §2 [ADDED]).
package events

import (
	"context"

	"github.com/lobster-sched/lobster/internal/platform/messaging/kafka"
	"github.com/lobster-sched/lobster/internal/shared/events"
)

// Publisher is the thin lifecycle-event facade the Store calls into. A nil Publisher makes every call a no-op, matching the
// best-effort contract (SPEC_FULL §4.3 "best-effort, swallowed on
// error").
type Publisher struct {
	inner *kafka.EventPublisher
}

// New wraps a configured kafka.EventPublisher. Pass nil when messaging is
// disabled.
func New(inner *kafka.EventPublisher) *Publisher {
	return &Publisher{inner: inner}
}

// TaskClosed publishes a task.closed or task.failed event.
func (p *Publisher) TaskClosed(ctx context.Context, data events.TaskClosedData) {
	if p == nil || p.inner == nil {
		return
	}
	eventType := events.TaskClosed
	if data.Status == "FAILED" {
		eventType = events.TaskFailed
	}
	evt, err := events.NewEvent(eventType, data.Workflow, "task", data)
	if err != nil {
		return
	}
	_ = p.inner.Publish(ctx, evt)
}

// WorkflowPublished publishes a workflow.published event.
func (p *Publisher) WorkflowPublished(ctx context.Context, data events.WorkflowPublishedData) {
	if p == nil || p.inner == nil {
		return
	}
	evt, err := events.NewEvent(events.WorkflowPublished, data.Workflow, "workflow", data)
	if err != nil {
		return
	}
	_ = p.inner.Publish(ctx, evt)
}

// WorkflowMerged publishes a workflow.merged event.
func (p *Publisher) WorkflowMerged(ctx context.Context, data events.WorkflowMergedData) {
	if p == nil || p.inner == nil {
		return
	}
	evt, err := events.NewEvent(events.WorkflowMerged, data.Workflow, "workflow", data)
	if err != nil {
		return
	}
	_ = p.inner.Publish(ctx, evt)
}
