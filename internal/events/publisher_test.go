package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	sharedevents "github.com/lobster-sched/lobster/internal/shared/events"
)

func TestNilPublisherMethodsAreNoop(t *testing.T) {
	var p *Publisher

	assert.NotPanics(t, func() {
		p.TaskClosed(context.Background(), sharedevents.TaskClosedData{TaskID: 1})
		p.WorkflowPublished(context.Background(), sharedevents.WorkflowPublishedData{Workflow: "wf"})
		p.WorkflowMerged(context.Background(), sharedevents.WorkflowMergedData{Workflow: "wf"})
	})
}

func TestPublisherWrappingNilInnerIsNoop(t *testing.T) {
	p := New(nil)

	assert.NotPanics(t, func() {
		p.TaskClosed(context.Background(), sharedevents.TaskClosedData{TaskID: 1, Status: "FAILED"})
		p.WorkflowPublished(context.Background(), sharedevents.WorkflowPublishedData{Workflow: "wf"})
		p.WorkflowMerged(context.Background(), sharedevents.WorkflowMergedData{Workflow: "wf"})
	})
}
