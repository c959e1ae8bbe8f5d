// Package events defines the lifecycle-notification envelope published to
// Kafka as a side effect of Store mutations (SPEC_FULL §2).
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a task/workflow lifecycle notification.
type EventType string

const (
	TaskClosed        EventType = "task.closed"
	TaskFailed        EventType = "task.failed"
	WorkflowPublished EventType = "workflow.published"
	WorkflowMerged    EventType = "workflow.merged"
)

// Event is the envelope placed on the wire. Data carries the
// type-specific payload as raw JSON so the publisher and its topic
// routing stay decoupled from any one event's shape.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregateId"`   // workflow label
	AggregateType string          `json:"aggregateType"` // "workflow" or "task"
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// Metadata carries cross-cutting tracing/correlation fields.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Source        string `json:"source,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
}

// NewEvent builds an Event with a fresh ID and current timestamp.
func NewEvent(eventType EventType, aggregateID, aggregateType string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID.
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.Metadata.CorrelationID = correlationID
	return e
}

// GetData unmarshals the event data into the provided type.
func (e *Event) GetData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// TaskClosedData is the payload for TaskClosed/TaskFailed events.
type TaskClosedData struct {
	TaskID        int64  `json:"taskId"`
	Workflow      string `json:"workflow"`
	Type          string `json:"type"` // "process" or "merge"
	Status        string `json:"status"`
	Units         int64  `json:"units"`
	EventsWritten int64  `json:"eventsWritten"`
}

// WorkflowPublishedData is the payload for WorkflowPublished events.
type WorkflowPublishedData struct {
	Workflow string `json:"workflow"`
	Block    string `json:"block"`
	TaskID   int64  `json:"taskId"`
	MergeID  int64  `json:"mergeId"`
}

// WorkflowMergedData is the payload for WorkflowMerged events.
type WorkflowMergedData struct {
	Workflow string `json:"workflow"`
}
