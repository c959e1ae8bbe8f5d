package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobster-sched/lobster/internal/store"
)

type fakeQuerier struct {
	status       []store.WorkflowStatus
	statusErr    error
	workflow     *store.Workflow
	workflowErr  error
	tasksLeft    int64
	tasksLeftErr error
	merged       bool
	mergedErr    error
}

func (f *fakeQuerier) WorkflowStatus(ctx context.Context) ([]store.WorkflowStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeQuerier) WorkflowInfo(ctx context.Context, label string) (*store.Workflow, error) {
	return f.workflow, f.workflowErr
}

func (f *fakeQuerier) EstimateTasksLeft(ctx context.Context) (int64, error) {
	return f.tasksLeft, f.tasksLeftErr
}

func (f *fakeQuerier) Merged(ctx context.Context) (bool, error) {
	return f.merged, f.mergedErr
}

// newTestRouter wires the same routes New() does, without the middleware
// chain, so handler behavior can be exercised directly with httptest.
func newTestRouter(q Querier) http.Handler {
	s := &Server{store: q, hub: NewHub()}
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/status/{label}", s.handleWorkflowStatus).Methods(http.MethodGet)
	router.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodGet)
	return router
}

func TestHandleHealthz(t *testing.T) {
	router := newTestRouter(&fakeQuerier{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStatusReturnsWorkflows(t *testing.T) {
	q := &fakeQuerier{status: []store.WorkflowStatus{{Label: "wf-a", Units: 10, UnitsLeft: 3}}}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workflows []store.WorkflowStatus `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, "wf-a", body.Workflows[0].Label)
}

func TestHandleStatusPropagatesStoreError(t *testing.T) {
	q := &fakeQuerier{statusErr: errors.New("db unavailable")}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleWorkflowStatusUsesPathLabel(t *testing.T) {
	q := &fakeQuerier{workflow: &store.Workflow{Label: "wf-b", Units: 5}}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/status/wf-b", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var wf store.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "wf-b", wf.Label)
}

func TestHandleWorkflowStatusNotFound(t *testing.T) {
	q := &fakeQuerier{workflowErr: errors.New("no such workflow")}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/status/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEstimateReturnsTasksLeftAndMerged(t *testing.T) {
	q := &fakeQuerier{tasksLeft: 42, merged: true}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/estimate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TasksLeft int64 `json:"tasksLeft"`
		Merged    bool  `json:"merged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(42), body.TasksLeft)
	assert.True(t, body.Merged)
}

func TestHandleEstimatePropagatesStoreError(t *testing.T) {
	q := &fakeQuerier{tasksLeftErr: errors.New("boom")}
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodGet, "/estimate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
