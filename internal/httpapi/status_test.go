package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/coordinator"
)

type fakeStats struct{}

func (fakeStats) Stats() map[string]any {
	return map[string]any{"events_total": 42}
}

type fakeStates struct {
	workflows map[string]*coordinator.WorkflowState
	logs      []coordinator.LogEntry
}

func (f *fakeStates) GetWorkflowState(workflowID string) (*coordinator.WorkflowState, bool) {
	ws, ok := f.workflows[workflowID]
	return ws, ok
}

func (f *fakeStates) GetAllWorkflowStates() map[string]*coordinator.WorkflowState {
	return f.workflows
}

func (f *fakeStates) QuerySubtaskErrors(workflowID string) []map[string]any {
	return []map[string]any{{"node_id": "fetch", "error": "timeout"}}
}

func (f *fakeStates) GetMergedLogs() []coordinator.LogEntry {
	return f.logs
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeStates) {
	states := &fakeStates{
		workflows: map[string]*coordinator.WorkflowState{
			"w1": {WorkflowID: "w1", Status: "running", ExecutedNodes: []string{"fetch"}},
		},
		logs: []coordinator.LogEntry{
			{Source: "node", WorkflowID: "w1", Message: "fetch completed"},
			{Source: "node", WorkflowID: "w2", Message: "other"},
		},
	}
	mux := http.NewServeMux()
	NewStatusHandler(fakeStats{}, states, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, states
}

func getJSON(t *testing.T, url string, out any) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]any
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]any
	code := getJSON(t, srv.URL+"/status", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 42, body["events_total"])
}

func TestWorkflowListAndDetail(t *testing.T) {
	srv, _ := newTestServer(t)

	var list map[string]map[string]map[string]any
	code := getJSON(t, srv.URL+"/workflows", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, list["workflows"]["w1"]["executed_nodes"])

	var detail coordinator.WorkflowState
	code = getJSON(t, srv.URL+"/workflows/w1", &detail)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", detail.Status)

	var missing map[string]any
	code = getJSON(t, srv.URL+"/workflows/nope", &missing)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWorkflowErrorsAndLogs(t *testing.T) {
	srv, _ := newTestServer(t)

	var errsBody struct {
		Errors []map[string]any `json:"errors"`
	}
	code := getJSON(t, srv.URL+"/workflows/w1/errors", &errsBody)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, errsBody.Errors, 1)
	assert.Equal(t, "fetch", errsBody.Errors[0]["node_id"])

	var logsBody struct {
		Logs []coordinator.LogEntry `json:"logs"`
	}
	code = getJSON(t, srv.URL+"/workflows/w1/logs", &logsBody)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, logsBody.Logs, 1)
	assert.Equal(t, "fetch completed", logsBody.Logs[0].Message)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
