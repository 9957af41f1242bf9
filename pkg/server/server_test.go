package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nicktill/tinyroll/pkg/progress"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Registry, *RunMonitor, http.Handler) {
	t.Helper()
	registry := NewRegistry()
	monitor := &RunMonitor{}
	return registry, monitor, NewRouter(registry, monitor, progress.NewHub(registry.Snapshots))
}

func TestHealthEndpoint(t *testing.T) {
	_, monitor, router := newTestRouter(t)
	monitor.RecordSuccess()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.True(t, resp.Downsample.Healthy)
}

func TestHealthDegradedAfterFailures(t *testing.T) {
	_, monitor, router := newTestRouter(t)
	for i := 0; i < 5; i++ {
		monitor.RecordFailure(errors.New("boom"))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTaskEndpoints(t *testing.T) {
	registry, _, router := newTestRouter(t)

	tk := task.New("task-1", "shard-0")
	tk.SetStatus(task.StatusStarted)
	tk.AddReceived(5)
	registry.Add(tk)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Tasks []task.Snapshot `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	require.Equal(t, int64(5), list.Tasks[0].NumReceived)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/task-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "shard-0", snap.ShardID)
	require.Equal(t, task.StatusStarted, snap.Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	registry, _, router := newTestRouter(t)

	tk := task.New("task-1", "shard-0")
	registry.Add(tk)
	require.False(t, tk.Cancelled())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/tasks/task-1/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, tk.Cancelled())
}
