// Package server exposes the admin HTTP surface: health, task status, the
// progress feed, and Prometheus metrics.
package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/nicktill/tinyroll/pkg/httpx"
	"github.com/nicktill/tinyroll/pkg/progress"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// Registry tracks the live task handles of this process.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*task.ShardTask
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*task.ShardTask)}
}

// Add registers a task handle.
func (r *Registry) Add(t *task.ShardTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.TaskID()] = t
}

// Get returns a task handle by id.
func (r *Registry) Get(taskID string) (*task.ShardTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

// Snapshots returns all task snapshots, ordered by task id.
func (r *Registry) Snapshots() []task.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]task.Snapshot, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	Downsample RunStatus `json:"downsample"`
}

func handleHealth(monitor *RunMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !monitor.IsHealthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, code, HealthResponse{
			Status:     status,
			Version:    "1.0.0",
			Uptime:     time.Since(startTime).String(),
			Downsample: monitor.Status(),
		})
	}
}

func handleTasks(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, map[string]any{
			"tasks": registry.Snapshots(),
		})
	}
}

func handleTask(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := mux.Vars(r)["id"]
		t, ok := registry.Get(taskID)
		if !ok {
			httpx.RespondErrorString(w, http.StatusNotFound, "unknown task "+taskID)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, t.Snapshot())
	}
}

func handleCancelTask(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := mux.Vars(r)["id"]
		t, ok := registry.Get(taskID)
		if !ok {
			httpx.RespondErrorString(w, http.StatusNotFound, "unknown task "+taskID)
			return
		}
		t.Cancel()
		httpx.RespondJSON(w, http.StatusAccepted, map[string]any{
			"task_id":   taskID,
			"cancelled": true,
		})
	}
}

// NewRouter builds the admin API router.
func NewRouter(registry *Registry, monitor *RunMonitor, hub *progress.Hub) *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", handleHealth(monitor)).Methods("GET")
	api.HandleFunc("/tasks", handleTasks(registry)).Methods("GET")
	api.HandleFunc("/tasks/{id}", handleTask(registry)).Methods("GET")
	api.HandleFunc("/tasks/{id}/cancel", handleCancelTask(registry)).Methods("POST")
	api.HandleFunc("/ws", hub.Handler()).Methods("GET")

	// Prometheus endpoint at the standard path
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
