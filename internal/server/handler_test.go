package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/types"
)

type fakeSource struct{}

func (fakeSource) Stats() engine.Stats {
	return engine.Stats{
		Tasks:    map[types.TaskStatus]int{types.TaskCompleted: 2, types.TaskPending: 1},
		Chains:   map[types.ChainStatus]int{types.ChainRunning: 1},
		Sessions: 1,
		Agents:   3,
	}
}

func (fakeSource) Agents() []types.AgentState {
	return []types.AgentState{{ID: "a", Capabilities: []string{"x"}}}
}

func (fakeSource) Chain(id string) (*types.TaskChain, error) {
	if id != "chain-1" {
		return nil, types.NewError(types.ErrNotFound, "chain not found: "+id)
	}
	return &types.TaskChain{ID: id, Status: types.ChainRunning}, nil
}

func (fakeSource) Task(id string) (*types.Task, error) {
	if id == "boom" {
		panic("lookup exploded")
	}
	return nil, types.NewError(types.ErrNotFound, "task not found: "+id)
}

type request struct {
	method, path string
	status       int
}

type recorder struct {
	mu   sync.Mutex
	seen []request
}

func (r *recorder) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, request{method, path, status})
}

func newTestHandler(t *testing.T) (http.Handler, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "handler_test_total", Help: "test"}))
	h := NewHandler(fakeSource{}, HandlerOptions{Gatherer: reg, Recorder: rec, Logger: zaptest.NewLogger(t)})
	return h, rec
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t)
	w := serve(h, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHandler_Metrics(t *testing.T) {
	h, _ := newTestHandler(t)
	w := serve(h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "handler_test_total 0")
}

func TestHandler_Stats(t *testing.T) {
	h, _ := newTestHandler(t)
	w := serve(h, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var got engine.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Agents)
	assert.Equal(t, 2, got.Tasks[types.TaskCompleted])
}

func TestHandler_ChainLookup(t *testing.T) {
	h, _ := newTestHandler(t)

	w := serve(h, "/v1/chains/chain-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"chain-1"`)

	w = serve(h, "/v1/chains/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrNotFound))
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/stats", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandler_RecoversPanics(t *testing.T) {
	h, _ := newTestHandler(t)
	w := serve(h, "/v1/tasks/boom")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_RecordsNormalizedPaths(t *testing.T) {
	h, rec := newTestHandler(t)
	serve(h, "/v1/chains/chain-1")
	serve(h, "/v1/tasks/t-42")
	serve(h, "/healthz")

	assert.Equal(t, []request{
		{http.MethodGet, "/v1/chains/:id", http.StatusOK},
		{http.MethodGet, "/v1/tasks/:id", http.StatusNotFound},
		{http.MethodGet, "/healthz", http.StatusOK},
	}, rec.seen)
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/metrics":                     "/metrics",
		"/v1/chains/3f2a9c10-aa11-4bb2": "/v1/chains/:id",
		"/v1/tasks/summarize":          "/v1/tasks/:id",
		"/v1/other/12345":              "/v1/other/:id",
		"/v1/other/name":               "/v1/other/name",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
