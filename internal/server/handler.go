package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/types"
)

// =============================================================================
// 📊 运维端点
// =============================================================================

// Source 是端点读取的引擎视图
type Source interface {
	Stats() engine.Stats
	Agents() []types.AgentState
	Chain(chainID string) (*types.TaskChain, error)
	Task(taskID string) (*types.Task, error)
}

// HandlerOptions 端点依赖
type HandlerOptions struct {
	// Gatherer 为 nil 时使用 prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	// Recorder 为 nil 时不记录 HTTP 指标
	Recorder HTTPRecorder
	Logger   *zap.Logger
}

// errorBody 错误响应
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHandler 注册 /healthz、/metrics、/v1/stats、/v1/agents、
// /v1/chains/{id}、/v1/tasks/{id}
func NewHandler(src Source, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Stats())
	})
	mux.HandleFunc("GET /v1/agents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Agents())
	})
	mux.HandleFunc("GET /v1/chains/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := src.Chain(r.PathValue("id"))
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, c)
	})
	mux.HandleFunc("GET /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, err := src.Task(r.PathValue("id"))
		if err != nil {
			writeError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	middlewares := []Middleware{Recovery(logger), Tracing(), RequestLogger(logger)}
	if opts.Recorder != nil {
		middlewares = append(middlewares, Metrics(opts.Recorder))
	}
	return Chain(mux, middlewares...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var te *types.Error
	if !errors.As(err, &te) {
		te = types.NewError(types.ErrInternalError, err.Error())
	}
	status := statusFor(te.Code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Code: string(te.Code), Message: te.Message})
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConfiguration:
		return http.StatusBadRequest
	case types.ErrAlreadyExists, types.ErrInvalidState:
		return http.StatusConflict
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
