// Package handlers exposes the engine's HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enterprise-rag/rag-query-engine/pkg/middleware"
	"github.com/enterprise-rag/rag-query-engine/pkg/rag"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// ProviderReporter exposes provider chain diagnostics.
type ProviderReporter interface {
	ProviderStatuses() []types.ProviderStatus
}

// Handler wires the HTTP routes to the query service.
type Handler struct {
	service   *rag.Service
	tasks     *rag.TaskRegistry
	providers ProviderReporter
	logger    *slog.Logger
}

// New builds the handler set.
func New(service *rag.Service, tasks *rag.TaskRegistry, providers ProviderReporter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:   service,
		tasks:     tasks,
		providers: providers,
		logger:    logger.With("component", "http-handlers"),
	}
}

// Register mounts all routes. Tenant-scoped routes sit behind the tenant and
// rate-limit middleware; operational routes do not.
func (h *Handler) Register(router *mux.Router, logger *slog.Logger, limiter *middleware.TenantRateLimiter) {
	router.Use(middleware.RequestID, middleware.Logging(logger))

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(middleware.RequireTenant, limiter.Middleware)
	api.HandleFunc("/query", h.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/query/stream", h.handleQueryStream).Methods(http.MethodPost)
	api.HandleFunc("/query/async", h.handleQueryAsync).Methods(http.MethodPost)
	api.HandleFunc("/query/async/{taskId}", h.handlePollTask).Methods(http.MethodGet)
	api.HandleFunc("/query/analyze", h.handleAnalyze).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{conversationId}", h.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/cache", h.handleInvalidateCache).Methods(http.MethodDelete)
	api.HandleFunc("/providers/status", h.handleProviderStatus).Methods(http.MethodGet)

	router.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// decodeQueryRequest parses the body and forces the authenticated tenant
// onto the request, whatever the body claims.
func (h *Handler) decodeQueryRequest(r *http.Request) (*types.RagQueryRequest, error) {
	var req types.RagQueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, ragerrors.InvalidArgument("invalid request body: %v", err)
	}
	req.TenantID = middleware.TenantFromContext(r.Context())
	if user := middleware.UserFromContext(r.Context()); user != "" {
		req.UserID = user
	}
	return &req, nil
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQueryRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response, err := h.service.Query(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQueryRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, ragerrors.Internal("streaming not supported by connection", nil))
		return
	}

	chunks, err := h.service.QueryStream(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			h.logger.Error("Failed to encode stream chunk", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; QueryStream observes the context cancel.
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) handleQueryAsync(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQueryRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	taskID, err := h.tasks.Submit(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(types.TaskPending),
	})
}

func (h *Handler) handlePollTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	status, err := h.tasks.Poll(middleware.TenantFromContext(r.Context()), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		h.writeError(w, ragerrors.InvalidArgument("invalid request body: %v", err))
		return
	}
	analysis, err := h.service.Analyze(body.Query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	state, err := h.service.GetConversation(r.Context(), middleware.TenantFromContext(r.Context()), conversationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if err := h.service.InvalidateTenantCache(r.Context(), tenant); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.providers.ProviderStatuses(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.service.Healthy(r.Context()) {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error          string                    `json:"error"`
	Kind           string                    `json:"kind"`
	Retryable      bool                      `json:"retryable"`
	ProviderErrors []ragerrors.ProviderError `json:"provider_errors,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: "internal error", Kind: string(ragerrors.KindInternal)}

	var taxErr *ragerrors.Error
	if errors.As(err, &taxErr) {
		body.Error = taxErr.Message
		body.Kind = string(taxErr.Kind)
		body.Retryable = taxErr.Retryable
		body.ProviderErrors = taxErr.ProviderErrors
		switch taxErr.Kind {
		case ragerrors.KindInvalidArgument:
			status = http.StatusBadRequest
		case ragerrors.KindNotFound:
			status = http.StatusNotFound
		case ragerrors.KindDeadlineExceeded:
			status = http.StatusGatewayTimeout
		case ragerrors.KindAllProvidersUnavailable:
			status = http.StatusServiceUnavailable
		}
	} else {
		h.logger.Error("Unclassified error", "error", err)
	}
	h.writeJSON(w, status, body)
}
