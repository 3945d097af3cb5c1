package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/controlloop"
	"github.com/bissquit/ingest-scheduler/internal/domain"
	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
	"github.com/bissquit/ingest-scheduler/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// TriggerRunner runs and lists control loop triggers.
type TriggerRunner interface {
	RunNow(ctx context.Context, name string) error
	Entries() []controlloop.TriggerInfo
}

// Handler handles HTTP requests for the queue and the control loop.
type Handler struct {
	queue     *Queue
	triggers  TriggerRunner
	validator *validator.Validate
}

// NewHandler creates a new ingest handler.
func NewHandler(queue *Queue, triggers TriggerRunner) *Handler {
	return &Handler{
		queue:     queue,
		triggers:  triggers,
		validator: newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterRoutes registers all HTTP routes for the ingest module.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/items", h.ListItems)
		r.Post("/items", h.EnqueueItem)
		r.Get("/items/{id}", h.GetItem)
	})

	r.Route("/triggers", func(r chi.Router) {
		r.Get("/", h.ListTriggers)
		r.Post("/{name}/run", h.RunTrigger)
	})
}

// EnqueueRequest represents the request body for enqueuing work.
type EnqueueRequest struct {
	WorkID   string `json:"work_id" validate:"required,min=1,max=255"`
	GroupID  string `json:"group_id" validate:"max=255"`
	Priority int    `json:"priority" validate:"min=0,max=100"`
}

// EnqueueResponse is returned for a created item.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// TriggerRunResult describes a manual trigger run.
type TriggerRunResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// GetStats handles GET /queue/stats request.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// ListItems handles GET /queue/items request.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	filter := domain.ItemFilter{
		Status:  domain.QueueStatus(r.URL.Query().Get("status")),
		GroupID: r.URL.Query().Get("group_id"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	items, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /queue/items/{id} request.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.queue.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// EnqueueItem handles POST /queue/items request.
func (h *Handler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id, created, err := h.queue.Enqueue(r.Context(), req.WorkID, req.GroupID, req.Priority)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !created {
		h.handleError(w, r, ErrDuplicateWork)
		return
	}

	httputil.Success(w, http.StatusCreated, EnqueueResponse{ID: id})
}

// ListTriggers handles GET /triggers request.
func (h *Handler) ListTriggers(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.triggers.Entries())
}

// RunTrigger handles POST /triggers/{name}/run request.
// The run is detached from the request so a client disconnect does not cancel it.
func (h *Handler) RunTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	start := time.Now()
	err := h.triggers.RunNow(context.WithoutCancel(r.Context()), name)
	result := TriggerRunResult{
		Name:       name,
		Status:     "success",
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		if errors.Is(err, controlloop.ErrUnknownTrigger) ||
			errors.Is(err, controlloop.ErrTriggerBusy) ||
			errors.Is(err, controlloop.ErrStopped) {
			h.handleError(w, r, err)
			return
		}
		ctxlog.FromContext(r.Context()).Warn("manual trigger run failed", "trigger", name, "error", err)
		result.Status = "error"
		result.Error = err.Error()
	}

	httputil.Success(w, http.StatusOK, result)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
		{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
		{Error: ErrInvalidWork, Status: http.StatusBadRequest},
		{Error: ErrInvalidStatus, Status: http.StatusBadRequest},
		{Error: ErrDuplicateWork, Status: http.StatusConflict},
		{Error: controlloop.ErrUnknownTrigger, Status: http.StatusNotFound, Message: "trigger not found"},
		{Error: controlloop.ErrTriggerBusy, Status: http.StatusConflict},
		{Error: controlloop.ErrStopped, Status: http.StatusServiceUnavailable},
	})
}
