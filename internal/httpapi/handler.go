// File: internal/httpapi/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP control surface for a running grid.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/momentics/mediagrid/api"
	"github.com/momentics/mediagrid/control"
	"github.com/momentics/mediagrid/coordinator"
)

// Grid is the coordinator surface the handler drives.
type Grid interface {
	Configure(policy coordinator.SharingPolicy, n int) error
	Policy() (coordinator.SharingPolicy, int)
	StartAll(ctx context.Context) error
	StopOne(ctx context.Context, index int) error
	StopAll(ctx context.Context) error
	MetricsSnapshot() coordinator.Snapshot
	Slots() []coordinator.SlotSnapshot
	RefreshMetrics()
}

// Handler exposes grid control endpoints.
type Handler struct {
	grid        Grid
	log         *zap.Logger
	metrics     *control.Metrics
	probes      *control.DebugProbes
	stopTimeout time.Duration
}

// NewHandler wires a Handler. metrics and probes may be nil.
func NewHandler(grid Grid, log *zap.Logger, m *control.Metrics, dp *control.DebugProbes) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{grid: grid, log: log, metrics: m, probes: dp, stopTimeout: 10 * time.Second}
}

// Router builds the chi router for h.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.log))

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(h.grid.RefreshMetrics))
	}
	if h.probes != nil {
		r.Method(http.MethodGet, "/debug/state", h.probes.Handler())
	}
	r.Get("/snapshot", h.GetSnapshot)
	r.Put("/policy", h.PutPolicy)
	r.Post("/start", h.Start)
	r.Post("/stop", h.StopAll)
	r.Route("/slots", func(r chi.Router) {
		r.Get("/", h.ListSlots)
		r.Route("/{index}", func(r chi.Router) {
			r.Get("/", h.GetSlot)
			r.Post("/stop", h.StopSlot)
		})
	})
	return r
}

type policyRequest struct {
	Policy string `json:"policy"`
	Slots  int    `json:"slots"`
}

type policyResponse struct {
	Policy string `json:"policy"`
	Slots  int    `json:"slots"`
}

// GetSnapshot handles GET /snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.grid.MetricsSnapshot())
}

// PutPolicy handles PUT /policy. Body: {"policy": "isolated", "slots": 9}.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, api.ErrInvalidArgument.Wrap(err))
		return
	}
	policy, err := coordinator.ParseSharingPolicy(req.Policy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.grid.Configure(policy, req.Slots); err != nil {
		h.writeError(w, err)
		return
	}
	p, n := h.grid.Policy()
	writeJSON(w, http.StatusOK, policyResponse{Policy: p.String(), Slots: n})
}

// Start handles POST /start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.grid.StartAll(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.grid.MetricsSnapshot())
}

// StopAll handles POST /stop.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.stopTimeout)
	defer cancel()
	if err := h.grid.StopAll(ctx); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSlots handles GET /slots.
func (h *Handler) ListSlots(w http.ResponseWriter, _ *http.Request) {
	slots := h.grid.Slots()
	if slots == nil {
		slots = []coordinator.SlotSnapshot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// GetSlot handles GET /slots/{index}.
func (h *Handler) GetSlot(w http.ResponseWriter, r *http.Request) {
	index, ok := h.slotIndex(w, r)
	if !ok {
		return
	}
	slots := h.grid.Slots()
	if slots == nil {
		h.writeError(w, api.ErrNotStarted)
		return
	}
	if index >= len(slots) {
		h.writeError(w, api.ErrSlotOutOfRange.WithContext("index", index))
		return
	}
	writeJSON(w, http.StatusOK, slots[index])
}

// StopSlot handles POST /slots/{index}/stop.
func (h *Handler) StopSlot(w http.ResponseWriter, r *http.Request) {
	index, ok := h.slotIndex(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.stopTimeout)
	defer cancel()
	if err := h.grid.StopOne(ctx, index); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) slotIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		h.writeError(w, api.ErrSlotOutOfRange.WithContext("index", chi.URLParam(r, "index")))
		return 0, false
	}
	return index, true
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := api.ErrCodeInternal
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	} else {
		h.log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Code: code.String(), Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidArgument), errors.Is(err, api.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrSlotOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, api.ErrNotStarted), errors.Is(err, api.ErrNotConfigured),
		errors.Is(err, api.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, api.ErrResourceExhausted), errors.Is(err, api.ErrPoolSaturated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
