package server

import (
	"net/http"
	"time"

	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/consolidate"
	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/httpx"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/server/monitor"
)

var startTime = time.Now()

// AdminHandler serves the consolidation trigger and health endpoints.
type AdminHandler struct {
	cfg      config.Config
	cons     *consolidate.Consolidator
	monitors *monitor.MonitorSet
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(cfg config.Config, cons *consolidate.Consolidator, monitors *monitor.MonitorSet) *AdminHandler {
	return &AdminHandler{cfg: cfg, cons: cons, monitors: monitors}
}

// HandleConsolidate handles POST /v1/consolidate. It runs one consolidation
// batch for the source tier synchronously and returns the batch report, the
// same batch the scheduler would run. A batch already in flight for the pair
// answers 409.
//
// Parameters: source (tier name, required), age (optional duration overriding
// the tier's retention horizon).
func (h *AdminHandler) HandleConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	source := record.Tier(r.URL.Query().Get("source"))
	desc, ok := h.cfg.Descriptor(source)
	if !ok {
		httpx.RespondErrorString(w, http.StatusBadRequest, "unknown source tier")
		return
	}
	if source.Next() == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "tier has no next tier to consolidate into")
		return
	}

	age := desc.RetentionHorizon
	if ageParam := r.URL.Query().Get("age"); ageParam != "" {
		parsed, err := time.ParseDuration(ageParam)
		if err != nil || parsed < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid age duration")
			return
		}
		age = parsed
	}

	cm := h.monitors.For(consolidate.Pair(source))
	report, err := h.cons.Run(r.Context(), source, age)
	if err != nil {
		cm.RecordFailure(err)
		status := http.StatusInternalServerError
		if errs.IsKind(err, errs.KindConsolidationAborted) && report == nil {
			status = http.StatusConflict
		}
		if report != nil {
			// A failed batch still carries a report worth returning.
			httpx.RespondJSON(w, status, report)
			return
		}
		httpx.RespondError(w, status, err)
		return
	}

	cm.RecordSuccess()
	httpx.RespondJSON(w, http.StatusOK, report)
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status        string                                 `json:"status"`
	Uptime        string                                 `json:"uptime"`
	Consolidation map[string]monitor.ConsolidationStatus `json:"consolidation"`
}

// HandleHealth handles GET /v1/health.
func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !h.monitors.Healthy() {
		status = "degraded"
	}
	httpx.RespondJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Uptime:        time.Since(startTime).String(),
		Consolidation: h.monitors.Status(),
	})
}
