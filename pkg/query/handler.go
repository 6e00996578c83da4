// Package query exposes the federated query and stats endpoints.
package query

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/federate"
	"github.com/atticdb/attic/pkg/httpx"
	"github.com/atticdb/attic/pkg/record"
	"github.com/atticdb/attic/pkg/storage"
)

// Handler handles federated query requests.
type Handler struct {
	federator *federate.Federator
}

// NewHandler creates a new query handler.
func NewHandler(federator *federate.Federator) *Handler {
	return &Handler{federator: federator}
}

// QueryResponse represents the response payload for /v1/query.
type QueryResponse struct {
	Status  string                  `json:"status"`
	Count   int                     `json:"count"`
	Partial bool                    `json:"partial"`
	Records []record.ActivityRecord `json:"records"`
}

// HandleQuery handles the /v1/query endpoint. Results come from every tier,
// merged into occurred_at order, each record tagged with the tier it was read
// from and its detail level.
//
// Parameters: entity, kinds (comma-separated), start, end (RFC3339),
// limit. An entity-scoped query with no start reaches the whole archive;
// unscoped queries default to the last day so a bare /v1/query cannot walk
// every tier end to end.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	params := r.URL.Query()

	req := storage.ScanRequest{
		EntityRef: params.Get("entity"),
	}

	if kinds := params.Get("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			req.Kinds = append(req.Kinds, record.ActivityKind(strings.TrimSpace(k)))
		}
	}

	now := time.Now()
	end, ok := parseTime(params.Get("end"), now)
	if !ok {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid end time, want RFC3339")
		return
	}
	defaultStart := end.Add(-config.QueryDefaultWindow)
	if req.EntityRef != "" {
		// Entity history lives mostly in the colder tiers; don't hide it
		// behind the default window.
		defaultStart = time.Time{}
	}
	start, ok := parseTime(params.Get("start"), defaultStart)
	if !ok {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid start time, want RFC3339")
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	req.Start = start
	req.End = end

	req.Limit = config.QueryMaxLimit
	if limitParam := params.Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < req.Limit {
			req.Limit = limit
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := h.federator.Query(ctx, req)
	if err != nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}

	records := result.Records
	if records == nil {
		records = []record.ActivityRecord{}
	}
	httpx.RespondJSON(w, http.StatusOK, QueryResponse{
		Status:  "success",
		Count:   len(records),
		Partial: result.Partial,
		Records: records,
	})
}

// StatsResponse represents the response payload for /v1/stats.
type StatsResponse struct {
	Status string                         `json:"status"`
	Tiers  map[record.Tier]*storage.Stats `json:"tiers"`
}

// HandleStats handles the /v1/stats endpoint. The optional tier parameter
// narrows the answer to one tier.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tier := record.Tier(r.URL.Query().Get("tier"))
	if tier != "" && tier.Next() == "" && tier != record.TierGlacial {
		httpx.RespondErrorString(w, http.StatusBadRequest, "unknown tier")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.federator.Stats(ctx, tier)
	if err != nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Status: "success",
		Tiers:  stats,
	})
}

// parseTime parses an RFC3339 parameter, falling back to a default when empty.
func parseTime(param string, fallback time.Time) (time.Time, bool) {
	if param == "" {
		return fallback, true
	}
	t, err := time.Parse(time.RFC3339, param)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
