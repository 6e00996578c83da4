package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atticdb/attic/pkg/httpx"
	"github.com/atticdb/attic/pkg/record"
)

// markerWriteTimeout bounds the detached marker write triggered by a hit.
const markerWriteTimeout = 2 * time.Second

// Handler accepts retrieval feedback over HTTP.
type Handler struct {
	sink *Sink
}

// NewHandler creates a new feedback handler.
func NewHandler(sink *Sink) *Handler {
	return &Handler{sink: sink}
}

// HitRequest represents the request payload for /v1/feedback/hit.
type HitRequest struct {
	EntityRef   string             `json:"entity_ref"`
	Tier        record.Tier        `json:"tier,omitempty"`
	DetailLevel record.DetailLevel `json:"detail_level,omitempty"`
	Weight      float64            `json:"weight,omitempty"`
}

// RefRequest represents the request payload for /v1/feedback/ref.
type RefRequest struct {
	EntityRef string `json:"entity_ref"`
}

// AckResponse acknowledges accepted feedback.
type AckResponse struct {
	Status string `json:"status"`
}

// HandleHit handles the /v1/feedback/hit endpoint. Fire-and-forget: the
// request is acknowledged once recorded in memory; marker persistence happens
// off the request path.
func (h *Handler) HandleHit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req HitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.EntityRef == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "entity_ref is required")
		return
	}
	if req.Weight <= 0 {
		req.Weight = 1
	}

	// Detached context: the marker write must not die with the request.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markerWriteTimeout)
		defer cancel()
		h.sink.RecordHit(ctx, req.EntityRef, req.Tier, req.DetailLevel, req.Weight)
	}()

	httpx.RespondJSON(w, http.StatusAccepted, AckResponse{Status: "accepted"})
}

// HandleRef handles the /v1/feedback/ref endpoint, noting a cross-source
// reference to an entity.
func (h *Handler) HandleRef(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.EntityRef == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "entity_ref is required")
		return
	}

	h.sink.RecordRef(req.EntityRef)
	httpx.RespondJSON(w, http.StatusAccepted, AckResponse{Status: "accepted"})
}
