package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/atticdb/attic/pkg/config"
	"github.com/atticdb/attic/pkg/errs"
	"github.com/atticdb/attic/pkg/httpx"
	"github.com/atticdb/attic/pkg/record"
)

// Handler handles activity record ingestion over HTTP.
type Handler struct {
	ingestor *Ingestor
	hub      *ActivityHub
}

// NewHandler creates a new ingest handler. hub may be nil to disable the
// live feed.
func NewHandler(ingestor *Ingestor, hub *ActivityHub) *Handler {
	return &Handler{ingestor: ingestor, hub: hub}
}

// IngestRequest represents the request payload. A single record and a batch
// are both accepted; exactly one of Record or Records must be set.
type IngestRequest struct {
	Record  *record.ActivityRecord  `json:"record,omitempty"`
	Records []record.ActivityRecord `json:"records,omitempty"`
}

// IngestResponse represents the response payload.
type IngestResponse struct {
	Status    string   `json:"status"`
	Count     int      `json:"count"`
	RecordIDs []string `json:"record_ids"`
}

// HandleIngest handles the /v1/ingest endpoint.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	recs := req.Records
	if req.Record != nil {
		recs = append(recs, *req.Record)
	}
	if len(recs) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no records in request")
		return
	}
	if len(recs) > config.IngestMaxBatch {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit %d", len(recs), config.IngestMaxBatch))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	keys, err := h.ingestor.IngestBatch(ctx, recs)
	if err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		httpx.RespondError(w, http.StatusServiceUnavailable, err)
		return
	}

	if h.hub != nil && h.hub.HasClients() {
		for _, rec := range recs {
			h.hub.Broadcast(rec)
		}
	}

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{
		Status:    "success",
		Count:     len(keys),
		RecordIDs: keys,
	})
}
