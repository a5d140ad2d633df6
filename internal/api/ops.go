package api

import (
	"net/http"

	"github.com/fleetlink/backplane/internal/eventlog"
	"github.com/fleetlink/backplane/internal/parts"
)

type OpsHandler struct {
	parts *parts.Watcher
	sink  *eventlog.Sink
}

func NewOpsHandler(pw *parts.Watcher, sink *eventlog.Sink) *OpsHandler {
	return &OpsHandler{parts: pw, sink: sink}
}

// ClearCache prunes the parts spool up to the "before" boundary.
func (h *OpsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	before := r.URL.Query().Get("before")
	removed, err := h.parts.Prune(before)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "prune failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type macRequest struct {
	DevID string `json:"dev_id"`
	Mac   string `json:"mac"`
	Error string `json:"error"`
}

// LogGetmac appends one processed-MAC line to the TSV audit file.
func (h *OpsHandler) LogGetmac(w http.ResponseWriter, r *http.Request) {
	var req macRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DevID == "" {
		WriteError(w, http.StatusBadRequest, "dev_id is required")
		return
	}
	if err := h.sink.AppendMac(req.DevID, req.Mac, req.Error); err != nil {
		WriteError(w, http.StatusInternalServerError, "append failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
