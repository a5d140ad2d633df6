package api

import (
	"net/http"

	"github.com/fleetlink/backplane/internal/realtime"
)

// deviceFilter is the optional body of the realtime reads. No body or an
// empty dev_ids list means the whole fleet.
type deviceFilter struct {
	DevIDs []string `json:"dev_ids"`
}

type DevicesHandler struct {
	state *realtime.State
}

func NewDevicesHandler(state *realtime.State) *DevicesHandler {
	return &DevicesHandler{state: state}
}

// LastTelemetries returns dev_id → {telemetry, ts} for the requested
// devices.
func (h *DevicesHandler) LastTelemetries(w http.ResponseWriter, r *http.Request) {
	var f deviceFilter
	if err := DecodeJSONOptional(r, &f); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	WriteJSON(w, http.StatusOK, h.state.LastTelemetries(f.DevIDs))
}

// LastTS returns dev_id → last-seen server second for lightweight liveness
// polling.
func (h *DevicesHandler) LastTS(w http.ResponseWriter, r *http.Request) {
	var f deviceFilter
	if err := DecodeJSONOptional(r, &f); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	WriteJSON(w, http.StatusOK, h.state.LastTS(f.DevIDs))
}
