package api

import (
	"context"
	"net/http"
	"time"

	"github.com/fleetlink/backplane/internal/parts"
	"github.com/fleetlink/backplane/internal/realtime"
)

// BrokerStatus is the broker-session liveness surface. Satisfied by
// *mqttclient.Client.
type BrokerStatus interface {
	IsConnected() bool
}

// KVPinger is the KV liveness surface. Satisfied by *kvstore.Store.
type KVPinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Devices       int               `json:"devices,omitempty"`
	Parts         *parts.Status     `json:"parts,omitempty"`
}

type HealthHandler struct {
	broker    BrokerStatus
	kv        KVPinger
	parts     *parts.Watcher
	realtime  *realtime.State
	version   string
	startTime time.Time
}

func NewHealthHandler(broker BrokerStatus, kv KVPinger, pw *parts.Watcher, rt *realtime.State, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		broker:    broker,
		kv:        kv,
		parts:     pw,
		realtime:  rt,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			status = "degraded"
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.kv != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.kv.Ping(ctx)
		cancel()
		if err != nil {
			checks["kv"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["kv"] = "ok"
		}
	} else {
		checks["kv"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.parts != nil {
		st := h.parts.Status()
		checks["parts"] = "ok"
		resp.Parts = &st
	}
	if h.realtime != nil {
		resp.Devices = h.realtime.Size()
	}

	WriteJSON(w, httpStatus, resp)
}
