package api

import (
	"context"
	"net/http"
	"time"

	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/utils"
)

const healthCheckTimeout = 2 * time.Second

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionSource exposes the MQTT connection state.
type ConnectionSource interface {
	Snapshot() mqtt.ConnectionState
}

// Handler serves the core endpoints of the bridge.
type Handler struct {
	db   Pinger
	conn ConnectionSource
}

// NewHandler creates the core handler. conn is nil when the bridge runs
// without a broker.
func NewHandler(db Pinger, conn ConnectionSource) *Handler {
	return &Handler{db: db, conn: conn}
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) error {
	RespondJSON(w, r, http.StatusOK, PingResponse{
		Message: "Pong",
		Status:  PingStatusOK,
		Version: utils.GetVersionShort(),
	})

	return nil
}

// Health replies 503 unless both the database and the broker are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{MQTT: true, MQTTStatus: "disabled"}

	if err := h.db.Ping(ctx); err != nil {
		GetLogger(r.Context()).Warn("database health check failed", utils.ErrAttr(err))
	} else {
		resp.Database = true
	}

	if h.conn != nil {
		s := h.conn.Snapshot()
		resp.MQTT = s.Status == mqtt.StatusConnected
		resp.MQTTStatus = s.Status.String()
		resp.ReconnectAttempt = s.ReconnectAttempt

		if s.LastError != nil {
			resp.LastError = s.LastError.Error()
		}
	}

	code := http.StatusOK
	if !resp.Database || !resp.MQTT {
		code = http.StatusServiceUnavailable
	}

	RespondJSON(w, r, code, resp)

	return nil
}
