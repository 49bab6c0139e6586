package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/invisithreat/invisithreat/internal/system"
)

const serviceName = "invisithreat"

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status        string          `json:"status"`
	Service       string          `json:"service"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Timestamp     int64           `json:"timestamp"`
	Store         string          `json:"store"`
	Error         string          `json:"error,omitempty"`
	System        *system.Metrics `json:"system,omitempty"`
}

// Handler reports liveness together with store connectivity.
type Handler struct {
	store     Pinger
	startTime time.Time
	timeout   time.Duration
}

func NewHandler(store Pinger) *Handler {
	return &Handler{
		store:     store,
		startTime: time.Now(),
		timeout:   2 * time.Second,
	}
}

// Check pings the store and builds the response body.
func (h *Handler) Check(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:        "healthy",
		Service:       serviceName,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().Unix(),
		Store:         "connected",
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Store = "disconnected"
		response.Error = err.Error()
	}

	response.System = system.Collect(ctx)

	return response
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
