package httpkit

import (
	"net/http"
	"time"
)

// HealthInfo is the common subset of every service's GET /health response;
// HealthHandler writes the same three fields into a map merged with any
// service-specific fields.
type HealthInfo struct {
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartedAt     time.Time `json:"started_at"`
}

// NewHealthInfo captures the current uptime relative to startedAt.
func NewHealthInfo(startedAt time.Time) HealthInfo {
	return HealthInfo{
		Status:        "ok",
		UptimeSeconds: time.Since(startedAt).Seconds(),
		StartedAt:     startedAt,
	}
}

// HealthHandler returns a handler that renders extra as additional JSON
// fields merged with the base health info.
func HealthHandler(startedAt time.Time, extra func() map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}
		body := map[string]any{
			"status":         "ok",
			"uptime_seconds": time.Since(startedAt).Seconds(),
			"started_at":     startedAt.UTC().Format(time.RFC3339),
		}
		if extra != nil {
			for k, v := range extra() {
				body[k] = v
			}
		}
		WriteJSON(w, http.StatusOK, body)
	}
}
