package api

import (
	"net/http"

	"github.com/leadpulse/webhooks/internal/queue"
)

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int64  `json:"queue_depth"`
}

// HealthHandler reports process liveness and current queue depth.
func HealthHandler(q queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := q.Depth(r.Context())
		if err != nil {
			respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
			return
		}
		respondJSON(w, http.StatusOK, healthResponse{Status: "healthy", QueueDepth: depth})
	}
}
