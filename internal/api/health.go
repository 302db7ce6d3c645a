package api

import (
	"context"
	"net/http"
	"time"
)

type healthBody struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	QueueDepth *int   `json:"queue_depth,omitempty"`
}

// HealthHandler responds with a simple status check. When a consent store is
// configured it must answer a ping.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if s.Queue != nil {
		n := s.Queue.Len()
		body.QueueDepth = &n
	}
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			body.Status, body.Error = "degraded", err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
