package api

import (
	"context"
	"net/http"
	"time"

	"github.com/xraph/stepflow/engine"
)

type healthResponse struct {
	Status string        `json:"status"`
	Engine *engine.Stats `json:"engine,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports ready once the store answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	stats := s.eng.Stats()
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Engine: &stats, Error: err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Engine: &stats})
}
