package web

import (
	"context"
	"net/http"
	"time"
)

// pinger is satisfied by the real event store; stub stores in tests
// usually are not, which readyz reports as "unknown".
type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := map[string]string{}
	ok := true

	if s == nil || s.Store == nil {
		ok = false
		checks["store"] = "unavailable"
	} else if p, can := s.Store.(pinger); can {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			ok = false
			checks["store"] = err.Error()
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "unknown"
	}

	status := http.StatusOK
	state := "ready"
	if !ok {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
