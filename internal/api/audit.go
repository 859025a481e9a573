package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/smartip-core/internal/audit"
)

// handleListAudit returns audited commands, newest first.
//
// Query parameters:
//   - device_id, command, source (mqtt, api), result (ok or an ack code)
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command audit is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: q.Get("device_id"),
		Command:  q.Get("command"),
		Source:   q.Get("source"),
		Result:   q.Get("result"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeBadRequest(w, p.name+" must be an integer")
				return
			}
			*p.dst = n
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list command audit", "error", err)
		writeInternalError(w, "failed to list command audit")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
