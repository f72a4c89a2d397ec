package api

import (
	"net/http"
	"time"

	"github.com/lumastudio/agentgate/internal/storage"
)

const defaultStatsWindow = 24 * time.Hour

// handleSessionAudit implements GET /v1/sessions/{session_id}/audit.
// Only entries of the caller's studio are returned.
func (d *Dependencies) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	sessionID := r.PathValue("session_id")

	entries := []storage.AuditEntry{}
	for _, e := range d.Pipeline.SessionAudit(r.Context(), sessionID) {
		if e.StudioID == p.StudioID {
			entries = append(entries, e)
		}
	}
	writeJSON(w, http.StatusOK, SessionAuditResp{SessionID: sessionID, Entries: entries})
}

// handleAuditStats implements GET /v1/audit/stats?since=RFC3339.
func (d *Dependencies) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	since := time.Now().Add(-defaultStatsWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	stats := d.Pipeline.AuditStats(r.Context(), p.StudioID, since)
	if stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "audit store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, AuditStatsResp{StudioID: p.StudioID, Since: since.UTC(), Stats: stats})
}
