package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/fleetexec/internal/audit"
)

// GetAuditLogs queries the audit log. Filters: host, event_type, run_id,
// since and until (RFC 3339), limit, offset.
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log not enabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Host:      q.Get("host"),
		EventType: q.Get("event_type"),
		RunID:     q.Get("run_id"),
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+name+" timestamp")
				return
			}
			*dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
