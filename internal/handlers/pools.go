package handlers

import "net/http"

// GetStats returns per-host pool statistics.
func GetStats(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, m.Stats())
}

// GetEvents returns recent pool events for ?host=, or for every host.
func GetEvents(w http.ResponseWriter, r *http.Request) {
	m := manager(w)
	if m == nil {
		return
	}
	if host := r.URL.Query().Get("host"); host != "" {
		events := m.Events(host)
		if events == nil {
			writeError(w, http.StatusNotFound, "No events for host")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"host": host, "events": events})
		return
	}
	writeJSON(w, http.StatusOK, m.AllEvents())
}
