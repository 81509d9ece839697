package handlers

import "net/http"

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	pools := 0
	if Mgr == nil {
		status = "unhealthy"
	} else {
		pools = len(Mgr.Stats())
	}

	auditStatus := "disabled"
	if Auditor != nil {
		auditStatus = "enabled"
	}

	hosts := 0
	if Inv != nil {
		hosts = len(Inv.Names())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"pools":           pools,
		"audit":           auditStatus,
		"inventory_hosts": hosts,
	})
}
