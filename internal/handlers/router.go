package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/fleetexec/internal/audit"
	"github.com/gluk-w/fleetexec/internal/executor"
	"github.com/gluk-w/fleetexec/internal/inventory"
	"github.com/gluk-w/fleetexec/internal/metrics"
	"github.com/gluk-w/fleetexec/internal/middleware"
)

// Set from main.go during startup. Auditor, Inv and Metrics may stay nil.
var (
	Mgr     *executor.Manager
	Inv     *inventory.Inventory
	Auditor *audit.Auditor
	Metrics *metrics.Collector
)

// Router builds the HTTP API.
func Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	r.Get("/metrics", MetricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken)
		r.Use(chimw.AllowContentType("application/json"))

		r.Post("/test", TestConnection)
		r.Post("/exec", Exec)
		r.Post("/exec-multi", ExecMulti)
		r.Get("/exec-multi/stream", ExecMultiStream)

		r.Get("/stats", GetStats)
		r.Get("/events", GetEvents)
		r.Get("/audit", GetAuditLogs)
		r.Get("/logs", GetServerLogs)

		r.Post("/files/list", ListFiles)
		r.Post("/files/read", ReadFile)
		r.Post("/files/write", WriteFile)
		r.Post("/files/mkdir", CreateDirectory)
	})
	return r
}

func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if Metrics == nil {
		writeError(w, http.StatusNotFound, "Metrics not enabled")
		return
	}
	Metrics.Handler().ServeHTTP(w, r)
}
