package api

import (
	"net/http"

	"go-data-migrate/internal/api/handler"
	"go-data-migrate/pkg/router"
)

func RegisterRoutes(r *router.Router, h *handler.ProgressHandler, metrics http.Handler) {
	r.GET("/api/v1/progress", h.GetProgress)
	r.GET("/api/v1/progress/summary", h.GetSummary)
	r.GET("/api/v1/runs", h.ListRuns)
	r.GET("/api/v1/runs/*/transactions", h.GetRunTransactions)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
}
