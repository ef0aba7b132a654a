package handlers

import (
	"net/http"

	"github.com/tailview/tailview/internal/database"
)

// Healthz reports process and database health plus the live session count.
func Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err != nil || sqlDB.Ping() != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	sessions := 0
	if Sessions != nil {
		sessions = len(Sessions.List())
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"sessions": sessions,
	})
}
