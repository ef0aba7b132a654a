package handlers

import (
	"net/http"
	"strconv"

	"github.com/tailview/tailview/internal/logging"
)

// ServiceLog returns the tail of the service's own log file.
func ServiceLog(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read log: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"log": tail,
	})
}

// ClearServiceLog truncates the service log file.
func ClearServiceLog(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear log: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "cleared",
	})
}
