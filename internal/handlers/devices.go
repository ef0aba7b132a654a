package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tailview/tailview/internal/database"
	"github.com/tailview/tailview/internal/devices"
	"github.com/tailview/tailview/internal/endpoint"
)

// ListDevices returns the stored device inventory.
func ListDevices(w http.ResponseWriter, r *http.Request) {
	var devs []database.Device
	if err := database.DB.Order("name").Find(&devs).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

// GetDevice returns one device by name.
func GetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := database.GetDeviceByName(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// UpsertDevice creates or updates a device from a JSON body. The same
// validation as the inventory file applies.
func UpsertDevice(w http.ResponseWriter, r *http.Request) {
	var dev database.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if dev.Name == "" {
		writeError(w, http.StatusBadRequest, "Device name is required")
		return
	}

	primary, secondary := devices.Endpoints(&dev)
	if err := primary.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if secondary != nil {
		if err := secondary.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := endpoint.ValidateCommand(dev.Command); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := database.UpsertDevice(&dev); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}
