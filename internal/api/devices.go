package api

import (
	"net/http"

	"github.com/roach88/signalflow/internal/model"
)

// handleRegisterDevice records a field device. Repeated registration
// refreshes the stored capabilities and location.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var d model.Device
	if err := decodeJSON(r, &d); err != nil {
		s.fail(w, r, err)
		return
	}
	if d.ID == "" {
		s.fail(w, r, unprocessable("device_id is required"))
		return
	}
	if d.Type == "" {
		s.fail(w, r, unprocessable("device_type is required"))
		return
	}
	if d.Status == "" {
		d.Status = "online"
	}
	d.LastSeen = s.now().UTC()
	if err := s.store.UpsertDevice(r.Context(), d); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("device registered", "device", d.ID, "type", d.Type)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "registered",
		"device_id": d.ID,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}
