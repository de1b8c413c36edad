package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/presence"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// handleListDevices returns every registered device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	entries := s.broker.Devices()
	devices := make([]relay.DeviceStatus, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, e.Status())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one registered device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	e, ok := s.broker.Device(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not registered")
		return
	}
	writeJSON(w, http.StatusOK, e.Status())
}

// handleDeviceHistory returns the device's stored presence transitions.
// Query parameters: event, limit, offset.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "presence history is not enabled")
		return
	}

	filter := presence.HistoryFilter{
		DeviceID: chi.URLParam(r, "id"),
		Event:    r.URL.Query().Get("event"),
	}

	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	page, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing presence history", "device_id", filter.DeviceID, "error", err)
		writeInternalError(w, "failed to list presence history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// queryInt parses an optional non-negative integer query parameter,
// writing a 400 and returning false if it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
