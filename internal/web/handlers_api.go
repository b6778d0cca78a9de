package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"ecoflow-bridge/internal/coordinator"
	"ecoflow-bridge/internal/device"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.coord.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.deviceView(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	dev, ok := s.coord.Device(sn)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	detail := DeviceDetail{
		DeviceView:   s.deviceView(dev),
		Sensors:      dev.State().Fields(device.DomainSensors),
		Switches:     dev.State().Fields(device.DomainSwitches),
		Selects:      dev.State().Fields(device.DomainSelects),
		BreakerModes: device.BreakerModeNames(),
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	if err := s.coord.RemoveDevice(sn); err != nil {
		if errors.Is(err, coordinator.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("delete device", "err", err, "sn", sn)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshDevice(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	if err := s.coord.Refresh(r.Context(), sn); err != nil {
		if errors.Is(err, coordinator.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("refresh device", "err", err, "sn", sn)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "refresh failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefreshAll(w http.ResponseWriter, r *http.Request) {
	s.coord.RefreshAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendCommandRequest selects one of the panel's control actions. Unused
// fields for a given action are ignored.
type sendCommandRequest struct {
	Action  string `json:"action"`  // "eps", "battery_charge", "breaker_mode"
	On      bool   `json:"on"`      // eps, battery_charge
	Unit    int    `json:"unit"`    // battery_charge, 1-based
	Channel int    `json:"channel"` // breaker_mode, 0-based
	Mode    string `json:"mode"`    // breaker_mode
	Target  string `json:"target"`  // "MQTT" (default) or "HTTP"
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	dev, ok := s.coord.Device(sn)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	panel, ok := dev.(*device.SmartHomePanel)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device accepts no commands"})
		return
	}

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var cmd device.Command
	switch req.Action {
	case "eps":
		cmd = panel.EPSCommand(req.On)
	case "battery_charge":
		if req.Unit < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unit must be >= 1"})
			return
		}
		cmd = panel.BatteryChargeCommand(req.Unit, req.On)
	case "breaker_mode":
		if req.Channel < 0 || req.Channel >= device.BreakersCount {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel out of range"})
			return
		}
		mode, ok := device.ParseBreakerMode(req.Mode)
		if !ok {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown breaker mode"})
			return
		}
		cmd = panel.BreakerModeCommand(req.Channel, mode)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action"})
		return
	}

	target := device.TargetMQTT
	if req.Target == string(device.TargetHTTP) {
		target = device.TargetHTTP
	}

	if err := s.coord.SendCommand(r.Context(), cmd, target); err != nil {
		s.logger.Error("send command", "err", err, "sn", sn, "action", req.Action)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": cmd.ID()})
}

func (s *Server) handleAPISessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := s.coord.Session()
	if sess == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session not established"})
		return
	}
	// store.Session hides the password from JSON.
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
