package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"blelink/internal/light"
	"blelink/internal/store"
)

// statusResponse is the /api/status document: the link snapshot plus
// the lifecycle phase and desired settings.
type statusResponse struct {
	light.DeviceStatus
	State       string            `json:"state"`
	Preferences light.Preferences `json:"preferences"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		DeviceStatus: s.app.Status(),
		State:        s.app.State(),
		Preferences:  s.app.Preferences(),
	})
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"modes": s.app.Modes()})
}

type effectView struct {
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval_ms"`
}

func (s *Server) handleEffects(w http.ResponseWriter, r *http.Request) {
	views := []effectView{}
	if s.effects != nil {
		for _, e := range s.effects.Effects() {
			views = append(views, effectView{Name: e.Name, IntervalMS: e.Interval.Milliseconds()})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string][]effectView{"effects": views})
}

type setColorRequest struct {
	Hex string `json:"hex"`
	R   *uint8 `json:"r"`
	G   *uint8 `json:"g"`
	B   *uint8 `json:"b"`
}

func (s *Server) handleSetColor(w http.ResponseWriter, r *http.Request) {
	var req setColorRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	switch {
	case req.Hex != "":
		if err := s.app.SetColorHex(req.Hex); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	case req.R != nil && req.G != nil && req.B != nil:
		s.app.SetColor(light.Color{R: *req.R, G: *req.G, B: *req.B})
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "need hex or r,g,b"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setBrightnessRequest struct {
	// Brightness is a percentage, 0-100.
	Brightness *float64 `json:"brightness"`
}

func (s *Server) handleSetBrightness(w http.ResponseWriter, r *http.Request) {
	var req setBrightnessRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Brightness == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "brightness required"})
		return
	}

	s.app.SetBrightness(*req.Brightness / 100)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setModeRequest struct {
	Mode  string `json:"mode"`
	Speed *int   `json:"speed"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	// Speed first, so the mode frame already carries it.
	if req.Speed != nil {
		s.app.SetSpeed(*req.Speed)
	}
	if err := s.app.SetMode(req.Mode); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": req.Mode})
}

type setSpeedRequest struct {
	Speed *int `json:"speed"`
}

func (s *Server) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var req setSpeedRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Speed == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "speed required"})
		return
	}

	s.app.SetSpeed(*req.Speed)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.app.Presets()
	if err != nil {
		s.logger.Error("list presets", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	var req light.Preset
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "preset name required"})
		return
	}

	if err := s.app.SavePreset(req); err != nil {
		s.logger.Error("save preset", "error", err, "name", req.Name)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.app.DeletePreset(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "preset not found"})
			return
		}
		s.logger.Error("delete preset", "error", err, "name", name)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.app.ApplyPreset(name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "preset not found"})
			return
		}
		s.logger.Error("apply preset", "error", err, "name", name)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Connect(); err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.app.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "error", err)
	}
}
