package endpoint

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/session"
)

// MuteRequest is the body of POST /api/v1/mute
type MuteRequest struct {
	Muted bool `json:"muted"`
}

// LanguageRequest is the body of PUT /api/v1/language
type LanguageRequest struct {
	Language string `json:"language"`
}

// DeviceRequest is the body of PUT /api/v1/video-device and /api/v1/audio-device
type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

// Routes registers the control API on mux
func (e *Endpoint) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/state", e.HandleState)
	mux.HandleFunc("GET /api/v1/transcripts", e.HandleTranscripts)
	mux.HandleFunc("GET /api/v1/languages", HandleLanguages)
	mux.HandleFunc("POST /api/v1/mute", e.HandleMute)
	mux.HandleFunc("POST /api/v1/reconnect", e.HandleReconnect)
	mux.HandleFunc("PUT /api/v1/language", e.HandleLanguage)
	mux.HandleFunc("PUT /api/v1/video-device", e.HandleVideoDevice)
	mux.HandleFunc("PUT /api/v1/audio-device", e.HandleAudioDevice)
	mux.HandleFunc("GET /healthz", e.HandleHealth)
}

// HandleState handles GET /api/v1/state
func (e *Endpoint) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Snapshot())
}

// HandleTranscripts handles GET /api/v1/transcripts
func (e *Endpoint) HandleTranscripts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transcripts": e.Transcripts(),
	})
}

// HandleLanguages handles GET /api/v1/languages
func HandleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"languages": protocol.SupportedLanguages,
	})
}

// HandleMute handles POST /api/v1/mute
func (e *Endpoint) HandleMute(w http.ResponseWriter, r *http.Request) {
	var req MuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e.SetMuted(req.Muted)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"muted":  req.Muted,
	})
}

// HandleReconnect handles POST /api/v1/reconnect
func (e *Endpoint) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := e.Reconnect(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoTarget) {
			// No partner yet, nothing to connect to
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

// HandleLanguage handles PUT /api/v1/language
func (e *Endpoint) HandleLanguage(w http.ResponseWriter, r *http.Request) {
	var req LanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, "language required")
		return
	}

	lang, err := e.SetLanguage(req.Language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"language": lang,
	})
}

// HandleVideoDevice handles PUT /api/v1/video-device
func (e *Endpoint) HandleVideoDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := e.SetVideoDevice(req.DeviceID); err != nil {
		e.logger.Error("failed to switch video device", "device", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"deviceId": req.DeviceID,
	})
}

// HandleAudioDevice handles PUT /api/v1/audio-device
func (e *Endpoint) HandleAudioDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e.SetAudioDevice(req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"deviceId": req.DeviceID,
	})
}

// HandleHealth handles GET /healthz
func (e *Endpoint) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"role":   string(e.role),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
