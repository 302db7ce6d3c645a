package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/models"
)

// GetSettingsHandler handles GET /settings.
func (s *Server) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Settings == nil {
		http.Error(w, "ad settings unavailable", http.StatusNotImplemented)
		return
	}
	cur, err := s.Settings.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

// UpdateSettingsHandler handles PUT /settings. Only the fields present in
// the body change; the result is saved and applied right away.
func (s *Server) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Settings == nil {
		http.Error(w, "ad settings unavailable", http.StatusNotImplemented)
		return
	}
	var u models.AdSettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	next, err := s.Settings.Update(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// ConsentStatusHandler handles GET /consent/status.
func (s *Server) ConsentStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.ConsentInfo == nil {
		http.Error(w, "consent status unavailable", http.StatusNotImplemented)
		return
	}
	info, err := s.ConsentInfo.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ConsentUpdateHandler handles POST /consent/update. The body is optional.
func (s *Server) ConsentUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if s.ConsentInfo == nil {
		http.Error(w, "consent status unavailable", http.StatusNotImplemented)
		return
	}
	var p consent.UpdateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if p.DebugGeography != "" {
		g, err := consent.ParseGeography(string(p.DebugGeography))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		p.DebugGeography = g
	}
	info, err := s.ConsentInfo.RequestUpdate(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ConsentResetHandler handles POST /consent/reset.
func (s *Server) ConsentResetHandler(w http.ResponseWriter, r *http.Request) {
	if s.ConsentInfo == nil {
		http.Error(w, "consent status unavailable", http.StatusNotImplemented)
		return
	}
	if err := s.ConsentInfo.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
