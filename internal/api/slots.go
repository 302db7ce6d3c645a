package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/formats"
	"github.com/patrickwarner/adslot/internal/manager"
	"github.com/patrickwarner/adslot/internal/middleware"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

// writeError maps lifecycle errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Fields = verr.Fields
	case errors.Is(err, slot.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, manager.ErrSlotNotFound):
		status = http.StatusNotFound
	case slot.IsRejection(err),
		errors.Is(err, slot.ErrNotReusable),
		errors.Is(err, manager.ErrNotAppOpen):
		status = http.StatusConflict
	case errors.Is(err, slot.ErrSlotClosed):
		status = http.StatusGone
	case errors.Is(err, dispatch.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	logger := middleware.LoggerFromRequest(r, s.Logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func slotID(r *http.Request) string {
	id := mux.Vars(r)["id"]
	if un, err := url.PathUnescape(id); err == nil {
		return un
	}
	return id
}

type createSlotRequest struct {
	Format           string             `json:"format"`
	Request          models.RequestSpec `json:"request"`
	AutoShowOnResume bool               `json:"auto_show_on_resume,omitempty"`
	// Load starts loading right after creation.
	Load bool `json:"load,omitempty"`
}

// CreateSlotHandler handles POST /slots.
func (s *Server) CreateSlotHandler(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	format, err := models.ParseFormat(req.Format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error() + "; supported: " + supportedFormats()})
		return
	}

	adID, err := s.Slots.CreateSlot(format, req.Request)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AutoShowOnResume {
		if err := s.Slots.SetAutoShowOnResume(adID, true); err != nil {
			_ = s.Slots.Destroy(adID)
			s.writeError(w, r, err)
			return
		}
	}
	if req.Load {
		if err := s.Slots.Load(adID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	st, err := s.Slots.Status(adID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func supportedFormats() string {
	all := formats.All()
	names := make([]string, len(all))
	for i, f := range all {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// ListSlotsHandler handles GET /slots.
func (s *Server) ListSlotsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.Slots.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// SlotStatusHandler handles GET /slots/{id}.
func (s *Server) SlotStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Slots.Status(slotID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DestroySlotHandler handles DELETE /slots/{id}.
func (s *Server) DestroySlotHandler(w http.ResponseWriter, r *http.Request) {
	id := slotID(r)
	if err := s.Slots.Destroy(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Events.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// LoadHandler handles POST /slots/{id}/load. The load completes
// asynchronously; poll the status or the events.
func (s *Server) LoadHandler(w http.ResponseWriter, r *http.Request) {
	s.slotAction(w, r, http.StatusAccepted, s.Slots.Load)
}

// ShowHandler handles POST /slots/{id}/show.
func (s *Server) ShowHandler(w http.ResponseWriter, r *http.Request) {
	s.slotAction(w, r, http.StatusOK, s.Slots.Show)
}

// HideHandler handles POST /slots/{id}/hide.
func (s *Server) HideHandler(w http.ResponseWriter, r *http.Request) {
	s.slotAction(w, r, http.StatusOK, s.Slots.Hide)
}

func (s *Server) slotAction(w http.ResponseWriter, r *http.Request, okStatus int, action func(string) error) {
	id := slotID(r)
	if err := action(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Slots.Status(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, okStatus, st)
}

// AutoShowHandler handles PUT /slots/{id}/auto_show with {"enabled": bool}.
func (s *Server) AutoShowHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.slotAction(w, r, http.StatusOK, func(id string) error {
		return s.Slots.SetAutoShowOnResume(id, body.Enabled)
	})
}

// LayoutHandler handles PUT /slots/{id}/layout for embedded formats.
func (s *Server) LayoutHandler(w http.ResponseWriter, r *http.Request) {
	var l slot.Layout
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if l.Width < 0 || l.Height < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "layout width and height must not be negative"})
		return
	}
	s.slotAction(w, r, http.StatusOK, func(id string) error {
		return s.Slots.UpdateLayout(id, l)
	})
}

// EventsHandler handles GET /slots/{id}/events?after=<seq>.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	writeJSON(w, http.StatusOK, s.Events.Since(slotID(r), after))
}

// ClickHandler handles POST /slots/{id}/click.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	s.surfaceAction(w, r, s.Surface.Click)
}

// DismissHandler handles POST /slots/{id}/dismiss.
func (s *Server) DismissHandler(w http.ResponseWriter, r *http.Request) {
	s.surfaceAction(w, r, s.Surface.Dismiss)
}

// FailHandler handles POST /slots/{id}/fail?message=...
func (s *Server) FailHandler(w http.ResponseWriter, r *http.Request) {
	msg := r.URL.Query().Get("message")
	if msg == "" {
		msg = "presentation failed"
	}
	s.surfaceAction(w, r, func(id string) error { return s.Surface.Fail(id, msg) })
}

func (s *Server) surfaceAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	if s.Surface == nil {
		http.Error(w, "no simulated surface", http.StatusNotImplemented)
		return
	}
	if err := action(slotID(r)); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ForegroundHandler handles POST /app/foreground.
func (s *Server) ForegroundHandler(w http.ResponseWriter, r *http.Request) {
	s.Slots.OnForeground()
	w.WriteHeader(http.StatusAccepted)
}
