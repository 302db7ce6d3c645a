package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/extras/networks"
	"github.com/patrickwarner/adslot/internal/middleware"
	"github.com/patrickwarner/adslot/internal/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type privacyResponse struct {
	Outcomes      []extras.ConsentOutcome `json:"outcomes"`
	ConsentStatus *consent.Info           `json:"consent_status,omitempty"`
}

// PrivacyHandler handles POST /privacy. A body without enabled_networks
// applies the settings to every configured network.
func (s *Server) PrivacyHandler(w http.ResponseWriter, r *http.Request) {
	var settings models.PrivacySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(settings.EnabledNetworks) == 0 {
		settings.EnabledNetworks = s.Networks
	}

	outcomes, err := s.Slots.ApplyPrivacy(r.Context(), settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logger := middleware.LoggerFromRequest(r, s.Logger)
	for _, o := range outcomes {
		if o.Status == extras.ConsentFailed {
			logger.Warn("consent not applied", zap.String("network", o.Network), zap.String("reason", o.Reason))
		}
	}
	if outcomes == nil {
		outcomes = []extras.ConsentOutcome{}
	}
	resp := privacyResponse{Outcomes: outcomes}
	if s.ConsentInfo != nil {
		info, err := s.ConsentInfo.RecordDecision(r.Context(), settings)
		if err != nil {
			logger.Warn("consent status not recorded", zap.Error(err))
		} else {
			resp.ConsentStatus = &info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ConsentSignalsHandler handles GET /privacy/{network} and returns the
// signals the network's handler last stored.
func (s *Server) ConsentSignalsHandler(w http.ResponseWriter, r *http.Request) {
	if s.Consent == nil {
		http.Error(w, "consent store unavailable", http.StatusNotImplemented)
		return
	}
	network := mux.Vars(r)["network"]
	if un, err := url.PathUnescape(network); err == nil {
		network = un
	}
	signals, err := s.Consent.LoadConsentSignals(r.Context(), extras.NormalizeTag(network))
	if errors.Is(err, networks.ErrNoConsent) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signals)
}
