package api

import (
	"context"
	"net/http"

	"github.com/patrickwarner/adslot/internal/config"
	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/manager"
	"github.com/patrickwarner/adslot/internal/middleware"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/observability"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Slots is the part of manager.Manager the handlers use.
type Slots interface {
	CreateSlot(format models.Format, spec models.RequestSpec) (string, error)
	Load(adID string) error
	Show(adID string) error
	Hide(adID string) error
	UpdateLayout(adID string, l slot.Layout) error
	Status(adID string) (manager.SlotStatus, error)
	List() ([]manager.SlotStatus, error)
	Destroy(adID string) error
	SetAutoShowOnResume(adID string, enabled bool) error
	OnForeground()
	ApplyPrivacy(ctx context.Context, settings models.PrivacySettings) ([]extras.ConsentOutcome, error)
}

// Surface drives the simulated renderer on behalf of a user.
type Surface interface {
	Click(adID string) error
	Dismiss(adID string) error
	Fail(adID, message string) error
}

// ConsentReader exposes what the consent sink stored.
type ConsentReader interface {
	LoadConsentSignals(ctx context.Context, network string) (map[string]string, error)
}

// Pinger is checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports the dispatcher backlog on the health endpoint.
type QueueDepth interface {
	Len() int
}

// AdSettings reads and changes the process-wide ad audio settings.
type AdSettings interface {
	Get(ctx context.Context) (models.AdSettings, error)
	Update(ctx context.Context, u models.AdSettingsUpdate) (models.AdSettings, error)
}

// ConsentStatus tracks whether the user must still be asked for consent.
type ConsentStatus interface {
	Status(ctx context.Context) (consent.Info, error)
	RequestUpdate(ctx context.Context, p consent.UpdateParams) (consent.Info, error)
	RecordDecision(ctx context.Context, ps models.PrivacySettings) (consent.Info, error)
	Reset(ctx context.Context) error
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger  *zap.Logger
	Slots   Slots
	Surface Surface
	Events  *EventLog
	Consent ConsentReader
	// Networks are used when a privacy request names none.
	Networks []string
	Store    Pinger
	Queue    QueueDepth
	Metrics  observability.MetricsRegistry
	Config   config.Config

	// optional; their routes answer 501 when unset
	Settings    AdSettings
	ConsentInfo ConsentStatus
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, slots Slots, surface Surface, events *EventLog, consent ConsentReader, networks []string, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if events == nil {
		events = NewEventLog(cfg.EventLogSize)
	}
	return &Server{
		Logger:   logger,
		Slots:    slots,
		Surface:  surface,
		Events:   events,
		Consent:  consent,
		Networks: networks,
		Metrics:  metrics,
		Config:   cfg,
	}
}

// Router returns the daemon's HTTP routes. Slot ids may contain "/" and must
// then be path-escaped.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.Use(middleware.WithTraceLogger(s.Logger), middleware.WithRequestMetrics(s.Metrics))

	r.HandleFunc("/slots", s.CreateSlotHandler).Methods("POST")
	r.HandleFunc("/slots", s.ListSlotsHandler).Methods("GET")
	r.HandleFunc("/slots/{id}", s.SlotStatusHandler).Methods("GET")
	r.HandleFunc("/slots/{id}", s.DestroySlotHandler).Methods("DELETE")
	r.HandleFunc("/slots/{id}/load", s.LoadHandler).Methods("POST")
	r.HandleFunc("/slots/{id}/show", s.ShowHandler).Methods("POST")
	r.HandleFunc("/slots/{id}/hide", s.HideHandler).Methods("POST")
	r.HandleFunc("/slots/{id}/auto_show", s.AutoShowHandler).Methods("PUT")
	r.HandleFunc("/slots/{id}/layout", s.LayoutHandler).Methods("PUT")
	r.HandleFunc("/slots/{id}/events", s.EventsHandler).Methods("GET")

	// simulated user interaction with the rendered surface
	r.HandleFunc("/slots/{id}/click", s.ClickHandler).Methods("POST")
	r.HandleFunc("/slots/{id}/dismiss", s.DismissHandler).Methods("POST")
	r.HandleFunc("/slots/{id}/fail", s.FailHandler).Methods("POST")

	r.HandleFunc("/app/foreground", s.ForegroundHandler).Methods("POST")
	r.HandleFunc("/privacy", s.PrivacyHandler).Methods("POST")
	r.HandleFunc("/privacy/{network}", s.ConsentSignalsHandler).Methods("GET")
	r.HandleFunc("/consent/status", s.ConsentStatusHandler).Methods("GET")
	r.HandleFunc("/consent/update", s.ConsentUpdateHandler).Methods("POST")
	r.HandleFunc("/consent/reset", s.ConsentResetHandler).Methods("POST")
	r.HandleFunc("/settings", s.GetSettingsHandler).Methods("GET")
	r.HandleFunc("/settings", s.UpdateSettingsHandler).Methods("PUT")

	r.HandleFunc("/test/ad", s.TestAdHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "adslot.api")
}
