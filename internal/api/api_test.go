package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickwarner/adslot/internal/config"
	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/extras/networks"
	"github.com/patrickwarner/adslot/internal/fetch"
	"github.com/patrickwarner/adslot/internal/formats"
	"github.com/patrickwarner/adslot/internal/manager"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/observability"
	"github.com/patrickwarner/adslot/internal/render"
	"github.com/patrickwarner/adslot/internal/settings"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type slotView struct {
	AdID      string `json:"ad_id"`
	Format    string `json:"format"`
	State     string `json:"state"`
	Available bool   `json:"available"`
}

type eventView struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
}

type testEnv struct {
	handler http.Handler
	sink    *networks.MemorySink
	metrics *observability.MockMetricsRegistry
	sim     *render.Simulator
	adHits  atomic.Int32
	noFill  atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{sink: networks.NewMemorySink(), metrics: observability.NewMockMetricsRegistry()}

	adServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.adHits.Add(1)
		if env.noFill.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(models.OpenRTBResponse{
			ID:      "resp",
			SeatBid: []models.SeatBid{{Bid: []models.Bid{{ID: "b", CrID: "cr", Adm: "<div/>", W: 320, H: 50}}}},
		})
	}))
	t.Cleanup(adServer.Close)

	logger := zap.NewNop()
	d := dispatch.New(logger, env.metrics)
	t.Cleanup(d.Close)

	reg := extras.NewRegistry(logger, env.metrics)
	require.NoError(t, networks.RegisterDefaults(reg, env.sink))

	sim := render.NewSimulator(render.Config{ShowDelay: time.Millisecond}, logger)
	env.sim = sim
	events := NewEventLog(16)
	m := manager.New(d, manager.Config{
		Catalog: formats.Catalog{
			Fetcher:  fetch.New(adServer.URL, time.Second, logger),
			Renderer: sim,
		},
		Registry:    reg,
		Listener:    events,
		Logger:      logger,
		Metrics:     env.metrics,
		ResumeDelay: time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close() })

	srv := NewServer(logger, m, sim, events, env.sink, reg.Tags(), env.metrics, config.Config{})
	srv.Queue = d
	srv.Settings = settings.NewService(nil, sim, models.DefaultAdSettings(), logger)
	srv.ConsentInfo = consent.NewTracker(nil, consent.GeographyEEA, logger)
	env.handler = srv.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func (e *testEnv) status(t *testing.T, adID string) slotView {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/slots/"+adID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v slotView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *testEnv) events(t *testing.T, adID string) []string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/slots/"+adID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func (e *testEnv) create(t *testing.T, body map[string]interface{}) slotView {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/slots", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v slotView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestInterstitialLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	created := env.create(t, map[string]interface{}{
		"format":  "interstitial",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
	})
	assert.Equal(t, "unit-1", created.AdID)
	assert.Equal(t, "idle", created.State)

	rec := env.do(t, http.MethodPost, "/slots/unit-1/show", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/slots/unit-1/load", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return env.status(t, "unit-1").Available }, time.Second, 5*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/slots/unit-1/load", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/slots/unit-1/show", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool { return len(env.events(t, "unit-1")) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "consumed", env.status(t, "unit-1").State)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/slots/unit-1/click", nil).Code)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/slots/unit-1/dismiss", nil).Code)

	// dismissal reloads the interstitial
	require.Eventually(t, func() bool { return env.status(t, "unit-1").Available }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), env.adHits.Load())
	assert.Equal(t, []string{"loaded", "opened", "impression", "clicked", "closed", "refreshed"}, env.events(t, "unit-1"))
}

func TestCreateSlot_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/slots", map[string]interface{}{
		"format":  "interstitial",
		"request": map[string]interface{}{"ad_unit_id": "  "},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "ad_unit_id", body.Fields[0].Field)

	rec = env.do(t, http.MethodPost, "/slots", map[string]interface{}{
		"format":  "video",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "supported: interstitial, rewarded, rewarded_interstitial, app_open, banner, native")

	rec = env.do(t, http.MethodPost, "/slots", map[string]interface{}{
		"format":              "banner",
		"request":             map[string]interface{}{"ad_unit_id": "unit"},
		"auto_show_on_resume": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	list := env.do(t, http.MethodGet, "/slots", nil)
	assert.JSONEq(t, `[]`, list.Body.String())
}

func TestLoadFailureReported(t *testing.T) {
	env := newTestEnv(t)
	env.noFill.Store(true)

	env.create(t, map[string]interface{}{
		"format":  "rewarded",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
		"load":    true,
	})
	require.Eventually(t, func() bool { return len(env.events(t, "unit-1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"failed_to_load"}, env.events(t, "unit-1"))
	assert.Equal(t, "idle", env.status(t, "unit-1").State)
}

func TestBannerHideAndDestroy(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":  "banner",
		"request": map[string]interface{}{"ad_unit_id": "unit", "ad_size": "MEDIUM_RECTANGLE"},
		"load":    true,
	})
	require.Eventually(t, func() bool { return env.status(t, "unit-1").Available }, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/slots/unit-1/show", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/slots/unit-1/hide", nil).Code)
	assert.Equal(t, "ready", env.status(t, "unit-1").State)
	assert.Contains(t, env.events(t, "unit-1"), string(slot.EventSizeMeasured))

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/slots/unit-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/slots/unit-1", nil).Code)
	assert.Empty(t, env.events(t, "unit-1"))
}

func TestHideRejectedForFullScreen(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":  "interstitial",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
	})
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/slots/unit-1/hide", nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/slots/unit-1/click", nil).Code)
}

func TestPrivacyFanOut(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/privacy", map[string]interface{}{
		"has_gdpr_consent": true,
		"enabled_networks": []string{"AppLovin", "meta", "nope"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Outcomes []extras.ConsentOutcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Outcomes, 3)
	assert.Equal(t, extras.ConsentApplied, resp.Outcomes[0].Status)
	assert.Equal(t, extras.ConsentUnsupported, resp.Outcomes[1].Status)
	assert.Equal(t, extras.ConsentNotFound, resp.Outcomes[2].Status)

	rec = env.do(t, http.MethodGet, "/privacy/applovin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"has_user_consent":"true"}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/privacy/unity", nil).Code)
}

func TestPrivacyDefaultsToAllNetworks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/privacy", map[string]interface{}{"has_ccpa_sale_consent": false})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp privacyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Outcomes, len(networks.Tags()))
}

func TestAppOpenAutoShowOnForeground(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":              "app_open",
		"request":             map[string]interface{}{"ad_unit_id": "unit"},
		"auto_show_on_resume": true,
		"load":                true,
	})
	require.Eventually(t, func() bool { return env.status(t, "unit-1").Available }, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/app/foreground", nil).Code)
	require.Eventually(t, func() bool { return env.status(t, "unit-1").State == "consumed" }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodPut, "/slots/unit-1/auto_show", map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsAfterCursor(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":  "interstitial",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
		"load":    true,
	})
	require.Eventually(t, func() bool { return len(env.events(t, "unit-1")) == 1 }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/slots/unit-1/events?after=1", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/slots/unit-1/events?after=x", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","queue_depth":0}`, rec.Body.String())
	assert.Equal(t, 1, env.metrics.Count("requests//health/GET/200"))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestEventLogBounded(t *testing.T) {
	log := NewEventLog(2)
	for _, typ := range []slot.EventType{slot.EventLoaded, slot.EventOpened, slot.EventClosed} {
		log.OnEvent(slot.Event{Type: typ, Info: models.AdInfo{AdID: "a"}})
	}
	got := log.Since("a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, slot.EventOpened, got[0].Type)
	assert.Equal(t, uint64(3), got[1].Seq)
	assert.Empty(t, log.Since("b", 0))
}

func TestTestAdHandler(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/test/ad", models.OpenRTBRequest{
		ID:  "r1",
		Imp: []models.Impression{{ID: "1", TagID: "unit", W: 300, H: 250}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.OpenRTBResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	bid, ok := resp.FirstBid()
	require.True(t, ok)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, 300, bid.W)
	assert.Equal(t, 250, bid.H)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/test/ad", models.OpenRTBRequest{ID: "r2"}).Code)
}

func TestNativeLayoutOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":  "native",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
		"load":    true,
	})
	require.Eventually(t, func() bool { return env.status(t, "unit-1").Available }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodPut, "/slots/unit-1/layout", slot.Layout{X: 0, Y: 100, Width: 300, Height: 100, Visible: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/slots/unit-1/show", nil).Code)
	require.Eventually(t, func() bool {
		return len(env.events(t, "unit-1")) >= 4
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, env.events(t, "unit-1"), string(slot.EventSizeMeasured))
	assert.True(t, env.sim.Attached("unit-1"))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/slots/unit-1/hide", nil).Code)
	assert.Equal(t, "ready", env.status(t, "unit-1").State)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/slots/unit-1/layout", map[string]int{"width": -1}).Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/slots/unit-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPut, "/slots/unit-1/layout", slot.Layout{}).Code)
}

func TestLayoutRejectedForFullScreen(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, map[string]interface{}{
		"format":  "app_open",
		"request": map[string]interface{}{"ad_unit_id": "unit"},
	})
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPut, "/slots/unit-1/layout", slot.Layout{Visible: true}).Code)
}

func TestAdSettingsOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ad_volume":1,"ads_muted":false,"apply_at_startup":false}`, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/settings", map[string]interface{}{"ad_volume": 0.3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ad_volume":0.3,"ads_muted":false,"apply_at_startup":false}`, rec.Body.String())
	assert.InDelta(t, 0.3, env.sim.Volume(), 1e-9)

	rec = env.do(t, http.MethodPut, "/settings", map[string]interface{}{"ads_muted": true, "ad_volume": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ad_volume":1,"ads_muted":true,"apply_at_startup":false}`, rec.Body.String())
	assert.Zero(t, env.sim.Volume())

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPut, "/settings", "loud").Code)
}

func TestConsentStatusOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	var info consent.Info
	rec := env.do(t, http.MethodGet, "/consent/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, consent.StatusUnknown, info.Status)

	rec = env.do(t, http.MethodPost, "/consent/update", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, consent.StatusRequired, info.Status)
	assert.True(t, info.FormAvailable)

	rec = env.do(t, http.MethodPost, "/privacy", map[string]interface{}{"has_gdpr_consent": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp privacyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ConsentStatus)
	assert.Equal(t, consent.StatusObtained, resp.ConsentStatus.Status)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/consent/reset", nil).Code)
	rec = env.do(t, http.MethodPost, "/consent/update", map[string]string{"debug_geography": "not_eea"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, consent.StatusNotRequired, info.Status)
	assert.False(t, info.FormAvailable)

	rec = env.do(t, http.MethodPost, "/consent/update", map[string]string{"debug_geography": "mars"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptionalRoutesUnavailable(t *testing.T) {
	srv := NewServer(zap.NewNop(), nil, nil, nil, nil, nil, nil, config.Config{})
	h := srv.Router()
	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/settings"},
		{http.MethodPut, "/settings"},
		{http.MethodGet, "/consent/status"},
		{http.MethodPost, "/consent/update"},
		{http.MethodPost, "/consent/reset"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
		assert.Equal(t, http.StatusNotImplemented, rec.Code, r.path)
	}
}
