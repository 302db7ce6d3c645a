package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/extras/networks"
	"github.com/patrickwarner/adslot/internal/formats"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// instantFetcher completes every fetch synchronously with a new resource.
type instantFetcher struct {
	mu       sync.Mutex
	requests []slot.EnrichedRequest
	fail     bool
	last     *slot.BaseResource
}

func (f *instantFetcher) Fetch(_ context.Context, _ string, req slot.EnrichedRequest, done func(slot.FetchResult)) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail
	var res *slot.BaseResource
	if !fail {
		res = slot.NewBaseResource(req.AdID)
		f.last = res
	}
	f.mu.Unlock()

	if fail {
		done(slot.FetchResult{Err: models.NewAdError("test", models.ErrorCodeNoFill, "no fill", nil)})
		return
	}
	done(slot.FetchResult{Resource: res})
}

func (f *instantFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *instantFetcher) lastRequest() slot.EnrichedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *instantFetcher) lastResource() *slot.BaseResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type countingRenderer struct {
	mu       sync.Mutex
	attaches int
}

func (r *countingRenderer) Attach(slot.Resource, slot.SurfaceHint) error {
	r.mu.Lock()
	r.attaches++
	r.mu.Unlock()
	return nil
}

func (r *countingRenderer) Detach(slot.Resource)                  {}
func (r *countingRenderer) MeasuredSize(slot.Resource) (int, int) { return 0, 0 }

func (r *countingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attaches
}

type fixture struct {
	m        *Manager
	fetcher  *instantFetcher
	renderer *countingRenderer
	sink     *networks.MemorySink
	mu       sync.Mutex
	events   []slot.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dispatch.New(zap.NewNop(), nil)
	t.Cleanup(d.Close)

	f := &fixture{
		fetcher:  &instantFetcher{},
		renderer: &countingRenderer{},
		sink:     networks.NewMemorySink(),
	}
	reg := extras.NewRegistry(zap.NewNop(), nil)
	require.NoError(t, networks.RegisterDefaults(reg, f.sink))

	f.m = New(d, Config{
		Catalog:  formats.Catalog{Fetcher: f.fetcher, Renderer: f.renderer},
		Registry: reg,
		Listener: slot.ListenerFunc(func(e slot.Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		}),
		Logger:      zap.NewNop(),
		ResumeDelay: time.Millisecond,
	})
	t.Cleanup(func() { _ = f.m.Close() })
	return f
}

func (f *fixture) eventTypes() []slot.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]slot.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

// settle waits until every task queued so far has run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	_, err := f.m.List()
	require.NoError(t, err)
}

func TestCreateSlot(t *testing.T) {
	f := newFixture(t)

	id1, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{UnitID: " unit "})
	require.NoError(t, err)
	id2, err := f.m.CreateSlot(models.FormatBanner, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	assert.Equal(t, "unit-1", id1)
	assert.Equal(t, "unit-2", id2)

	_, err = f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{})
	assert.ErrorIs(t, err, slot.ErrInvalidRequest)

	_, err = f.m.CreateSlot("native", models.RequestSpec{UnitID: "unit"})
	assert.Error(t, err)

	list, err := f.m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, slot.Idle, list[0].State)
}

func TestLoadShowDismiss(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	require.NoError(t, f.m.Load(id))
	f.settle(t)

	st, err := f.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, slot.Ready, st.State)
	assert.True(t, st.Available)
	assert.NotNil(t, st.LoadedAt)

	assert.ErrorIs(t, f.m.Load(id), slot.ErrAlreadyLoaded)

	require.NoError(t, f.m.Show(id))
	res := f.fetcher.lastResource()
	res.Sink().OnShowed()
	res.Sink().OnDismissed()
	f.settle(t)
	f.settle(t)

	assert.Equal(t, 2, f.fetcher.count(), "interstitials prefetch after dismissal")
	assert.Equal(t, 1, f.renderer.count())
	assert.Equal(t, []slot.EventType{slot.EventLoaded, slot.EventOpened, slot.EventClosed, slot.EventRefreshed}, f.eventTypes())
}

func TestUnknownSlot(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.m.Load("missing"), ErrSlotNotFound)
	assert.ErrorIs(t, f.m.Show("missing"), ErrSlotNotFound)
	assert.ErrorIs(t, f.m.Hide("missing"), ErrSlotNotFound)
	assert.ErrorIs(t, f.m.Destroy("missing"), ErrSlotNotFound)
	_, err := f.m.IsAvailable("missing")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	_, err = f.m.Status("missing")
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestShowBeforeLoad(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatRewarded, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.Show(id), slot.ErrNotReady)
	ok, err := f.m.IsAvailable(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyPrivacy(t *testing.T) {
	f := newFixture(t)

	outcomes, err := f.m.ApplyPrivacy(context.Background(), models.PrivacySettings{
		ConsentFields:   models.ConsentFields{GDPRConsent: models.Bool(true)},
		EnabledNetworks: []string{"Unity", "meta", "nonexistent"},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, extras.ConsentApplied, outcomes[0].Status)
	assert.Equal(t, extras.ConsentUnsupported, outcomes[1].Status)
	assert.Equal(t, extras.ConsentNotFound, outcomes[2].Status)
	assert.Equal(t, "true", f.sink.Signals("unity")["gdpr.consent"])

	inherit, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	require.NoError(t, f.m.Load(inherit))
	req := f.fetcher.lastRequest()
	require.NotNil(t, req.Consent.GDPRConsent)
	assert.True(t, *req.Consent.GDPRConsent)

	own, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{
		UnitID:  "unit",
		Consent: models.ConsentFields{CCPASaleConsent: models.Bool(false)},
	})
	require.NoError(t, err)
	require.NoError(t, f.m.Load(own))
	req = f.fetcher.lastRequest()
	assert.Nil(t, req.Consent.GDPRConsent)
	require.NotNil(t, req.Consent.CCPASaleConsent)
}

func TestAutoShowOnResume(t *testing.T) {
	f := newFixture(t)
	banner, err := f.m.CreateSlot(models.FormatBanner, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.SetAutoShowOnResume(banner, true), ErrNotAppOpen)

	id, err := f.m.CreateSlot(models.FormatAppOpen, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	require.NoError(t, f.m.SetAutoShowOnResume(id, true))

	// first resume has nothing to show and starts a load
	f.m.OnForeground()
	require.Eventually(t, func() bool {
		ok, _ := f.m.IsAvailable(id)
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.renderer.count())

	f.m.OnForeground()
	require.Eventually(t, func() bool { return f.renderer.count() == 1 }, time.Second, 5*time.Millisecond)

	st, err := f.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, slot.Showing, st.State)
	assert.True(t, st.AutoShowOnResume)
}

func TestAppOpenDoesNotAutoReload(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatAppOpen, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	require.NoError(t, f.m.Load(id))
	require.NoError(t, f.m.Show(id))
	f.fetcher.lastResource().Sink().OnDismissed()
	f.settle(t)

	assert.Equal(t, 1, f.fetcher.count())
	st, err := f.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, slot.Idle, st.State)
}

func TestBannerHideAndReshow(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatBanner, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	require.NoError(t, f.m.Load(id))
	require.NoError(t, f.m.Show(id))
	require.NoError(t, f.m.Hide(id))
	require.NoError(t, f.m.Show(id))

	assert.Equal(t, 2, f.renderer.count())
	assert.Equal(t, 1, f.fetcher.count())
}

func TestNativeLayoutHideAndRemove(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatNative, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	require.NoError(t, f.m.UpdateLayout(id, slot.Layout{Width: 320, Height: 120, Visible: true}))
	require.NoError(t, f.m.Load(id))
	require.NoError(t, f.m.Show(id))
	require.NoError(t, f.m.UpdateLayout(id, slot.Layout{Y: 200, Width: 320, Height: 120, Visible: true}))
	require.NoError(t, f.m.Hide(id))

	st, err := f.m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, slot.Ready, st.State)
	assert.Equal(t, 1, f.fetcher.count())

	require.NoError(t, f.m.Destroy(id))
	assert.ErrorIs(t, f.m.UpdateLayout(id, slot.Layout{}), ErrSlotNotFound)
}

func TestUpdateLayout_FullScreenRejected(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatRewarded, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.UpdateLayout(id, slot.Layout{Visible: true}), slot.ErrNotReusable)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)
	require.NoError(t, f.m.Load(id))
	f.settle(t)
	res := f.fetcher.lastResource()

	require.NoError(t, f.m.Destroy(id))
	assert.True(t, res.Released())
	assert.ErrorIs(t, f.m.Show(id), ErrSlotNotFound)
}

func TestConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateSlot(models.FormatInterstitial, models.RequestSpec{UnitID: "unit"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = f.m.Load(id)
				_, _ = f.m.IsAvailable(id)
				_ = f.m.Show(id)
				_, _ = f.m.Status(id)
			}
		}()
	}
	wg.Wait()

	st, err := f.m.Status(id)
	require.NoError(t, err)
	assert.Contains(t, []slot.State{slot.Ready, slot.Showing}, st.State)
	assert.Equal(t, 1, f.fetcher.count(), "without a dismissal only one fetch can happen")
}
