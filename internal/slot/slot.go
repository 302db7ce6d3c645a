// Package slot implements the ad slot lifecycle shared by every format:
// load, ready, show, consumed, dismissed and reload.
//
// An AdSlot is confined to its dispatcher. Every method must be called from
// a dispatcher task (the manager package does this for callers), and every
// collaborator callback is re-submitted to the dispatcher before it touches
// slot state. The slot itself holds no locks.
package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("adslot/slot")

// Options carries the optional dependencies of an AdSlot.
type Options struct {
	// Registry resolves vendor extras. Nil means no extras are attached.
	Registry *extras.Registry
	Listener Listener
	Logger   *zap.Logger
	Metrics  observability.MetricsRegistry
	// Now is the clock used for freshness checks.
	Now func() time.Time
}

// AdSlot is one logical ad placement.
type AdSlot struct {
	adID       string
	kind       Kind
	dispatcher Dispatcher
	registry   *extras.Registry
	listener   Listener
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	now        func() time.Time

	request       models.RequestSpec
	state         State
	firstLoadDone bool
	closed        bool

	// generation identifies the in-flight load; completions carrying an
	// older value are late.
	generation  uint64
	cancelFetch context.CancelFunc
	loadSpan    trace.Span
	loadStarted time.Time

	resource Resource
	meta     models.ResponseMeta
	loadedAt time.Time

	measuredWidth, measuredHeight int
	layout                        *Layout

	// sink is the single active presentation registration.
	sink *presentation
}

// New creates an idle slot.
func New(adID string, kind Kind, d Dispatcher, opts Options) (*AdSlot, error) {
	if adID == "" {
		return nil, errors.New("slot: ad id is required")
	}
	if kind.Fetcher == nil || kind.Renderer == nil {
		return nil, fmt.Errorf("slot %s: kind %q needs a fetcher and a renderer", adID, kind.Format)
	}
	if d == nil {
		return nil, fmt.Errorf("slot %s: dispatcher is required", adID)
	}
	if kind.Policy.MaxLifetime == 0 {
		kind.Policy.MaxLifetime = DefaultMaxLifetime
	}

	s := &AdSlot{
		adID:       adID,
		kind:       kind,
		dispatcher: d,
		registry:   opts.Registry,
		listener:   opts.Listener,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("ad_id", adID), zap.String("format", string(kind.Format)))
	if s.metrics == nil {
		s.metrics = observability.NewNoOpRegistry()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *AdSlot) AdID() string          { return s.adID }
func (s *AdSlot) Format() models.Format { return s.kind.Format }
func (s *AdSlot) State() State          { return s.state }
func (s *AdSlot) Policy() Policy        { return s.kind.Policy }

// Request returns the spec of the last accepted load.
func (s *AdSlot) Request() models.RequestSpec { return s.request }

// SetListener replaces the listener.
func (s *AdSlot) SetListener(l Listener) { s.listener = l }

// IsAvailable reports whether a fresh resource is ready to show. Staleness
// is evaluated here, lazily; a stale resource stays in place until the next
// load or destroy.
func (s *AdSlot) IsAvailable() bool {
	return s.state == Ready && s.resource != nil && s.fresh()
}

func (s *AdSlot) fresh() bool {
	return s.now().Sub(s.loadedAt) < s.kind.Policy.MaxLifetime
}

// Load validates spec and starts a fetch. It returns immediately; the
// outcome is delivered to the listener as Loaded, Refreshed or FailedToLoad.
func (s *AdSlot) Load(spec models.RequestSpec) error {
	if s.closed {
		return ErrSlotClosed
	}
	if err := spec.Validate(); err != nil {
		s.metrics.IncrementLoads(string(s.kind.Format), "invalid")
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	switch s.state {
	case Loading:
		return s.rejectLoad(ErrAlreadyInProgress)
	case Showing, Consumed:
		return s.rejectLoad(ErrAlreadyLoaded)
	case Ready:
		if s.resource != nil && s.fresh() {
			return s.rejectLoad(ErrAlreadyLoaded)
		}
		s.discardStale()
	}

	s.request = spec
	s.startLoad()
	return nil
}

func (s *AdSlot) rejectLoad(err error) error {
	s.logger.Info("load rejected", zap.String("state", s.state.String()), zap.Error(err))
	s.metrics.IncrementLoads(string(s.kind.Format), "rejected")
	return err
}

func (s *AdSlot) discardStale() {
	if s.resource == nil {
		return
	}
	s.logger.Info("discarding stale ad",
		zap.String("resource_id", s.resource.ID()),
		zap.Duration("age", s.now().Sub(s.loadedAt)),
	)
	s.metrics.IncrementStaleDiscards(string(s.kind.Format))
	s.releaseResource()
	s.state = Idle
}

// startLoad enriches the request first; slot state changes only once the
// request is built.
func (s *AdSlot) startLoad() {
	req := s.enrich(s.request)

	s.generation++
	gen := s.generation
	s.state = Loading
	s.loadStarted = s.now()

	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := tracer.Start(ctx, "adslot.load", trace.WithAttributes(
		attribute.String("ad_id", s.adID),
		attribute.String("format", string(s.kind.Format)),
		attribute.String("ad_unit_id", req.UnitID),
		attribute.Int("network_extras", len(req.NetworkExtras)),
	))
	s.cancelFetch = cancel
	s.loadSpan = span

	s.metrics.IncrementLoads(string(s.kind.Format), "started")
	s.logger.Debug("loading ad", zap.String("ad_unit_id", req.UnitID), zap.Uint64("generation", gen))

	s.kind.Fetcher.Fetch(ctx, req.UnitID, req, func(res FetchResult) {
		if !s.dispatcher.Submit(func() { s.onFetchComplete(gen, res) }) && res.Resource != nil {
			res.Resource.Release()
		}
	})
}

// enrich resolves vendor extras into the outgoing request.
func (s *AdSlot) enrich(spec models.RequestSpec) EnrichedRequest {
	req := EnrichedRequest{
		AdID:              s.adID,
		Format:            s.kind.Format,
		UnitID:            spec.UnitID,
		RequestAgent:      spec.RequestAgent,
		Size:              spec.Size,
		Position:          spec.Position,
		AdaptiveWidth:     spec.AdaptiveWidth,
		AdaptiveMaxHeight: spec.AdaptiveMaxHeight,
		Consent:           spec.Consent,
	}
	if len(spec.Keywords) > 0 {
		req.Keywords = append([]string(nil), spec.Keywords...)
	}
	if s.registry != nil {
		req.NetworkExtras = s.registry.BuildAll(spec.VendorExtras)
	} else if len(spec.VendorExtras) > 0 {
		s.logger.Warn("no extras registry configured; dropping network extras")
	}
	if s.kind.Policy.Rewarded && spec.Verification != nil {
		v := *spec.Verification
		req.Verification = &v
	}
	return req
}

func (s *AdSlot) onFetchComplete(gen uint64, res FetchResult) {
	if s.closed || gen != s.generation || s.state != Loading {
		s.logger.Debug("dropping late load completion", zap.Uint64("generation", gen))
		s.metrics.IncrementLateEvents(string(s.kind.Format))
		if res.Resource != nil {
			res.Resource.Release()
		}
		return
	}

	elapsed := s.now().Sub(s.loadStarted)
	format := string(s.kind.Format)

	if res.Err != nil || res.Resource == nil {
		adErr := res.Err
		if adErr == nil {
			adErr = models.NewAdError("adslot", models.ErrorCodeInternal, "fetch returned no resource", nil)
		}
		if res.Resource != nil {
			res.Resource.Release()
		}
		s.state = Idle
		s.endLoadSpan(adErr)
		s.metrics.IncrementLoads(format, "failed")
		s.metrics.RecordLoadLatency(format, "failed", elapsed)
		s.logger.Warn("ad failed to load", zap.Int("code", adErr.Code), zap.String("domain", adErr.Domain), zap.String("message", adErr.Message))
		s.emit(Event{Type: EventFailedToLoad, Info: s.info(), Err: adErr})
		return
	}

	s.resource = res.Resource
	s.meta = res.Meta
	s.loadedAt = s.now()
	s.state = Ready
	s.endLoadSpan(nil)

	typ := EventRefreshed
	if !s.firstLoadDone {
		s.firstLoadDone = true
		typ = EventLoaded
	}
	s.metrics.IncrementLoads(format, string(typ))
	s.metrics.RecordLoadLatency(format, "success", elapsed)
	s.logger.Info("ad loaded", zap.String("resource_id", res.Resource.ID()), zap.String("event", string(typ)))
	s.emit(Event{Type: typ, Info: s.info()})
}

func (s *AdSlot) endLoadSpan(err *models.AdError) {
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	if s.loadSpan == nil {
		return
	}
	if err != nil {
		s.loadSpan.RecordError(err)
		s.loadSpan.SetStatus(codes.Error, err.Message)
		s.loadSpan.SetAttributes(attribute.Int("error_code", err.Code))
	}
	s.loadSpan.End()
	s.loadSpan = nil
}

// Show presents the ready resource. A synchronous attach failure is
// reported through FailedToShow, like an asynchronous one.
func (s *AdSlot) Show() error {
	if s.closed {
		return ErrSlotClosed
	}
	format := string(s.kind.Format)
	if !s.IsAvailable() {
		if s.state == Ready && s.resource != nil {
			s.logger.Info("show requested for stale ad", zap.Duration("age", s.now().Sub(s.loadedAt)))
		}
		s.metrics.IncrementShows(format, "rejected")
		s.logger.Info("show rejected", zap.String("state", s.state.String()))
		return ErrNotReady
	}

	s.installSink()
	s.state = Showing
	s.metrics.IncrementShows(format, "started")

	if err := s.kind.Renderer.Attach(s.resource, s.surfaceHint()); err != nil {
		var adErr *models.AdError
		if !errors.As(err, &adErr) {
			adErr = models.NewAdError("adslot", models.ErrorCodeInternal, "attach failed", err)
		}
		s.failShow(adErr)
		return nil
	}

	s.measure()
	return nil
}

// measure emits SizeMeasured when the renderer reports a new size.
func (s *AdSlot) measure() {
	w, h := s.kind.Renderer.MeasuredSize(s.resource)
	if (w == 0 && h == 0) || (w == s.measuredWidth && h == s.measuredHeight) {
		return
	}
	s.measuredWidth, s.measuredHeight = w, h
	s.emit(Event{Type: EventSizeMeasured, Info: s.info()})
}

// UpdateLayout moves an embedded format. The layout is kept for later
// presentations; an attached resource is moved right away when the renderer
// supports it. Repeating the current layout does nothing.
func (s *AdSlot) UpdateLayout(l Layout) error {
	if s.closed {
		return ErrSlotClosed
	}
	if !s.kind.Policy.Reusable {
		return ErrNotReusable
	}
	if s.layout != nil && *s.layout == l {
		return nil
	}
	s.layout = &l
	if s.resource == nil || (s.state != Showing && s.state != Consumed) {
		return nil
	}
	if lr, ok := s.kind.Renderer.(LayoutRenderer); ok {
		lr.UpdateLayout(s.resource, l)
		s.measure()
	}
	return nil
}

// Hide detaches a reusable format from the surface and makes it ready to be
// shown again.
func (s *AdSlot) Hide() error {
	if s.closed {
		return ErrSlotClosed
	}
	if !s.kind.Policy.Reusable {
		return ErrNotReusable
	}
	if s.state != Showing && s.state != Consumed {
		return ErrNotReady
	}
	s.revokeSink()
	s.kind.Renderer.Detach(s.resource)
	s.state = Ready
	s.logger.Debug("ad hidden")
	return nil
}

// Destroy releases everything the slot owns. Later calls fail with
// ErrSlotClosed and late collaborator events are dropped.
func (s *AdSlot) Destroy() {
	if s.closed {
		return
	}
	s.closed = true
	s.endLoadSpan(nil)
	if s.resource != nil && (s.state == Showing || s.state == Consumed) {
		s.kind.Renderer.Detach(s.resource)
	}
	s.revokeSink()
	s.releaseResource()
	s.state = Idle
	s.logger.Debug("slot destroyed")
}

func (s *AdSlot) surfaceHint() SurfaceHint {
	return SurfaceHint{
		AdID:              s.adID,
		Format:            s.kind.Format,
		Size:              s.request.Size,
		Position:          s.request.Position,
		AdaptiveWidth:     s.request.AdaptiveWidth,
		AdaptiveMaxHeight: s.request.AdaptiveMaxHeight,
		Layout:            s.layoutCopy(),
	}
}

func (s *AdSlot) layoutCopy() *Layout {
	if s.layout == nil {
		return nil
	}
	l := *s.layout
	return &l
}

// installSink registers a fresh presentation sink, always detaching the
// previous registration first.
func (s *AdSlot) installSink() {
	s.revokeSink()
	p := &presentation{slot: s, res: s.resource}
	s.sink = p
	s.resource.SetEventSink(p)
}

func (s *AdSlot) revokeSink() {
	if s.sink == nil {
		return
	}
	s.sink.res.SetEventSink(nil)
	s.sink = nil
}

func (s *AdSlot) releaseResource() {
	if s.resource != nil {
		s.resource.Release()
	}
	s.resource = nil
	s.meta = models.ResponseMeta{}
	s.loadedAt = time.Time{}
	s.measuredWidth, s.measuredHeight = 0, 0
}

// endPresentation clears the resource after a terminal render event.
func (s *AdSlot) endPresentation() models.AdInfo {
	info := s.info()
	s.revokeSink()
	s.kind.Renderer.Detach(s.resource)
	s.releaseResource()
	s.state = Idle
	return info
}

func (s *AdSlot) failShow(adErr *models.AdError) {
	info := s.endPresentation()
	s.metrics.IncrementShows(string(s.kind.Format), "failed")
	s.logger.Warn("ad failed to show", zap.Int("code", adErr.Code), zap.String("message", adErr.Message))
	s.emit(Event{Type: EventFailedToShow, Info: info, Err: adErr})
}

type renderEvent struct {
	typ      EventType
	err      *models.AdError
	amount   int
	currency string
}

// onRender applies a render event delivered through presentation p.
func (s *AdSlot) onRender(p *presentation, ev renderEvent) {
	if s.closed || p != s.sink || s.resource == nil || p.res != s.resource {
		s.logger.Debug("dropping late render event", zap.String("event", string(ev.typ)), zap.String("resource_id", p.res.ID()))
		s.metrics.IncrementLateEvents(string(s.kind.Format))
		return
	}

	format := string(s.kind.Format)
	switch ev.typ {
	case EventOpened:
		s.state = Consumed
		s.metrics.IncrementShows(format, "shown")
		s.emit(Event{Type: EventOpened, Info: s.info()})

	case EventImpression, EventClicked:
		s.emit(Event{Type: ev.typ, Info: s.info()})

	case EventRewarded:
		if !s.kind.Policy.Rewarded {
			s.logger.Warn("ignoring reward for non-rewarded format")
			return
		}
		s.emit(Event{Type: EventRewarded, Info: s.info(), Reward: &models.Reward{Amount: ev.amount, Currency: ev.currency}})

	case EventClosed:
		info := s.endPresentation()
		s.emit(Event{Type: EventClosed, Info: info})
		if s.kind.Policy.AutoReloadOnDismiss {
			if err := s.Load(s.request); err != nil {
				s.logger.Info("auto reload not started", zap.Error(err))
			}
		}

	case EventFailedToShow:
		adErr := ev.err
		if adErr == nil {
			adErr = models.NewAdError("adslot", models.ErrorCodeInternal, "failed to show", nil)
		}
		s.failShow(adErr)
	}
}

func (s *AdSlot) info() models.AdInfo {
	return models.AdInfo{
		AdID:           s.adID,
		Format:         s.kind.Format,
		MeasuredWidth:  s.measuredWidth,
		MeasuredHeight: s.measuredHeight,
		LoadedAt:       s.loadedAt,
		Response:       s.meta,
		Request:        s.request,
	}
}

// Info returns the AdInfo for the current resource.
func (s *AdSlot) Info() models.AdInfo { return s.info() }

func (s *AdSlot) emit(e Event) {
	s.metrics.IncrementEvent(string(s.kind.Format), string(e.Type))
	if s.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", zap.String("event", string(e.Type)), zap.Any("panic", r))
		}
	}()
	s.listener.OnEvent(e)
}

// presentation is the event sink for one show. Its methods run on vendor
// goroutines and only re-submit to the dispatcher.
type presentation struct {
	slot *AdSlot
	res  Resource
}

func (p *presentation) deliver(ev renderEvent) {
	if !p.slot.dispatcher.Submit(func() { p.slot.onRender(p, ev) }) {
		p.slot.logger.Debug("render event dropped: dispatcher closed", zap.String("event", string(ev.typ)))
	}
}

func (p *presentation) OnShowed()     { p.deliver(renderEvent{typ: EventOpened}) }
func (p *presentation) OnImpression() { p.deliver(renderEvent{typ: EventImpression}) }
func (p *presentation) OnClick()      { p.deliver(renderEvent{typ: EventClicked}) }
func (p *presentation) OnDismissed()  { p.deliver(renderEvent{typ: EventClosed}) }

func (p *presentation) OnFailedToShow(err *models.AdError) {
	p.deliver(renderEvent{typ: EventFailedToShow, err: err})
}

func (p *presentation) OnRewardEarned(amount int, currency string) {
	p.deliver(renderEvent{typ: EventRewarded, amount: amount, currency: currency})
}
