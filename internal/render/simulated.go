// Package render provides a simulated render collaborator. It does not paint
// anything; it plays back the event sequence a real surface would produce,
// on timers, and lets callers inject clicks and dismissals.
package render

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"

	"go.uber.org/zap"
)

// ErrorDomain is reported on AdErrors produced by the simulator.
const ErrorDomain = "adslot.render"

// Config controls the simulated timings.
type Config struct {
	// ShowDelay is the time between attach and the showed/impression events.
	ShowDelay time.Duration
	// DismissDelay, when positive, dismisses full-screen formats that long
	// after they were shown. Zero waits for an explicit Dismiss.
	DismissDelay   time.Duration
	RewardAmount   int
	RewardCurrency string
}

type surface struct {
	res    slot.Resource
	hint   slot.SurfaceHint
	timers []*time.Timer
}

// Simulator implements slot.Renderer.
type Simulator struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	surfaces map[string]*surface // by ad id
	settings models.AdSettings
}

func NewSimulator(cfg Config, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RewardAmount == 0 {
		cfg.RewardAmount = 1
	}
	if cfg.RewardCurrency == "" {
		cfg.RewardCurrency = "coins"
	}
	return &Simulator{
		cfg:      cfg,
		logger:   logger,
		surfaces: make(map[string]*surface),
		settings: models.DefaultAdSettings(),
	}
}

// ApplySettings sets the volume and mute state used by every surface
// attached afterwards.
func (s *Simulator) ApplySettings(as models.AdSettings) {
	s.mu.Lock()
	s.settings = as
	s.mu.Unlock()
	s.logger.Info("ad settings applied",
		zap.Float64("volume", as.ClampedVolume()),
		zap.Bool("muted", as.Muted),
	)
}

// Volume is the effective playback volume, zero while muted.
func (s *Simulator) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.EffectiveVolume()
}

// Attach puts res on screen and schedules its events. A slot can only hold
// one surface at a time.
func (s *Simulator) Attach(res slot.Resource, hint slot.SurfaceHint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.surfaces[hint.AdID]; ok && cur.res.ID() == res.ID() {
		return models.NewAdError(ErrorDomain, models.ErrorCodeAlreadyShown, "ad is already on screen", nil)
	}

	sf := &surface{res: res, hint: hint}
	s.surfaces[hint.AdID] = sf

	sf.timers = append(sf.timers, time.AfterFunc(s.cfg.ShowDelay, func() { s.present(sf) }))

	s.logger.Debug("surface attached",
		zap.String("ad_id", hint.AdID),
		zap.String("resource_id", res.ID()),
		zap.Float64("volume", s.settings.EffectiveVolume()),
	)
	return nil
}

// present fires the showed sequence and, for full-screen formats, schedules
// the automatic dismissal.
func (s *Simulator) present(sf *surface) {
	sink := sf.res.Sink()
	if sink == nil {
		return
	}
	sink.OnShowed()
	sink.OnImpression()
	if isRewarded(sf.hint.Format) {
		sink.OnRewardEarned(s.cfg.RewardAmount, s.cfg.RewardCurrency)
	}

	if s.cfg.DismissDelay <= 0 || sf.hint.Format.Embedded() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surfaces[sf.hint.AdID] != sf {
		return
	}
	sf.timers = append(sf.timers, time.AfterFunc(s.cfg.DismissDelay, func() {
		s.dismiss(sf.hint.AdID, sf.res)
	}))
}

// Detach removes the slot's surface and cancels pending events.
func (s *Simulator) Detach(res slot.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for adID, sf := range s.surfaces {
		if sf.res.ID() != res.ID() {
			continue
		}
		for _, t := range sf.timers {
			t.Stop()
		}
		delete(s.surfaces, adID)
	}
}

// UpdateLayout moves an attached native surface.
func (s *Simulator) UpdateLayout(res slot.Resource, l slot.Layout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sf := range s.surfaces {
		if sf.res.ID() == res.ID() {
			sf.hint.Layout = &l
		}
	}
}

// MeasuredSize reports the creative's size when it carries one, otherwise
// the size implied by the hint. Native ads take the size of their layout.
// Full-screen formats measure 0x0.
func (s *Simulator) MeasuredSize(res slot.Resource) (int, int) {
	s.mu.Lock()
	var hint slot.SurfaceHint
	for _, sf := range s.surfaces {
		if sf.res.ID() == res.ID() {
			hint = sf.hint
		}
	}
	s.mu.Unlock()

	switch hint.Format {
	case models.FormatBanner:
	case models.FormatNative:
		if l := hint.Layout; l != nil && l.Visible && l.Width > 0 && l.Height > 0 {
			return l.Width, l.Height
		}
	default:
		return 0, 0
	}
	if d, ok := res.(interface{ Dimensions() (int, int) }); ok {
		if w, h := d.Dimensions(); w > 0 && h > 0 {
			return w, h
		}
	}
	if hint.Format == models.FormatNative {
		return 0, 0
	}
	if hint.Size == nil {
		return models.SizeBanner.Dimensions()
	}
	if hint.Size.IsAdaptive() {
		w, h := hint.AdaptiveWidth, hint.AdaptiveMaxHeight
		if w <= 0 {
			w = 320
		}
		if h <= 0 {
			h = 50
		}
		return w, h
	}
	return hint.Size.Dimensions()
}

// Click simulates a user tap on the slot's surface.
func (s *Simulator) Click(adID string) error {
	sink, err := s.sinkFor(adID)
	if err != nil {
		return err
	}
	sink.OnClick()
	return nil
}

// Dismiss simulates the user closing the slot's surface.
func (s *Simulator) Dismiss(adID string) error {
	s.mu.Lock()
	sf, ok := s.surfaces[adID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no surface for %s", adID)
	}
	s.dismiss(adID, sf.res)
	return nil
}

// Fail reports a presentation failure for the slot's surface.
func (s *Simulator) Fail(adID, message string) error {
	sink, err := s.sinkFor(adID)
	if err != nil {
		return err
	}
	sink.OnFailedToShow(models.NewAdError(ErrorDomain, models.ErrorCodeInternal, message, nil))
	return nil
}

func (s *Simulator) dismiss(adID string, res slot.Resource) {
	s.mu.Lock()
	if sf, ok := s.surfaces[adID]; ok && sf.res.ID() == res.ID() {
		delete(s.surfaces, adID)
	}
	s.mu.Unlock()

	if sink := res.Sink(); sink != nil {
		sink.OnDismissed()
	}
}

func (s *Simulator) sinkFor(adID string) (slot.EventSink, error) {
	s.mu.Lock()
	sf, ok := s.surfaces[adID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no surface for %s", adID)
	}
	sink := sf.res.Sink()
	if sink == nil {
		return nil, fmt.Errorf("surface for %s has no listener", adID)
	}
	return sink, nil
}

// Attached reports whether adID currently has a surface.
func (s *Simulator) Attached(adID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.surfaces[adID]
	return ok
}

func isRewarded(f models.Format) bool {
	return f == models.FormatRewarded || f == models.FormatRewardedInterstitial
}
