// Package manager is the goroutine-safe entry point to ad slots. It owns the
// slot table and runs every operation on the lifecycle dispatcher.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/formats"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/observability"
	"github.com/patrickwarner/adslot/internal/slot"

	"go.uber.org/zap"
)

// DefaultResumeDelay is how long after the app returns to the foreground an
// app-open ad is shown.
const DefaultResumeDelay = 100 * time.Millisecond

var (
	ErrSlotNotFound = errors.New("slot not found")
	ErrNotAppOpen   = errors.New("auto show on resume requires an app_open slot")
)

// Dispatcher is what the manager needs from dispatch.Dispatcher.
type Dispatcher interface {
	Submit(task dispatch.Task) bool
	Call(fn func() error) error
	SubmitAfter(delay time.Duration, task dispatch.Task) *time.Timer
}

// Config wires a Manager.
type Config struct {
	Catalog  formats.Catalog
	Registry *extras.Registry
	// Listener receives every event of every slot, on the dispatcher.
	Listener    slot.Listener
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
	Now         func() time.Time
	ResumeDelay time.Duration
}

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	AdID             string        `json:"ad_id"`
	Format           models.Format `json:"format"`
	UnitID           string        `json:"ad_unit_id"`
	State            slot.State    `json:"state"`
	Available        bool          `json:"available"`
	LoadedAt         *time.Time    `json:"loaded_at,omitempty"`
	AutoShowOnResume bool          `json:"auto_show_on_resume,omitempty"`
}

type entry struct {
	slot     *slot.AdSlot
	spec     models.RequestSpec
	autoShow bool
}

// Manager owns the slots. Fields below the dispatcher are only touched from
// dispatcher tasks.
type Manager struct {
	d           Dispatcher
	catalog     formats.Catalog
	registry    *extras.Registry
	logger      *zap.Logger
	metrics     observability.MetricsRegistry
	now         func() time.Time
	resumeDelay time.Duration
	listener    slot.Listener

	slots   map[string]*entry
	seq     int
	privacy models.ConsentFields
}

// New creates a Manager running on d.
func New(d Dispatcher, cfg Config) *Manager {
	m := &Manager{
		d:           d,
		catalog:     cfg.Catalog,
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		resumeDelay: cfg.ResumeDelay,
		listener:    cfg.Listener,
		slots:       make(map[string]*entry),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = observability.NewNoOpRegistry()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.resumeDelay <= 0 {
		m.resumeDelay = DefaultResumeDelay
	}
	return m
}

// CreateSlot validates spec and creates an idle slot for format. The
// returned ad id is "<unit id>-<sequence>".
func (m *Manager) CreateSlot(format models.Format, spec models.RequestSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", slot.ErrInvalidRequest, err)
	}
	kind, err := m.catalog.Kind(format)
	if err != nil {
		return "", err
	}

	var adID string
	err = m.d.Call(func() error {
		m.seq++
		id := spec.GenerateAdID(m.seq)
		s, err := slot.New(id, kind, m.d, slot.Options{
			Registry: m.registry,
			Listener: m.listener,
			Logger:   m.logger,
			Metrics:  m.metrics,
			Now:      m.now,
		})
		if err != nil {
			return err
		}
		m.slots[id] = &entry{slot: s, spec: spec}
		adID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("slot created", zap.String("ad_id", adID), zap.String("format", string(format)))
	return adID, nil
}

// Load starts loading the slot with the spec it was created with. Requests
// without consent fields inherit the last applied privacy settings.
func (m *Manager) Load(adID string) error {
	return m.withSlot(adID, func(e *entry) error {
		spec := e.spec
		if spec.Consent.IsEmpty() {
			spec.Consent = m.privacy
		}
		return e.slot.Load(spec)
	})
}

// Show presents the slot's ready ad.
func (m *Manager) Show(adID string) error {
	return m.withSlot(adID, func(e *entry) error { return e.slot.Show() })
}

// Hide removes a banner from the surface without discarding it.
func (m *Manager) Hide(adID string) error {
	return m.withSlot(adID, func(e *entry) error { return e.slot.Hide() })
}

// UpdateLayout moves an embedded slot within the host view.
func (m *Manager) UpdateLayout(adID string, l slot.Layout) error {
	return m.withSlot(adID, func(e *entry) error { return e.slot.UpdateLayout(l) })
}

// IsAvailable reports whether the slot holds a fresh ad.
func (m *Manager) IsAvailable(adID string) (bool, error) {
	var ok bool
	err := m.withSlot(adID, func(e *entry) error {
		ok = e.slot.IsAvailable()
		return nil
	})
	return ok, err
}

// Status returns a snapshot of one slot.
func (m *Manager) Status(adID string) (SlotStatus, error) {
	var st SlotStatus
	err := m.withSlot(adID, func(e *entry) error {
		st = status(e)
		return nil
	})
	return st, err
}

// List returns every slot ordered by ad id.
func (m *Manager) List() ([]SlotStatus, error) {
	var out []SlotStatus
	err := m.d.Call(func() error {
		out = make([]SlotStatus, 0, len(m.slots))
		for _, e := range m.slots {
			out = append(out, status(e))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AdID < out[j].AdID })
	return out, err
}

// Destroy releases the slot and forgets it.
func (m *Manager) Destroy(adID string) error {
	return m.withSlot(adID, func(e *entry) error {
		e.slot.Destroy()
		delete(m.slots, adID)
		return nil
	})
}

// SetAutoShowOnResume toggles showing an app-open slot when the app returns
// to the foreground.
func (m *Manager) SetAutoShowOnResume(adID string, enabled bool) error {
	return m.withSlot(adID, func(e *entry) error {
		if e.slot.Format() != models.FormatAppOpen {
			return ErrNotAppOpen
		}
		e.autoShow = enabled
		return nil
	})
}

// OnForeground schedules the resume handling after the configured delay.
func (m *Manager) OnForeground() {
	m.d.SubmitAfter(m.resumeDelay, m.resume)
}

// resume shows every auto-show app-open slot that has a fresh ad and starts
// a load for those that are idle.
func (m *Manager) resume() {
	for id, e := range m.slots {
		if !e.autoShow {
			continue
		}
		if e.slot.IsAvailable() {
			if err := e.slot.Show(); err != nil {
				m.logger.Warn("auto show on resume failed", zap.String("ad_id", id), zap.Error(err))
			}
			continue
		}
		if e.slot.State() == slot.Idle || e.slot.State() == slot.Ready {
			spec := e.spec
			if spec.Consent.IsEmpty() {
				spec.Consent = m.privacy
			}
			if err := e.slot.Load(spec); err != nil {
				m.logger.Info("auto show on resume: load not started", zap.String("ad_id", id), zap.Error(err))
			}
		}
	}
}

// ApplyPrivacy fans settings out to the enabled networks and remembers them
// as the default consent for later loads.
func (m *Manager) ApplyPrivacy(ctx context.Context, settings models.PrivacySettings) ([]extras.ConsentOutcome, error) {
	if err := m.d.Call(func() error {
		m.privacy = settings.ConsentFields
		return nil
	}); err != nil {
		return nil, err
	}
	if m.registry == nil {
		return nil, nil
	}
	return m.registry.ApplyConsent(ctx, settings), nil
}

// Close destroys every slot. The dispatcher itself is owned by the caller.
func (m *Manager) Close() error {
	err := m.d.Call(func() error {
		for id, e := range m.slots {
			e.slot.Destroy()
			delete(m.slots, id)
		}
		return nil
	})
	if errors.Is(err, dispatch.ErrClosed) {
		return nil
	}
	return err
}

func (m *Manager) withSlot(adID string, fn func(*entry) error) error {
	return m.d.Call(func() error {
		e, ok := m.slots[adID]
		if !ok {
			return fmt.Errorf("%s: %w", adID, ErrSlotNotFound)
		}
		return fn(e)
	})
}

func status(e *entry) SlotStatus {
	st := SlotStatus{
		AdID:             e.slot.AdID(),
		Format:           e.slot.Format(),
		UnitID:           e.spec.UnitID,
		State:            e.slot.State(),
		Available:        e.slot.IsAvailable(),
		AutoShowOnResume: e.autoShow,
	}
	if info := e.slot.Info(); !info.LoadedAt.IsZero() {
		t := info.LoadedAt
		st.LoadedAt = &t
	}
	return st
}
