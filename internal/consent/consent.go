// Package consent tracks whether the user still has to be asked for
// consent, separately from the per-network signals the extras handlers
// store. The status follows the usual consent-management life cycle:
// unknown until an update is requested, then required or not required by
// region, and obtained once the user has decided.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickwarner/adslot/internal/models"

	"go.uber.org/zap"
)

// Status is the consent requirement for the current user.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusRequired    Status = "required"
	StatusNotRequired Status = "not_required"
	StatusObtained    Status = "obtained"
)

// Geography is the user's regulatory region.
type Geography string

const (
	GeographyEEA    Geography = "eea"
	GeographyNotEEA Geography = "not_eea"
)

// ParseGeography accepts "eea" and "not_eea" in any case. Hyphens may
// replace underscores.
func ParseGeography(s string) (Geography, error) {
	g := Geography(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch g {
	case GeographyEEA, GeographyNotEEA:
		return g, nil
	}
	return "", fmt.Errorf("unknown consent geography %q", s)
}

// Info is the stored consent state.
type Info struct {
	Status        Status    `json:"status"`
	FormAvailable bool      `json:"form_available"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// UpdateParams tune a consent info update.
type UpdateParams struct {
	// DebugGeography overrides the configured region.
	DebugGeography Geography `json:"debug_geography,omitempty"`
}

// ErrNoInfo is returned by a Store that holds nothing.
var ErrNoInfo = errors.New("no consent info stored")

// Store persists Info.
type Store interface {
	LoadConsentInfo(ctx context.Context) (Info, error)
	SaveConsentInfo(ctx context.Context, info Info) error
	ResetConsentInfo(ctx context.Context) error
}

// Tracker moves Info through its life cycle.
type Tracker struct {
	store  Store
	region Geography
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewTracker returns a Tracker for users in region.
func NewTracker(store Store, region Geography, logger *zap.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, region: region, logger: logger, now: time.Now}
}

// Status returns the stored info. Before the first update it is unknown
// with no form.
func (t *Tracker) Status(ctx context.Context) (Info, error) {
	info, err := t.store.LoadConsentInfo(ctx)
	if errors.Is(err, ErrNoInfo) {
		return Info{Status: StatusUnknown}, nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("load consent info: %w", err)
	}
	return info, nil
}

// RequestUpdate re-evaluates the requirement for the user's region. A
// decision already obtained is kept.
func (t *Tracker) RequestUpdate(ctx context.Context, p UpdateParams) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.Status(ctx)
	if err != nil {
		return Info{}, err
	}
	region := t.region
	if p.DebugGeography != "" {
		region = p.DebugGeography
	}

	next := Info{Status: StatusNotRequired}
	switch {
	case cur.Status == StatusObtained:
		next = Info{Status: StatusObtained, FormAvailable: cur.FormAvailable}
	case region == GeographyEEA:
		next = Info{Status: StatusRequired, FormAvailable: true}
	}
	return t.save(ctx, next, region)
}

// RecordDecision marks consent obtained once the user has answered the GDPR
// question. Other settings leave the status alone.
func (t *Tracker) RecordDecision(ctx context.Context, ps models.PrivacySettings) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.Status(ctx)
	if err != nil {
		return Info{}, err
	}
	if ps.GDPRConsent == nil || cur.Status != StatusRequired {
		return cur, nil
	}
	// the form stays available so the user can revise the decision
	return t.save(ctx, Info{Status: StatusObtained, FormAvailable: true}, t.region)
}

// Reset forgets the stored info; the status returns to unknown.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.ResetConsentInfo(ctx); err != nil {
		return fmt.Errorf("reset consent info: %w", err)
	}
	t.logger.Info("consent info reset")
	return nil
}

func (t *Tracker) save(ctx context.Context, info Info, region Geography) (Info, error) {
	info.UpdatedAt = t.now().UTC()
	if err := t.store.SaveConsentInfo(ctx, info); err != nil {
		return Info{}, fmt.Errorf("save consent info: %w", err)
	}
	t.logger.Debug("consent info updated",
		zap.String("status", string(info.Status)),
		zap.Bool("form_available", info.FormAvailable),
		zap.String("geography", string(region)),
	)
	return info, nil
}

// MemoryStore keeps Info for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	info *Info
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) LoadConsentInfo(context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return Info{}, ErrNoInfo
	}
	return *m.info, nil
}

func (m *MemoryStore) SaveConsentInfo(_ context.Context, info Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = &info
	return nil
}

func (m *MemoryStore) ResetConsentInfo(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = nil
	return nil
}
