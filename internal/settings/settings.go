// Package settings keeps the process-wide ad audio settings: where they are
// stored, and handing them to the renderer.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/patrickwarner/adslot/internal/models"

	"go.uber.org/zap"
)

// ErrNotStored is returned by a Store that holds no settings yet.
var ErrNotStored = errors.New("no ad settings stored")

// Store persists AdSettings across restarts.
type Store interface {
	LoadAdSettings(ctx context.Context) (models.AdSettings, error)
	SaveAdSettings(ctx context.Context, s models.AdSettings) error
}

// Applier receives settings that should take effect now.
type Applier interface {
	ApplySettings(s models.AdSettings)
}

// Service reads, updates and applies AdSettings.
type Service struct {
	store    Store
	applier  Applier
	defaults models.AdSettings
	logger   *zap.Logger

	mu sync.Mutex
}

// NewService returns a Service that falls back to defaults until settings
// are saved.
func NewService(store Store, applier Applier, defaults models.AdSettings, logger *zap.Logger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, applier: applier, defaults: defaults, logger: logger}
}

// Startup applies the stored settings when they ask to be applied at
// startup. It reports whether they were applied.
func (s *Service) Startup(ctx context.Context) (models.AdSettings, bool, error) {
	cur, err := s.Get(ctx)
	if err != nil {
		return models.AdSettings{}, false, err
	}
	if !cur.ApplyAtStartup {
		s.logger.Debug("ad settings left for explicit apply")
		return cur, false, nil
	}
	s.apply(cur)
	return cur, true, nil
}

// Get returns the stored settings, or the defaults when none are stored.
func (s *Service) Get(ctx context.Context) (models.AdSettings, error) {
	cur, err := s.store.LoadAdSettings(ctx)
	if errors.Is(err, ErrNotStored) {
		return s.defaults, nil
	}
	if err != nil {
		return models.AdSettings{}, fmt.Errorf("load ad settings: %w", err)
	}
	return cur, nil
}

// Update merges u into the current settings, clamps the volume, saves the
// result and applies it.
func (s *Service) Update(ctx context.Context, u models.AdSettingsUpdate) (models.AdSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx)
	if err != nil {
		return models.AdSettings{}, err
	}
	next := cur.Merge(u)
	next.Volume = next.ClampedVolume()
	if err := s.store.SaveAdSettings(ctx, next); err != nil {
		return models.AdSettings{}, fmt.Errorf("save ad settings: %w", err)
	}
	s.apply(next)
	return next, nil
}

func (s *Service) apply(as models.AdSettings) {
	if s.applier == nil {
		return
	}
	s.applier.ApplySettings(as)
}

// MemoryStore keeps settings for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	saved *models.AdSettings
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) LoadAdSettings(context.Context) (models.AdSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return models.AdSettings{}, ErrNotStored
	}
	return *m.saved, nil
}

func (m *MemoryStore) SaveAdSettings(_ context.Context, s models.AdSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = &s
	return nil
}
