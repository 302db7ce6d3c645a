// Package formats defines the ad formats as slot policies.
package formats

import (
	"fmt"
	"time"

	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"
)

// PolicyFor returns the lifecycle policy of a format. Full-screen single-use
// formats prefetch their successor on dismissal; app-open and banner leave
// reloading to the caller. Banners and native ads are embedded in the host
// layout and can be hidden and re-shown.
func PolicyFor(f models.Format, maxLifetime time.Duration) (slot.Policy, error) {
	if maxLifetime <= 0 {
		maxLifetime = slot.DefaultMaxLifetime
	}
	p := slot.Policy{MaxLifetime: maxLifetime}
	switch f {
	case models.FormatInterstitial:
		p.AutoReloadOnDismiss = true
	case models.FormatRewarded, models.FormatRewardedInterstitial:
		p.AutoReloadOnDismiss = true
		p.Rewarded = true
	case models.FormatAppOpen:
	case models.FormatBanner, models.FormatNative:
		p.Reusable = true
	default:
		return slot.Policy{}, fmt.Errorf("unknown ad format %q", f)
	}
	return p, nil
}

// Catalog builds slot kinds from shared collaborators. A renderer can be
// overridden per format, e.g. an embedded surface for banners.
type Catalog struct {
	Fetcher     slot.Fetcher
	Renderer    slot.Renderer
	Renderers   map[models.Format]slot.Renderer
	MaxLifetime time.Duration
}

// Kind returns the slot kind for f.
func (c Catalog) Kind(f models.Format) (slot.Kind, error) {
	policy, err := PolicyFor(f, c.MaxLifetime)
	if err != nil {
		return slot.Kind{}, err
	}
	renderer := c.Renderer
	if r, ok := c.Renderers[f]; ok && r != nil {
		renderer = r
	}
	if c.Fetcher == nil || renderer == nil {
		return slot.Kind{}, fmt.Errorf("format %s: fetcher and renderer are required", f)
	}
	return slot.Kind{Format: f, Fetcher: c.Fetcher, Renderer: renderer, Policy: policy}, nil
}

// All lists the supported formats.
func All() []models.Format {
	return []models.Format{
		models.FormatInterstitial,
		models.FormatRewarded,
		models.FormatRewardedInterstitial,
		models.FormatAppOpen,
		models.FormatBanner,
		models.FormatNative,
	}
}
