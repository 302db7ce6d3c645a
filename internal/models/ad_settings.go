package models

import "math"

// DefaultAdVolume is the volume used until one is configured.
const DefaultAdVolume = 1.0

// AdSettings are the process-wide audio settings for video creatives.
type AdSettings struct {
	Volume float64 `json:"ad_volume"`
	Muted  bool    `json:"ads_muted"`
	// ApplyAtStartup applies the stored settings when the daemon starts.
	ApplyAtStartup bool `json:"apply_at_startup"`
}

// DefaultAdSettings returns full volume, unmuted, not applied at startup.
func DefaultAdSettings() AdSettings {
	return AdSettings{Volume: DefaultAdVolume}
}

// ClampedVolume bounds Volume to [0, 1]. NaN falls back to the default.
func (s AdSettings) ClampedVolume() float64 {
	if math.IsNaN(s.Volume) {
		return DefaultAdVolume
	}
	return math.Max(0, math.Min(1, s.Volume))
}

// EffectiveVolume is the volume a surface plays at: zero while muted.
func (s AdSettings) EffectiveVolume() float64 {
	if s.Muted {
		return 0
	}
	return s.ClampedVolume()
}

// AdSettingsUpdate changes only the fields that are set.
type AdSettingsUpdate struct {
	Volume         *float64 `json:"ad_volume,omitempty"`
	Muted          *bool    `json:"ads_muted,omitempty"`
	ApplyAtStartup *bool    `json:"apply_at_startup,omitempty"`
}

// Merge applies u on top of s.
func (s AdSettings) Merge(u AdSettingsUpdate) AdSettings {
	if u.Volume != nil {
		s.Volume = *u.Volume
	}
	if u.Muted != nil {
		s.Muted = *u.Muted
	}
	if u.ApplyAtStartup != nil {
		s.ApplyAtStartup = *u.ApplyAtStartup
	}
	return s
}
