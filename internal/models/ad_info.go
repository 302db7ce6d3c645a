package models

import (
	"fmt"
	"strings"
	"time"
)

// Format is the presentation kind of an ad slot.
type Format string

const (
	FormatInterstitial         Format = "interstitial"
	FormatRewarded             Format = "rewarded"
	FormatRewardedInterstitial Format = "rewarded_interstitial"
	FormatAppOpen              Format = "app_open"
	FormatBanner               Format = "banner"
	FormatNative               Format = "native"
)

// ParseFormat parses a format name case-insensitively. Hyphens are accepted
// in place of underscores.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch f {
	case FormatInterstitial, FormatRewarded, FormatRewardedInterstitial, FormatAppOpen, FormatBanner, FormatNative:
		return f, nil
	}
	return "", fmt.Errorf("unknown ad format %q", s)
}

// Embedded reports whether the format lives inside the host view rather
// than covering the screen.
func (f Format) Embedded() bool {
	return f == FormatBanner || f == FormatNative
}

// ResponseMeta is the vendor's description of a served response. It is
// opaque to the lifecycle and only forwarded to listeners.
type ResponseMeta struct {
	ResponseID   string            `json:"response_id,omitempty"`
	AdapterClass string            `json:"adapter_class,omitempty"`
	CreativeID   string            `json:"creative_id,omitempty"`
	Price        float64           `json:"price,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// AdInfo is attached to every lifecycle event.
type AdInfo struct {
	AdID           string       `json:"ad_id"`
	Format         Format       `json:"format"`
	MeasuredWidth  int          `json:"measured_width"`
	MeasuredHeight int          `json:"measured_height"`
	LoadedAt       time.Time    `json:"loaded_at,omitempty"`
	Response       ResponseMeta `json:"response_info"`
	Request        RequestSpec  `json:"load_ad_request"`
}

// Reward is the payout reported by rewarded formats.
type Reward struct {
	Amount   int    `json:"amount"`
	Currency string `json:"type"`
}
