package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SizeHint names the requested creative size. Fixed sizes carry nominal
// dimensions in density-independent pixels; adaptive and fluid sizes are
// resolved by the render collaborator.
type SizeHint string

const (
	SizeBanner          SizeHint = "BANNER"
	SizeLargeBanner     SizeHint = "LARGE_BANNER"
	SizeMediumRectangle SizeHint = "MEDIUM_RECTANGLE"
	SizeFullBanner      SizeHint = "FULL_BANNER"
	SizeLeaderboard     SizeHint = "LEADERBOARD"
	SizeSkyscraper      SizeHint = "SKYSCRAPER"
	SizeFluid           SizeHint = "FLUID"
	SizeAdaptive        SizeHint = "ADAPTIVE"
	SizeInlineAdaptive  SizeHint = "INLINE_ADAPTIVE"
)

var nominalSizes = map[SizeHint][2]int{
	SizeBanner:          {320, 50},
	SizeLargeBanner:     {320, 100},
	SizeMediumRectangle: {300, 250},
	SizeFullBanner:      {468, 60},
	SizeLeaderboard:     {728, 90},
	SizeSkyscraper:      {160, 600},
	SizeFluid:           {0, 0},
	SizeAdaptive:        {0, 0},
	SizeInlineAdaptive:  {0, 0},
}

// ParseSizeHint parses a size name case-insensitively.
func ParseSizeHint(s string) (SizeHint, error) {
	h := SizeHint(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := nominalSizes[h]; !ok {
		return "", fmt.Errorf("unknown ad size %q", s)
	}
	return h, nil
}

// Dimensions returns the nominal width and height. Adaptive and fluid
// sizes report 0x0.
func (h SizeHint) Dimensions() (int, int) {
	d := nominalSizes[h]
	return d[0], d[1]
}

// IsAdaptive reports whether the final size is only known after rendering.
func (h SizeHint) IsAdaptive() bool {
	return h == SizeAdaptive || h == SizeInlineAdaptive || h == SizeFluid
}

func (h *SizeHint) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseSizeHint(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// PositionHint names where an embedded ad is anchored on the surface.
type PositionHint string

const (
	PositionTop         PositionHint = "TOP"
	PositionBottom      PositionHint = "BOTTOM"
	PositionLeft        PositionHint = "LEFT"
	PositionRight       PositionHint = "RIGHT"
	PositionTopLeft     PositionHint = "TOP_LEFT"
	PositionTopRight    PositionHint = "TOP_RIGHT"
	PositionBottomLeft  PositionHint = "BOTTOM_LEFT"
	PositionBottomRight PositionHint = "BOTTOM_RIGHT"
	PositionCenter      PositionHint = "CENTER"
	PositionCustom      PositionHint = "CUSTOM"
)

var positions = map[PositionHint]struct{}{
	PositionTop: {}, PositionBottom: {}, PositionLeft: {}, PositionRight: {},
	PositionTopLeft: {}, PositionTopRight: {}, PositionBottomLeft: {},
	PositionBottomRight: {}, PositionCenter: {}, PositionCustom: {},
}

// ParsePositionHint parses a position name case-insensitively.
func ParsePositionHint(s string) (PositionHint, error) {
	p := PositionHint(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := positions[p]; !ok {
		return "", fmt.Errorf("unknown ad position %q", s)
	}
	return p, nil
}

func (p *PositionHint) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePositionHint(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
