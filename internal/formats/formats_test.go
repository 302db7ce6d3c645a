package formats

import (
	"context"
	"testing"
	"time"

	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/slot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		format     models.Format
		autoReload bool
		reusable   bool
		rewarded   bool
	}{
		{models.FormatInterstitial, true, false, false},
		{models.FormatRewarded, true, false, true},
		{models.FormatRewardedInterstitial, true, false, true},
		{models.FormatAppOpen, false, false, false},
		{models.FormatBanner, false, true, false},
		{models.FormatNative, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			p, err := PolicyFor(tt.format, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.autoReload, p.AutoReloadOnDismiss)
			assert.Equal(t, tt.reusable, p.Reusable)
			assert.Equal(t, tt.rewarded, p.Rewarded)
			assert.Equal(t, slot.DefaultMaxLifetime, p.MaxLifetime)
		})
	}

	_, err := PolicyFor("video", time.Hour)
	assert.Error(t, err)
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, string, slot.EnrichedRequest, func(slot.FetchResult)) {}

type nopRenderer struct{ name string }

func (nopRenderer) Attach(slot.Resource, slot.SurfaceHint) error { return nil }
func (nopRenderer) Detach(slot.Resource)                          {}
func (nopRenderer) MeasuredSize(slot.Resource) (int, int)         { return 0, 0 }

func TestCatalogKind(t *testing.T) {
	fullscreen := nopRenderer{name: "fullscreen"}
	embedded := nopRenderer{name: "embedded"}
	c := Catalog{
		Fetcher:     nopFetcher{},
		Renderer:    fullscreen,
		Renderers:   map[models.Format]slot.Renderer{models.FormatBanner: embedded},
		MaxLifetime: time.Hour,
	}

	k, err := c.Kind(models.FormatBanner)
	require.NoError(t, err)
	assert.Equal(t, embedded, k.Renderer)
	assert.Equal(t, time.Hour, k.Policy.MaxLifetime)

	k, err = c.Kind(models.FormatAppOpen)
	require.NoError(t, err)
	assert.Equal(t, fullscreen, k.Renderer)

	_, err = Catalog{Renderer: fullscreen}.Kind(models.FormatBanner)
	assert.Error(t, err)
}

func TestAll(t *testing.T) {
	for _, f := range All() {
		_, err := PolicyFor(f, 0)
		assert.NoError(t, err)
	}
	assert.Len(t, All(), 6)
}
