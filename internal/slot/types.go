package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickwarner/adslot/internal/dispatch"
	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/models"
)

// DefaultMaxLifetime is how long a loaded resource may be shown.
const DefaultMaxLifetime = 4 * time.Hour

var (
	ErrInvalidRequest    = errors.New("invalid load request")
	ErrAlreadyInProgress = errors.New("load already in progress")
	ErrAlreadyLoaded     = errors.New("ad already loaded")
	ErrNotReady          = errors.New("ad not ready")
	ErrNotReusable       = errors.New("only embedded formats can be hidden or laid out")
	ErrSlotClosed        = errors.New("slot destroyed")
)

// IsRejection reports whether err is an expected, non-fatal refusal of a
// load or show request.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyInProgress) ||
		errors.Is(err, ErrAlreadyLoaded) ||
		errors.Is(err, ErrNotReady)
}

// State is the lifecycle state of a slot.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Showing
	// Consumed means the resource has been presented and cannot be shown
	// again. It lasts until the presentation is dismissed or fails.
	Consumed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Showing:
		return "showing"
	case Consumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name, for clients of the HTTP API.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Consumed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", b)
}

// EventType names a listener notification.
type EventType string

const (
	EventLoaded       EventType = "loaded"
	EventRefreshed    EventType = "refreshed"
	EventFailedToLoad EventType = "failed_to_load"
	EventOpened       EventType = "opened"
	EventImpression   EventType = "impression"
	EventClicked      EventType = "clicked"
	EventClosed       EventType = "closed"
	EventFailedToShow EventType = "failed_to_show"
	EventRewarded     EventType = "rewarded"
	EventSizeMeasured EventType = "size_measured"
)

// Event is delivered to the slot's listener on the dispatcher.
type Event struct {
	Type   EventType       `json:"type"`
	Info   models.AdInfo   `json:"ad_info"`
	Err    *models.AdError `json:"error,omitempty"`
	Reward *models.Reward  `json:"reward,omitempty"`
}

// Listener receives lifecycle events. Callbacks run on the dispatcher and may
// call back into the slot directly.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Resource is a loaded ad handle. Render collaborators deliver events to
// whatever Sink() returns at the time; SetEventSink(nil) removes it.
type Resource interface {
	ID() string
	SetEventSink(EventSink)
	Sink() EventSink
	Release()
}

// EventSink receives render events for one presentation. Methods may be
// called from any goroutine.
type EventSink interface {
	OnShowed()
	OnImpression()
	OnClick()
	OnDismissed()
	OnFailedToShow(err *models.AdError)
	OnRewardEarned(amount int, currency string)
}

// EnrichedRequest is the request handed to the fetcher after vendor extras
// have been resolved.
type EnrichedRequest struct {
	AdID              string                         `json:"ad_id"`
	Format            models.Format                  `json:"format"`
	UnitID            string                         `json:"ad_unit_id"`
	RequestAgent      string                         `json:"request_agent,omitempty"`
	Keywords          []string                       `json:"keywords,omitempty"`
	Size              *models.SizeHint               `json:"ad_size,omitempty"`
	Position          *models.PositionHint           `json:"ad_position,omitempty"`
	AdaptiveWidth     int                            `json:"adaptive_width,omitempty"`
	AdaptiveMaxHeight int                            `json:"adaptive_max_height,omitempty"`
	NetworkExtras     map[string]extras.Bundle       `json:"network_extras,omitempty"`
	Consent           models.ConsentFields           `json:"consent"`
	Verification      *models.ServerSideVerification `json:"server_side_verification,omitempty"`
}

// FetchResult is the outcome of one fetch. Exactly one of Resource and Err
// is set.
type FetchResult struct {
	Resource Resource
	Meta     models.ResponseMeta
	Err      *models.AdError
}

// Fetcher requests an ad. It must return promptly and deliver the result
// through done, from any goroutine, exactly once.
type Fetcher interface {
	Fetch(ctx context.Context, unitID string, req EnrichedRequest, done func(FetchResult))
}

// SurfaceHint tells the renderer where and how large to draw.
type SurfaceHint struct {
	AdID              string
	Format            models.Format
	Size              *models.SizeHint
	Position          *models.PositionHint
	AdaptiveWidth     int
	AdaptiveMaxHeight int
	// Layout is the last placement requested for an embedded format.
	Layout *Layout
}

// Layout places an embedded ad inside the host view, in pixels. A zero
// width or height wraps the creative.
type Layout struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Visible bool `json:"visible"`
}

// LayoutRenderer is implemented by renderers that can move an attached ad.
type LayoutRenderer interface {
	UpdateLayout(res Resource, l Layout)
}

// Renderer presents resources.
type Renderer interface {
	Attach(res Resource, hint SurfaceHint) error
	Detach(res Resource)
	MeasuredSize(res Resource) (width, height int)
}

// Policy holds the per-format behaviour switches.
type Policy struct {
	// AutoReloadOnDismiss starts exactly one new load after a dismissal.
	AutoReloadOnDismiss bool
	// Reusable formats can be hidden and shown again without reloading.
	Reusable bool
	// Rewarded formats forward reward events and server-side verification.
	Rewarded    bool
	MaxLifetime time.Duration
}

// Kind bundles the collaborators and policy for one format.
type Kind struct {
	Format   models.Format
	Fetcher  Fetcher
	Renderer Renderer
	Policy   Policy
}

// Dispatcher is the part of dispatch.Dispatcher a slot needs.
type Dispatcher interface {
	Submit(task dispatch.Task) bool
}
