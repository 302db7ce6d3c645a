// Package extras maps ad network tags to the handlers that build per-network
// request extras and apply consent signals. Unknown or unsupported networks
// are logged and skipped; they never fail a load or a privacy update.
package extras

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/observability"

	"go.uber.org/zap"
)

var (
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrInvalidTag       = errors.New("network tag must not be empty")

	// ErrUnsupported is returned by handlers whose network has no consent API.
	ErrUnsupported = errors.New("operation not supported by network")
)

// Bundle is the opaque extras payload attached to an outgoing request for
// one network. It is never empty when returned by Registry.BuildExtras.
type Bundle map[string]models.ScalarValue

// Handler is implemented once per ad network.
type Handler interface {
	// BuildExtras receives only scalar params and returns the network's
	// request extras.
	BuildExtras(params map[string]models.ScalarValue) Bundle
	// ApplyConsent forwards the signals the network understands. Nil fields
	// must be left untouched. Networks without a consent API return
	// ErrUnsupported.
	ApplyConsent(ctx context.Context, consent models.ConsentFields) error
}

// ConsentStatus classifies the result of applying consent to one network.
type ConsentStatus string

const (
	ConsentApplied     ConsentStatus = "applied"
	ConsentUnsupported ConsentStatus = "unsupported"
	ConsentNotFound    ConsentStatus = "not_found"
	ConsentFailed      ConsentStatus = "failed"
)

// ConsentOutcome reports what happened for one enabled network.
type ConsentOutcome struct {
	Network string        `json:"network"`
	Status  ConsentStatus `json:"status"`
	Err     error         `json:"-"`
	Reason  string        `json:"reason,omitempty"`
}

// Registry holds the tag → handler table. Registration happens at startup;
// afterwards the registry is read from many slots concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, metrics observability.MetricsRegistry) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  metrics,
	}
}

// NormalizeTag trims and lower-cases a network tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Register adds a handler for tag.
func (r *Registry) Register(tag string, h Handler) error {
	key := NormalizeTag(tag)
	if key == "" {
		return ErrInvalidTag
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("register %q: %w", key, ErrDuplicateHandler)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for startup code; it panics on error.
func (r *Registry) MustRegister(tag string, h Handler) {
	if err := r.Register(tag, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered for tag.
func (r *Registry) Resolve(tag string) (Handler, error) {
	key := NormalizeTag(tag)
	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", key, ErrHandlerNotFound)
	}
	return h, nil
}

// Tags lists the registered tags in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()
	sort.Strings(tags)
	return tags
}

// BuildExtras narrows params to scalars and asks the tag's handler for a
// bundle. It reports false, meaning "attach nothing", for unknown tags and
// for empty bundles.
func (r *Registry) BuildExtras(tag string, params map[string]any) (Bundle, bool) {
	h, err := r.Resolve(tag)
	if err != nil {
		r.logger.Warn("skipping extras for unknown network", zap.String("network", tag))
		r.metrics.IncrementExtrasSkipped("unknown_network")
		return nil, false
	}

	scalars := make(map[string]models.ScalarValue, len(params))
	for k, v := range params {
		sv, ok := models.ScalarOf(v)
		if !ok {
			r.logger.Warn("dropping non-scalar extras value",
				zap.String("network", NormalizeTag(tag)),
				zap.String("key", k),
				zap.String("type", fmt.Sprintf("%T", v)),
			)
			r.metrics.IncrementExtrasSkipped("non_scalar")
			continue
		}
		scalars[k] = sv
	}

	bundle, err := safeBuild(h, scalars)
	if err != nil {
		r.logger.Error("skipping extras after handler failure", zap.String("network", NormalizeTag(tag)), zap.Error(err))
		r.metrics.IncrementExtrasSkipped("handler_panic")
		return nil, false
	}
	if len(bundle) == 0 {
		r.metrics.IncrementExtrasSkipped("empty_bundle")
		return nil, false
	}
	return bundle, true
}

// BuildAll builds bundles for every entry, keyed by normalized tag. Entries
// that produce nothing are omitted; later entries for the same tag win.
func (r *Registry) BuildAll(entries []models.VendorExtras) map[string]Bundle {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]Bundle, len(entries))
	for _, e := range entries {
		if b, ok := r.BuildExtras(e.Network, e.Params); ok {
			out[NormalizeTag(e.Network)] = b
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ApplyConsentTo applies consent to a single network.
func (r *Registry) ApplyConsentTo(ctx context.Context, tag string, consent models.ConsentFields) ConsentOutcome {
	key := NormalizeTag(tag)
	out := ConsentOutcome{Network: key}

	h, err := r.Resolve(key)
	switch {
	case err != nil:
		out.Status, out.Err = ConsentNotFound, err
	default:
		err = safeApply(ctx, h, consent)
		switch {
		case err == nil:
			out.Status = ConsentApplied
		case errors.Is(err, ErrUnsupported):
			out.Status, out.Err = ConsentUnsupported, err
		default:
			out.Status, out.Err = ConsentFailed, err
		}
	}
	if out.Err != nil {
		out.Reason = out.Err.Error()
	}

	r.metrics.IncrementConsentOutcome(key, string(out.Status))
	switch out.Status {
	case ConsentApplied:
		r.logger.Debug("consent applied", zap.String("network", key))
	case ConsentFailed:
		r.logger.Error("consent failed", zap.String("network", key), zap.Error(out.Err))
	default:
		r.logger.Info("consent skipped", zap.String("network", key), zap.String("status", string(out.Status)))
	}
	return out
}

// ApplyConsent fans settings out to every enabled network. Each network is
// handled independently; a failure is reported in its outcome and the batch
// continues.
func (r *Registry) ApplyConsent(ctx context.Context, settings models.PrivacySettings) []ConsentOutcome {
	outcomes := make([]ConsentOutcome, 0, len(settings.EnabledNetworks))
	for _, tag := range settings.EnabledNetworks {
		if NormalizeTag(tag) == "" {
			continue
		}
		outcomes = append(outcomes, r.ApplyConsentTo(ctx, tag, settings.ConsentFields))
	}
	return outcomes
}

// safeApply keeps a misbehaving handler from aborting the batch.
func safeApply(ctx context.Context, h Handler, consent models.ConsentFields) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h.ApplyConsent(ctx, consent)
}

func safeBuild(h Handler, params map[string]models.ScalarValue) (b Bundle, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h.BuildExtras(params), nil
}
