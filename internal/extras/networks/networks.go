// Package networks contains the built-in ad network handlers. Each network is
// a row in a table: its tag, its adapter class and a function mapping consent
// fields to the signals that network understands. Networks without a consent
// API have no mapper and report extras.ErrUnsupported.
package networks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/patrickwarner/adslot/internal/extras"
	"github.com/patrickwarner/adslot/internal/models"
)

// ConsentSink persists the signals a network handler produced. The daemon
// backs it with Redis; tests use MemorySink.
type ConsentSink interface {
	StoreConsentSignals(ctx context.Context, network string, signals map[string]string) error
}

// ErrNoConsent is returned by sinks that have nothing stored for a network.
var ErrNoConsent = errors.New("no consent signals stored")

type consentMapper func(models.ConsentFields) map[string]string

// Network is the table-driven extras.Handler implementation.
type Network struct {
	Tag          string
	AdapterClass string

	consent consentMapper
	sink    ConsentSink
}

// BuildExtras forwards every scalar param unchanged.
func (n *Network) BuildExtras(params map[string]models.ScalarValue) extras.Bundle {
	if len(params) == 0 {
		return nil
	}
	b := make(extras.Bundle, len(params))
	for k, v := range params {
		b[k] = v
	}
	return b
}

// ApplyConsent maps the set consent fields and hands them to the sink.
func (n *Network) ApplyConsent(ctx context.Context, consent models.ConsentFields) error {
	if !n.supportsConsent() {
		return fmt.Errorf("%s consent: %w", n.Tag, extras.ErrUnsupported)
	}
	signals := n.consent(consent)
	if len(signals) == 0 {
		return nil
	}
	if n.sink == nil {
		return fmt.Errorf("%s consent: no consent sink configured", n.Tag)
	}
	if err := n.sink.StoreConsentSignals(ctx, n.Tag, signals); err != nil {
		return fmt.Errorf("%s consent: %w", n.Tag, err)
	}
	return nil
}

func (n *Network) supportsConsent() bool { return n.consent != nil }

// definition is one row of the built-in table.
type definition struct {
	tag          string
	adapterClass string
	consent      consentMapper
}

var definitions = []definition{
	{"applovin", "com.google.ads.mediation.applovin.AppLovinMediationAdapter", applovinConsent},
	{"chartboost", "com.google.ads.mediation.chartboost.ChartboostMediationAdapter", chartboostConsent},
	{"dtexchange", "com.google.ads.mediation.fyber.FyberMediationAdapter", dtexchangeConsent},
	{"imobile", "com.google.ads.mediation.imobile.IMobileMediationAdapter", nil},
	{"inmobi", "com.google.ads.mediation.inmobi.InMobiMediationAdapter", inmobiConsent},
	{"ironsource", "com.google.ads.mediation.ironsource.IronSourceMediationAdapter", ironsourceConsent},
	{"liftoff", "com.google.ads.mediation.vungle.VungleMediationAdapter", liftoffConsent},
	{"line", "com.google.ads.mediation.line.LineMediationAdapter", nil},
	{"maio", "com.google.ads.mediation.maio.MaioMediationAdapter", nil},
	{"meta", "com.google.ads.mediation.facebook.FacebookMediationAdapter", nil},
	{"mintegral", "com.google.ads.mediation.mintegral.MintegralMediationAdapter", mintegralConsent},
	{"moloco", "com.google.ads.mediation.moloco.MolocoMediationAdapter", molocoConsent},
	{"mytarget", "com.google.ads.mediation.mytarget.MyTargetMediationAdapter", mytargetConsent},
	{"pangle", "com.google.ads.mediation.pangle.PangleMediationAdapter", pangleConsent},
	{"unity", "com.google.ads.mediation.unity.UnityMediationAdapter", unityConsent},
}

// Tags lists the built-in network tags in registration order.
func Tags() []string {
	tags := make([]string, len(definitions))
	for i, d := range definitions {
		tags[i] = d.tag
	}
	return tags
}

// Builtin returns fresh handlers for every built-in network, keyed by tag.
func Builtin(sink ConsentSink) map[string]*Network {
	out := make(map[string]*Network, len(definitions))
	for _, d := range definitions {
		out[d.tag] = &Network{Tag: d.tag, AdapterClass: d.adapterClass, consent: d.consent, sink: sink}
	}
	return out
}

// RegisterDefaults registers every built-in network with reg. When only is
// non-empty, just those tags are registered.
func RegisterDefaults(reg *extras.Registry, sink ConsentSink, only ...string) error {
	allowed := make(map[string]bool, len(only))
	for _, tag := range only {
		allowed[extras.NormalizeTag(tag)] = true
	}
	builtin := Builtin(sink)
	for _, tag := range Tags() {
		if len(allowed) > 0 && !allowed[tag] {
			continue
		}
		if err := reg.Register(tag, builtin[tag]); err != nil {
			return err
		}
	}
	return nil
}

func applovinConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "has_user_consent", c.GDPRConsent)
	setBool(s, "is_age_restricted_user", c.AgeRestricted)
	setBool(s, "do_not_sell", negate(c.CCPASaleConsent))
	return s
}

func chartboostConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setChoice(s, "gdpr", c.GDPRConsent, "1", "0")
	setChoice(s, "ccpa", c.CCPASaleConsent, "opt_in_sale", "opt_out_sale")
	return s
}

func dtexchangeConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "gdpr_consent", c.GDPRConsent)
	// IAB US privacy string: version, notice given, opted out, LSPA covered
	setChoice(s, "us_privacy", c.CCPASaleConsent, "1NNN", "1YNN")
	return s
}

func inmobiConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	if c.GDPRConsent != nil {
		s["gdpr_consent_available"] = "true"
		setChoice(s, "gdpr", c.GDPRConsent, "1", "0")
	}
	return s
}

func ironsourceConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "do_not_sell", negate(c.CCPASaleConsent))
	return s
}

func liftoffConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setChoice(s, "gdpr_status", c.GDPRConsent, "opted_in", "opted_out")
	setChoice(s, "ccpa_status", c.CCPASaleConsent, "opted_in", "opted_out")
	return s
}

func mintegralConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setChoice(s, "consent_status", c.GDPRConsent, "1", "0")
	setChoice(s, "do_not_track", c.CCPASaleConsent, "0", "1")
	return s
}

func molocoConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "is_user_consent", c.GDPRConsent)
	setBool(s, "is_age_restricted_user", c.AgeRestricted)
	setBool(s, "is_do_not_sell", negate(c.CCPASaleConsent))
	return s
}

func mytargetConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "user_consent", c.GDPRConsent)
	setBool(s, "user_age_restricted", c.AgeRestricted)
	setBool(s, "ccpa_user_consent", c.CCPASaleConsent)
	return s
}

func pangleConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setChoice(s, "gdpr_consent", c.GDPRConsent, "1", "0")
	setChoice(s, "pa_consent", c.CCPASaleConsent, "1", "0")
	return s
}

func unityConsent(c models.ConsentFields) map[string]string {
	s := map[string]string{}
	setBool(s, "gdpr.consent", c.GDPRConsent)
	setBool(s, "privacy.consent", c.CCPASaleConsent)
	return s
}

func setBool(s map[string]string, key string, v *bool) {
	if v != nil {
		s[key] = strconv.FormatBool(*v)
	}
}

func setChoice(s map[string]string, key string, v *bool, yes, no string) {
	if v == nil {
		return
	}
	if *v {
		s[key] = yes
	} else {
		s[key] = no
	}
}

func negate(v *bool) *bool {
	if v == nil {
		return nil
	}
	n := !*v
	return &n
}

// MemorySink keeps consent signals in memory.
type MemorySink struct {
	mu      sync.Mutex
	signals map[string]map[string]string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{signals: make(map[string]map[string]string)}
}

func (m *MemorySink) StoreConsentSignals(_ context.Context, network string, signals map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.signals[network]
	if !ok {
		cur = make(map[string]string, len(signals))
		m.signals[network] = cur
	}
	for k, v := range signals {
		cur[k] = v
	}
	return nil
}

// Signals returns a copy of the stored signals for network.
func (m *MemorySink) Signals(network string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.signals[network]))
	for k, v := range m.signals[network] {
		out[k] = v
	}
	return out
}

// LoadConsentSignals returns the stored signals or ErrNoConsent.
func (m *MemorySink) LoadConsentSignals(_ context.Context, network string) (map[string]string, error) {
	out := m.Signals(network)
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", network, ErrNoConsent)
	}
	return out, nil
}
