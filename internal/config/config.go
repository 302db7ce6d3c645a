package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/patrickwarner/adslot/internal/models"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string

	// Slot lifecycle
	AdMaxLifetime      time.Duration
	AppOpenResumeDelay time.Duration
	DispatchQueueWarn  int
	EventLogSize       int

	// Fetch collaborator
	FetchBaseURL string
	FetchTimeout time.Duration

	// Extras registry; empty means every built-in network
	EnabledNetworks []string

	// Consent signal store
	RedisEnabled bool
	RedisAddr    string
	ConsentTTL   time.Duration

	// Simulated renderer
	SimShowDelay    time.Duration
	SimDismissDelay time.Duration

	// Ad settings used until PUT /settings saves others
	AdVolume            float64
	AdsMuted            bool
	AdSettingsAtStartup bool

	// Region of the simulated user: eea or not_eea
	ConsentGeography string

	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "adslot")

	cfg.AdMaxLifetime = envDuration("AD_MAX_LIFETIME", 4*time.Hour)
	cfg.AppOpenResumeDelay = envDuration("APP_OPEN_RESUME_DELAY", 100*time.Millisecond)
	cfg.DispatchQueueWarn = envInt("DISPATCH_QUEUE_WARN", 1000)
	cfg.EventLogSize = envInt("EVENT_LOG_SIZE", 256)

	// defaults to the daemon's own test bidder
	cfg.FetchBaseURL = getenv("FETCH_BASE_URL", "http://localhost:8787/test")
	cfg.FetchTimeout = envDuration("FETCH_TIMEOUT", 2*time.Second)

	cfg.EnabledNetworks = envList("ENABLED_NETWORKS", nil)

	cfg.RedisEnabled = envBool("REDIS_ENABLED", false)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ConsentTTL = envDuration("CONSENT_TTL", 30*24*time.Hour)

	cfg.SimShowDelay = envDuration("SIM_SHOW_DELAY", 200*time.Millisecond)
	// zero leaves full-screen ads up until /dismiss is called
	cfg.SimDismissDelay = envDuration("SIM_DISMISS_DELAY", 0)

	cfg.AdVolume = envFloat("AD_VOLUME", 1.0)
	cfg.AdsMuted = envBool("ADS_MUTED", false)
	cfg.AdSettingsAtStartup = envBool("AD_SETTINGS_APPLY_AT_STARTUP", false)

	cfg.ConsentGeography = getenv("CONSENT_GEOGRAPHY", "eea")

	// Tracing configuration
	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0) // Default to 100% sampling for dev

	return cfg
}

// AdSettings returns the configured ad settings with the volume clamped to
// [0, 1].
func (c Config) AdSettings() models.AdSettings {
	s := models.AdSettings{Volume: c.AdVolume, Muted: c.AdsMuted, ApplyAtStartup: c.AdSettingsAtStartup}
	s.Volume = s.ClampedVolume()
	return s
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

// envBool parses a boolean environment variable. Accepted values are those
// supported by strconv.ParseBool. When unset or invalid, def is returned.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// envInt parses an integer environment variable. When unset or invalid, def is returned.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

// envFloat parses a float64 environment variable. When unset or invalid, def is returned.
func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

// envList splits a comma separated variable, dropping blank items.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
