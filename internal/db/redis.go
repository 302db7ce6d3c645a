package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickwarner/adslot/internal/consent"
	"github.com/patrickwarner/adslot/internal/extras/networks"
	"github.com/patrickwarner/adslot/internal/models"
	"github.com/patrickwarner/adslot/internal/settings"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	consentKeyPrefix = "consent:"
	consentInfoKey   = "consent_info"
	adSettingsKey    = "settings:ads"
)

var (
	_ networks.ConsentSink = (*RedisStore)(nil)
	_ consent.Store        = (*RedisStore)(nil)
	_ settings.Store       = (*RedisStore)(nil)
)

// RedisStore persists the consent signals produced by network handlers.
// Each network gets one hash under consent:<network>. The consent status
// lives in consent_info and the ad settings in settings:ads; neither expires.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

// InitRedis connects to addr and returns a RedisStore whose hashes expire
// ttl after the last write. A zero ttl keeps them forever.
func InitRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}), ttl)

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{Client: client, TTL: ttl}
}

func consentKey(network string) string {
	return consentKeyPrefix + network
}

// StoreConsentSignals merges signals into the network's hash and refreshes
// its expiry.
func (r *RedisStore) StoreConsentSignals(ctx context.Context, network string, signals map[string]string) error {
	if len(signals) == 0 {
		return nil
	}
	key := consentKey(network)
	values := make([]interface{}, 0, len(signals)*2)
	for k, v := range signals {
		values = append(values, k, v)
	}

	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if r.TTL > 0 {
		pipe.Expire(ctx, key, r.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store consent for %s: %w", network, err)
	}
	return nil
}

// LoadConsentSignals returns the signals last stored for network, or
// networks.ErrNoConsent when none are.
func (r *RedisStore) LoadConsentSignals(ctx context.Context, network string) (map[string]string, error) {
	vals, err := r.Client.HGetAll(ctx, consentKey(network)).Result()
	if err != nil {
		return nil, fmt.Errorf("load consent for %s: %w", network, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s: %w", network, networks.ErrNoConsent)
	}
	return vals, nil
}

// ClearConsentSignals deletes the stored signals for network.
func (r *RedisStore) ClearConsentSignals(ctx context.Context, network string) error {
	return r.Client.Del(ctx, consentKey(network)).Err()
}

// LoadConsentInfo returns the stored consent status or consent.ErrNoInfo.
func (r *RedisStore) LoadConsentInfo(ctx context.Context) (consent.Info, error) {
	vals, err := r.Client.HGetAll(ctx, consentInfoKey).Result()
	if err != nil {
		return consent.Info{}, fmt.Errorf("load consent info: %w", err)
	}
	if len(vals) == 0 {
		return consent.Info{}, consent.ErrNoInfo
	}
	info := consent.Info{Status: consent.Status(vals["status"])}
	info.FormAvailable, _ = strconv.ParseBool(vals["form_available"])
	if ts, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		info.UpdatedAt = ts
	}
	return info, nil
}

// SaveConsentInfo replaces the stored consent status.
func (r *RedisStore) SaveConsentInfo(ctx context.Context, info consent.Info) error {
	err := r.Client.HSet(ctx, consentInfoKey,
		"status", string(info.Status),
		"form_available", strconv.FormatBool(info.FormAvailable),
		"updated_at", info.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("save consent info: %w", err)
	}
	return nil
}

// ResetConsentInfo deletes the stored consent status.
func (r *RedisStore) ResetConsentInfo(ctx context.Context) error {
	return r.Client.Del(ctx, consentInfoKey).Err()
}

// LoadAdSettings returns the stored ad settings or settings.ErrNotStored.
// Fields that fail to parse take their default.
func (r *RedisStore) LoadAdSettings(ctx context.Context) (models.AdSettings, error) {
	vals, err := r.Client.HGetAll(ctx, adSettingsKey).Result()
	if err != nil {
		return models.AdSettings{}, fmt.Errorf("load ad settings: %w", err)
	}
	if len(vals) == 0 {
		return models.AdSettings{}, settings.ErrNotStored
	}
	out := models.DefaultAdSettings()
	if v, err := strconv.ParseFloat(vals["ad_volume"], 64); err == nil {
		out.Volume = v
	}
	out.Muted, _ = strconv.ParseBool(vals["ads_muted"])
	out.ApplyAtStartup, _ = strconv.ParseBool(vals["apply_at_startup"])
	return out, nil
}

// SaveAdSettings replaces the stored ad settings.
func (r *RedisStore) SaveAdSettings(ctx context.Context, s models.AdSettings) error {
	err := r.Client.HSet(ctx, adSettingsKey,
		"ad_volume", strconv.FormatFloat(s.Volume, 'f', -1, 64),
		"ads_muted", strconv.FormatBool(s.Muted),
		"apply_at_startup", strconv.FormatBool(s.ApplyAtStartup),
	).Err()
	if err != nil {
		return fmt.Errorf("save ad settings: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
