// Package cache holds short-lived API read models in a TTL cache.
//
// Status snapshots, emergency acknowledgements, green wave replies and the
// current settings are cached under fixed key prefixes. Signal changes on
// the bus invalidate the affected intersection's status entry.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/signalflow/internal/bus"
)

// Entry lifetimes.
const (
	StatusTTL    = 30 * time.Second
	WaveTTL      = time.Hour
	SettingsTTL  = time.Hour
	EmergencyTTL = time.Minute // added to the vehicle ETA
)

// SettingsKey caches the current system settings.
const SettingsKey = "system_settings"

const healthKey = "health_check"

// StatusKey caches an intersection status snapshot.
func StatusKey(intersectionID string) string { return "intersection_status:" + intersectionID }

// EmergencyKey caches an emergency acknowledgement.
func EmergencyKey(id string) string { return "emergency:" + id }

// WaveKey caches a green wave reply.
func WaveKey(id string) string { return "green_wave:" + id }

// ErrPing is returned by Ping when a written value cannot be read back.
var ErrPing = errors.New("cache round trip failed")

// Cache is a TTL cache of API read models.
// Safe for concurrent use.
type Cache struct {
	items *ttlcache.Cache[string, any]
	log   *slog.Logger
}

// New creates a cache with defaultTTL for entries set with DefaultTTL.
// Call Run to begin expiring entries in the background.
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		items: ttlcache.New(
			ttlcache.WithTTL[string, any](defaultTTL),
			ttlcache.WithDisableTouchOnHit[string, any](),
		),
		log: slog.With("component", "cache"),
	}
	c.items.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, any]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.log.Debug("cache entry expired", "key", item.Key())
		}
	})
	return c
}

// Run expires entries in the background until ctx is cancelled.
// Blocks, so run it in its own goroutine.
func (c *Cache) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.items.Stop()
	}()
	c.items.Start()
	return nil
}

// Set stores v under key for ttl. A ttl of zero uses the default.
func (c *Cache) Set(key string, v any, ttl time.Duration) {
	if ttl == 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.items.Set(key, v, ttl)
}

// Get returns the live value under key.
func (c *Cache) Get(key string) (any, bool) {
	item := c.items.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

// Len returns the number of entries, expired ones included until the
// expiry loop removes them.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Lookup returns the value under key when it has type T.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Ping writes and reads back a value. Used by health checks.
func (c *Cache) Ping() error {
	stamp := time.Now().UnixNano()
	c.items.Set(healthKey, stamp, 10*time.Second)
	v, ok := Lookup[int64](c, healthKey)
	if !ok || v != stamp {
		return ErrPing
	}
	return nil
}

// Invalidate drops cached state for an intersection.
func (c *Cache) Invalidate(intersectionID string) {
	c.items.Delete(StatusKey(intersectionID))
}

// Watch invalidates intersection status entries as signal changes are
// published on b. Blocks until ctx is cancelled or b is closed.
func (c *Cache) Watch(ctx context.Context, b *bus.Bus) error {
	msgs, cancel := b.Subscribe(bus.SignalChangeTopic("+"), 0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if id, ok := intersectionFromTopic(msg.Topic); ok {
				c.Invalidate(id)
			}
		}
	}
}

// intersectionFromTopic extracts <id> from "intersection/<id>/...".
func intersectionFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "intersection/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	return id, ok && id != ""
}
