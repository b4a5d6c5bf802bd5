package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/smartcity-telemetry/internal/models"
)

// keyPrefix is bumped whenever the cached DashboardData encoding changes, so replicas running
// different versions never decode each other's entries.
const keyPrefix = "smartcity:dashboard:v1:"

// maxRelativeExpiry is the largest expiration memcached treats as relative seconds.
const maxRelativeExpiry = 30 * 24 * time.Hour

// MemcachedCache shares one cached dashboard per city across dashboard replicas.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache connects to a comma-separated server list such as "host1:11211,host2:11211".
// Zero timeout or maxIdleConns keep the client defaults.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcached: no server addresses in %q", addrs)
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// cacheKey maps a city name onto the memcached key alphabet: no whitespace or control
// characters and at most 250 bytes.
func cacheKey(city string) string {
	k := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return unicode.ToLower(r)
	}, strings.TrimSpace(city))
	k = keyPrefix + k
	if len(k) > 250 {
		k = k[:250]
	}
	return k
}

// Get returns false, nil on a miss. An entry that no longer decodes is deleted and reported as
// an error so the caller reloads from the store.
func (c *MemcachedCache) Get(ctx context.Context, city string) (models.DashboardData, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.DashboardData{}, false, err
	}
	key := cacheKey(city)
	item, err := c.client.Get(key)
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return models.DashboardData{}, false, nil
	case err != nil:
		return models.DashboardData{}, false, fmt.Errorf("memcached get %s: %w", key, err)
	}
	var data models.DashboardData
	if err := json.Unmarshal(item.Value, &data); err != nil {
		_ = c.client.Delete(key)
		return models.DashboardData{}, false, fmt.Errorf("decode cached dashboard %s: %w", key, err)
	}
	return data, true, nil
}

// Set stores value for ttl. A ttl outside memcached's relative range is clamped to it.
func (c *MemcachedCache) Set(ctx context.Context, city string, value models.DashboardData, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode dashboard: %w", err)
	}
	if ttl > maxRelativeExpiry {
		ttl = maxRelativeExpiry
	}
	exp := int32(ttl / time.Second)
	if exp < 1 {
		exp = 1
	}
	return c.client.Set(&memcache.Item{Key: cacheKey(city), Value: raw, Expiration: exp})
}

// Ping reports whether every server answers. Used by /health.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
