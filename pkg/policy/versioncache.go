package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionCacheTTL bounds how long a published version pointer is trusted
// before a reader falls back to asking its own engine directly.
const versionCacheTTL = 10 * time.Minute

// VersionCache publishes and reads the policy_version currently active on
// a gateway replica through Redis, so a Reload on one instance is visible
// to the rest of the fleet without every instance hitting the policy
// source store directly.
type VersionCache struct {
	client *redis.Client
	key    string
}

// NewVersionCache connects to addr and scopes the cache entry to key
// (typically the policy package name, so multiple policy sets can share
// one Redis instance without colliding).
func NewVersionCache(addr, password string, db int, key string) *VersionCache {
	return &VersionCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		key: "authgate:policy_version:" + key,
	}
}

// Publish records version as the fleet-wide active policy_version.
func (c *VersionCache) Publish(ctx context.Context, version string) error {
	if err := c.client.Set(ctx, c.key, version, versionCacheTTL).Err(); err != nil {
		return fmt.Errorf("policy: publish version cache: %w", err)
	}
	return nil
}

// Lookup returns the last published policy_version, or ok=false if
// nothing has been published yet (or the entry expired).
func (c *VersionCache) Lookup(ctx context.Context) (version string, ok bool, err error) {
	v, err := c.client.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("policy: lookup version cache: %w", err)
	}
	return v, true, nil
}

// Close releases the underlying Redis connection pool.
func (c *VersionCache) Close() error {
	return c.client.Close()
}
