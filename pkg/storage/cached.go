// pkg/storage/cached.go
package storage

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

/*
LaunchConfig read cache.

LaunchConfig resolution sits on the critical path of every login and
launch, and for KV/SQL backends it is a network round-trip. This
decorator caches positive AND negative results: a cached "confirmed
absent" entry keeps a stream of launches from an unregistered platform
from hammering the backing store, while still expiring on its own TTL so
a late registration becomes visible.

The two states are explicit in the cached entry type (found vs confirmed
absent); there is no sentinel value.
*/

// launchConfigEntry is a cache entry: found carries the config, !found is
// a confirmed-absent marker.
type launchConfigEntry struct {
	cfg   LaunchConfig
	found bool
}

// CachedStore decorates a Store with a TTL cache over GetLaunchConfig.
// All other operations pass through; write operations that can change
// configs invalidate the cache wholesale (they are rare admin actions).
type CachedStore struct {
	Store

	cache       *gocache.Cache
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewCachedStore wraps inner. positiveTTL/negativeTTL default to 5m/30s.
func NewCachedStore(inner Store, positiveTTL, negativeTTL time.Duration) *CachedStore {
	if positiveTTL <= 0 {
		positiveTTL = 5 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 30 * time.Second
	}
	return &CachedStore{
		Store:       inner,
		cache:       gocache.New(positiveTTL, 10*time.Minute),
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

func (c *CachedStore) GetLaunchConfig(ctx context.Context, iss, clientID, deploymentID string) (LaunchConfig, error) {
	key := LaunchConfigKey(iss, clientID, deploymentID)
	if v, ok := c.cache.Get(key); ok {
		entry := v.(launchConfigEntry)
		if !entry.found {
			return LaunchConfig{}, ErrNotFound
		}
		return entry.cfg, nil
	}

	cfg, err := c.Store.GetLaunchConfig(ctx, iss, clientID, deploymentID)
	switch {
	case err == nil:
		c.cache.Set(key, launchConfigEntry{cfg: cfg, found: true}, c.positiveTTL)
		return cfg, nil
	case errors.Is(err, ErrNotFound):
		c.cache.Set(key, launchConfigEntry{}, c.negativeTTL)
		return LaunchConfig{}, ErrNotFound
	default:
		// Backend trouble is not a confirmed absence; cache nothing.
		return LaunchConfig{}, err
	}
}

// Writes flush after the inner store commits: a flush taken before the
// write leaves a window where a concurrent read re-caches the pre-update
// value and pins it for the positive TTL.
func (c *CachedStore) SaveLaunchConfig(ctx context.Context, cfg LaunchConfig) error {
	err := c.Store.SaveLaunchConfig(ctx, cfg)
	c.cache.Flush()
	return err
}

func (c *CachedStore) UpdateClient(ctx context.Context, cl Client) error {
	err := c.Store.UpdateClient(ctx, cl)
	c.cache.Flush()
	return err
}

func (c *CachedStore) DeleteClient(ctx context.Context, id string) error {
	err := c.Store.DeleteClient(ctx, id)
	c.cache.Flush()
	return err
}

func (c *CachedStore) CreateDeployment(ctx context.Context, d Deployment) error {
	err := c.Store.CreateDeployment(ctx, d)
	c.cache.Flush()
	return err
}

func (c *CachedStore) UpdateDeployment(ctx context.Context, d Deployment) error {
	err := c.Store.UpdateDeployment(ctx, d)
	c.cache.Flush()
	return err
}

func (c *CachedStore) DeleteDeployment(ctx context.Context, id string) error {
	err := c.Store.DeleteDeployment(ctx, id)
	c.cache.Flush()
	return err
}
