//
//  Copyright © Control Core Inc. All rights reserved.
//

package pip

import (
	"context"
	"sync"
	"time"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/controlcore/controlplane/pkg/core/vault"
	"golang.org/x/sync/singleflight"
)

var logger = logging.GetLogger("controlplane.pip")

const agent = "pip"

const (
	defaultTTL = 300 * time.Second

	// refreshTimeout bounds the shared provider fetch.  The fetch runs
	// detached from the initiating caller so one caller's cancellation
	// cannot abort the refresh the other singleflight waiters share.
	refreshTimeout = 30 * time.Second
)

type entry struct {
	attrs     Attributes
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.fetchedAt) < e.ttl
}

// Cache is the attribute cache in front of the providers.
//
// Concurrent lookups for the same expired collection collapse into one
// provider fetch via singleflight; the losers share the winner's result.
type Cache struct {
	store    store.Store
	vault    *vault.Vault
	provider Provider

	mu      sync.Mutex
	entries map[string]*entry
	limit   int

	flight singleflight.Group
}

// NewCache creates a Cache with the configured size bound.
func NewCache(s store.Store, v *vault.Vault, provider Provider) *Cache {
	return &Cache{
		store:    s,
		vault:    v,
		provider: provider,
		entries:  map[string]*entry{},
		limit:    config.VConfig.GetInt(config.PIPCacheSize),
	}
}

func cacheKey(tenantID string, env model.Environment, connectionID string) string {
	return tenantID + "/" + string(env) + "/" + connectionID
}

// Lookup returns the connection's attribute collection.  The second
// return is true when the value is past its TTL but the refresh failed
// and the last known value is being served.
func (c *Cache) Lookup(ctx context.Context, tenantID string, env model.Environment, connectionID string) (Attributes, bool, error) {
	key := cacheKey(tenantID, env, connectionID)
	now := time.Now()

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok && cached.fresh(now) {
		return cached.attrs, false, nil
	}

	attrs, err, _ := c.flight.Do(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return c.refresh(fctx, tenantID, env, connectionID)
	})
	if err != nil {
		if ok {
			// stale but usable
			logger.Warnf(agent, "Lookup", "serving stale attributes for %s: %+v", key, err)
			return cached.attrs, true, nil
		}
		return nil, false, err
	}

	return attrs.(Attributes), false, nil
}

// Invalidate drops the cached collection so the next lookup refetches.
func (c *Cache) Invalidate(tenantID string, env model.Environment, connectionID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(tenantID, env, connectionID))
	c.mu.Unlock()
}

// BulkRefresh forces a refetch of every connection in the environment.
// Returns the first error encountered, after attempting all connections.
func (c *Cache) BulkRefresh(ctx context.Context, tenantID string, env model.Environment) error {
	conns, err := c.store.PIPConnections().List(ctx, tenantID, env, store.Page{Limit: 1000})
	if err != nil {
		return err
	}

	var firstErr error
	for _, conn := range conns {
		c.Invalidate(tenantID, env, conn.ID)
		if _, _, err := c.Lookup(ctx, tenantID, env, conn.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Collect merges the attribute collections of every connection in the
// environment into one map for decision input.  Stale collections are
// included; the anyStale return tells the caller at least one was.
func (c *Cache) Collect(ctx context.Context, tenantID string, env model.Environment) (Attributes, bool, error) {
	conns, err := c.store.PIPConnections().List(ctx, tenantID, env, store.Page{Limit: 1000})
	if err != nil {
		return nil, false, err
	}

	merged := Attributes{}
	anyStale := false
	for _, conn := range conns {
		attrs, stale, err := c.Lookup(ctx, tenantID, env, conn.ID)
		if err != nil {
			return nil, false, err
		}
		anyStale = anyStale || stale
		for path, value := range attrs {
			merged[path] = value
		}
	}
	return merged, anyStale, nil
}

// refresh fetches from the provider and records the outcome on the
// connection row.
func (c *Cache) refresh(ctx context.Context, tenantID string, env model.Environment, connectionID string) (Attributes, error) {
	conn, err := c.store.PIPConnections().Get(ctx, tenantID, connectionID, env)
	if err != nil {
		return nil, err
	}

	var credential []byte
	if conn.CredentialVaultID != "" {
		credential, err = c.vault.Reveal(ctx, tenantID, conn.CredentialVaultID)
		if err != nil {
			return nil, common.WrapError(common.KindInternal, "revealing provider credential", err)
		}
	}

	attrs, err := c.provider.Fetch(ctx, conn, credential)
	now := time.Now()
	if err != nil {
		if markErr := c.store.PIPConnections().MarkSynced(ctx, tenantID, connectionID, env, now.UTC(), "error"); markErr != nil {
			logger.Warnf(agent, "refresh", "failed recording sync error for %s: %+v", connectionID, markErr)
		}
		return nil, err
	}

	ttl := time.Duration(conn.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}

	c.mu.Lock()
	c.entries[cacheKey(tenantID, env, connectionID)] = &entry{
		attrs:     attrs,
		fetchedAt: now,
		ttl:       ttl,
	}
	c.evictLocked()
	c.mu.Unlock()

	if err := c.store.PIPConnections().MarkSynced(ctx, tenantID, connectionID, env, now.UTC(), "ok"); err != nil {
		logger.Warnf(agent, "refresh", "failed recording sync for %s: %+v", connectionID, err)
	}

	return attrs, nil
}

// evictLocked bounds the cache by dropping the oldest entries.  Caller
// holds the mutex.
func (c *Cache) evictLocked() {
	if c.limit <= 0 {
		return
	}
	for len(c.entries) > c.limit {
		oldestKey := ""
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.fetchedAt.Before(oldest) {
				oldestKey = key
				oldest = e.fetchedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
