// Package cache layers the read-through flow over the local store: serve
// live cached values, fetch and fill on miss, and fall back to stale data
// when the backend is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/scoutbase/trailsync/internal/api"
	"github.com/scoutbase/trailsync/internal/metrics"
	"github.com/scoutbase/trailsync/internal/store"
)

// Cache is the read path feature modules go through.
type Cache struct {
	store    store.Store
	client   api.Requester
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// New wires a read-through cache over the store and backend.
func New(st store.Store, client api.Requester, logger *slog.Logger, recorder *metrics.Recorder) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    st,
		client:   client,
		logger:   logger.With(slog.String("component", "cache")),
		recorder: recorder,
	}
}

// Get returns the live value for key, fetching through action when the cache
// misses and storing the result under ttl. When the backend is unreachable a
// stale value, if any, is served instead: old data beats no data offline.
// Store failures degrade to misses and never fail the read path.
func (c *Cache) Get(ctx context.Context, key, action string, payload any, ttl time.Duration) (json.RawMessage, error) {
	start := time.Now()
	value, ok, err := c.store.Get(ctx, key)
	backend := c.store.Backend()
	switch {
	case err != nil:
		c.recorder.ObserveCache(backend, metrics.CacheOperationGet, metrics.CacheError, time.Since(start))
		c.logger.Warn("cache read failed, treating as miss", slog.String("key", key), slog.Any("error", err))
	case ok:
		c.recorder.ObserveCache(backend, metrics.CacheOperationGet, metrics.CacheHit, time.Since(start))
		return value, nil
	default:
		c.recorder.ObserveCache(backend, metrics.CacheOperationGet, metrics.CacheMiss, time.Since(start))
	}

	resp, err := c.client.Do(ctx, action, payload)
	if err != nil {
		if api.IsUnavailable(err) {
			if stale, ok, staleErr := c.store.GetStale(ctx, key); staleErr == nil && ok {
				c.logger.Info("serving stale value while offline", slog.String("key", key))
				return stale, nil
			}
		}
		return nil, fmt.Errorf("cache: fetch %s: %w", key, err)
	}
	if !resp.Success {
		return nil, &api.RejectionError{Action: action, Message: resp.Message}
	}

	putStart := time.Now()
	if err := c.store.Put(ctx, key, resp.Data, ttl); err != nil {
		c.recorder.ObserveCache(backend, metrics.CacheOperationPut, metrics.CacheError, time.Since(putStart))
		c.logger.Warn("cache fill failed", slog.String("key", key), slog.Any("error", err))
	} else {
		c.recorder.ObserveCache(backend, metrics.CacheOperationPut, metrics.CacheOK, time.Since(putStart))
	}
	return resp.Data, nil
}
