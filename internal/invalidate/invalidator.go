package invalidate

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scoutbase/trailsync/internal/metrics"
	"github.com/scoutbase/trailsync/internal/store"
)

// Invalidator computes and deletes the key set a domain mutation dirties.
// Eviction is deliberately over-inclusive: extra cache misses beat stale
// financial or authorization data surviving a confirmed write.
type Invalidator struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// New wires an invalidator over the given store and domain registry.
func New(st store.Store, registry *Registry, logger *slog.Logger, recorder *metrics.Recorder) *Invalidator {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		store:    st,
		registry: registry,
		logger:   logger.With(slog.String("component", "invalidator")),
		recorder: recorder,
	}
}

// Registry exposes the domain registry so the domains-file watcher can swap
// definitions on reload.
func (inv *Invalidator) Registry() *Registry {
	return inv.registry
}

// Evict deletes the union of the domain's well-known keys, the keys
// parameterized by params, and every stored key matching the domain's
// prefixes. Individual deletion failures are logged and do not abort the
// sweep; the write this eviction follows already succeeded server-side.
func (inv *Invalidator) Evict(ctx context.Context, domain string, params map[string]string) error {
	def, ok := inv.registry.Lookup(domain)
	if !ok {
		inv.logger.Warn("eviction requested for unknown domain", slog.String("domain", domain))
		return nil
	}

	targets := make(map[string]struct{})
	for _, key := range def.Static {
		targets[key] = struct{}{}
	}
	for param, stems := range def.Scoped {
		value, ok := params[param]
		if !ok || value == "" {
			continue
		}
		for _, stem := range stems {
			targets[Key(stem, value)] = struct{}{}
		}
	}

	// Prefix sweep catches keys created with ids the caller never saw
	// (per-category, per-fiscal-year, per-participant aggregates).
	if len(def.Prefixes) > 0 {
		keys, err := inv.store.Keys(ctx)
		if err != nil {
			// A failed enumeration degrades to the statically-known set.
			inv.logger.Warn("key enumeration failed, evicting known keys only",
				slog.String("domain", domain), slog.Any("error", err))
		}
		for _, key := range keys {
			for _, prefix := range def.Prefixes {
				if strings.HasPrefix(key, prefix) {
					targets[key] = struct{}{}
					break
				}
			}
		}
	}

	ordered := make([]string, 0, len(targets))
	for key := range targets {
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		start := time.Now()
		if err := inv.store.Delete(ctx, key); err != nil {
			inv.recorder.ObserveCache(inv.store.Backend(), metrics.CacheOperationDelete, metrics.CacheError, time.Since(start))
			inv.logger.Warn("evict delete failed",
				slog.String("domain", domain), slog.String("key", key), slog.Any("error", err))
			continue
		}
		inv.recorder.ObserveCache(inv.store.Backend(), metrics.CacheOperationDelete, metrics.CacheOK, time.Since(start))
	}

	inv.logger.Debug("domain evicted", slog.String("domain", domain), slog.Int("keys", len(ordered)))
	return nil
}
