// Package invalidate translates domain-level mutation events into the exact
// set of cache keys to delete.
package invalidate

import (
	"strings"
	"sync"

	"github.com/scoutbase/trailsync/internal/config"
)

// Key builds a structured cache key from a stem and scoping parameters:
// Key("budget_items_cat", "12") -> "budget_items_cat_12". Feature modules and
// the invalidator share this builder so key shapes never drift apart.
func Key(stem string, params ...string) string {
	if len(params) == 0 {
		return stem
	}
	return stem + "_" + strings.Join(params, "_")
}

// Registry holds the current domain definitions. It is swapped wholesale when
// the domains file reloads, so eviction always sees one consistent view.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]config.DomainConfig
}

// NewRegistry seeds a registry with the built-in domains overlaid by any
// configured definitions.
func NewRegistry(overrides map[string]config.DomainConfig) *Registry {
	r := &Registry{domains: BuiltinDomains()}
	r.Merge(overrides)
	return r
}

// Merge overlays definitions onto the registry, replacing whole domains.
func (r *Registry) Merge(defs map[string]config.DomainConfig) {
	if len(defs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, def := range defs {
		r.domains[name] = def
	}
}

// Replace swaps the registry for the built-ins overlaid by defs.
func (r *Registry) Replace(defs map[string]config.DomainConfig) {
	merged := BuiltinDomains()
	for name, def := range defs {
		merged[name] = def
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = merged
}

// Lookup returns the definition for domain.
func (r *Registry) Lookup(domain string) (config.DomainConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.domains[domain]
	return def, ok
}

// Domains lists the registered domain names.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.domains))
	for name := range r.domains {
		names = append(names, name)
	}
	return names
}

// BuiltinDomains declares the key space each built-in domain owns: the fixed
// keys it always caches, the scoped key stems parameterized by mutation
// params, and the prefixes swept for keys created with ids the invalidator
// was never told about.
func BuiltinDomains() map[string]config.DomainConfig {
	return map[string]config.DomainConfig{
		"budgets": {
			Static: []string{"budget_categories", "budget_summary"},
			Scoped: map[string][]string{
				"category": {"budget_items_cat"},
			},
			Prefixes: []string{"budget_items", "budget_categories"},
		},
		"finance": {
			Static: []string{"finance_report", "payment_plans"},
			Scoped: map[string][]string{
				"fiscal": {"fiscal"},
				"fee":    {"fee_payments"},
			},
			Prefixes: []string{"payment_plans_", "fiscal_", "fee_payments_"},
		},
		"activities": {
			Static: []string{"activities"},
			Scoped: map[string][]string{
				"activity": {"activity_participants", "activity_detail"},
			},
			Prefixes: []string{"activity_"},
		},
		"roles": {
			Static: []string{"district_roles", "role_bundles"},
			Scoped: map[string][]string{
				"org":  {"org_members"},
				"user": {"user_roles"},
			},
			Prefixes: []string{"user_roles_", "org_members_"},
		},
		"permissions": {
			Static: []string{"permission_slips"},
			Scoped: map[string][]string{
				"activity": {"permission_slips_act"},
			},
			Prefixes: []string{"permission_slips_"},
		},
	}
}
