package services

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/TFMV/exprunner/pkg/cache"
)

// StaticEntitlements grants batching from configuration. An empty organization list
// grants every organization when Enabled is set.
type StaticEntitlements struct {
	enabled       bool
	organizations mapset.Set[string]
}

// NewStaticEntitlements creates entitlements from configuration values.
func NewStaticEntitlements(enabled bool, organizations []string) *StaticEntitlements {
	return &StaticEntitlements{
		enabled:       enabled,
		organizations: mapset.NewSet(organizations...),
	}
}

// BatchingAllowed implements Entitlements.
func (e *StaticEntitlements) BatchingAllowed(_ context.Context, organization string) bool {
	if !e.enabled {
		return false
	}
	return e.organizations.Cardinality() == 0 || e.organizations.Contains(organization)
}

// CachedEntitlements memoizes another Entitlements per organization.
type CachedEntitlements struct {
	next  Entitlements
	cache *cache.Service[string, bool]
}

// NewCachedEntitlements wraps next with c. The caller owns c and closes it.
func NewCachedEntitlements(next Entitlements, c *cache.Service[string, bool]) *CachedEntitlements {
	return &CachedEntitlements{next: next, cache: c}
}

// BatchingAllowed implements Entitlements.
func (e *CachedEntitlements) BatchingAllowed(ctx context.Context, organization string) bool {
	allowed, err := e.cache.GetOrLoad(ctx, organization, func(ctx context.Context, org string) (bool, error) {
		return e.next.BatchingAllowed(ctx, org), nil
	})
	return err == nil && allowed
}

// Invalidate drops the memoized decision for organization.
func (e *CachedEntitlements) Invalidate(organization string) {
	e.cache.Invalidate(organization)
}
