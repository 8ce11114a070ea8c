package rating

import "time"

// PlanCache caches compiled evaluation plans per version id. Only plans
// for published versions are ever cached: a published step set is frozen,
// so its validation result, order, and compiled expressions are pure with
// respect to the version id. Draft plans must always be rebuilt.
type PlanCache interface {
	// Get retrieves a cached plan, nil on miss or expiry.
	Get(versionID string) *EvaluationPlan

	// Set stores a plan.
	Set(versionID string, plan *EvaluationPlan)

	// Invalidate drops one version's plan.
	Invalidate(versionID string)

	// InvalidateAll clears the cache.
	InvalidateAll()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL is the time-to-live for cached plans.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for plan caching.
func DefaultCacheConfig() CacheConfig {
	// Published versions never change, so plans never go stale.
	return CacheConfig{TTL: 0}
}
