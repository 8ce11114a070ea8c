package rating

import (
	"sync"
	"time"
)

// InMemoryPlanCache is a simple in-memory implementation of PlanCache.
// Thread-safe for concurrent access.
type InMemoryPlanCache struct {
	plans  map[string]cachedPlan
	config CacheConfig
	mu     sync.RWMutex
}

type cachedPlan struct {
	plan     *EvaluationPlan
	cachedAt time.Time
}

// NewInMemoryPlanCache creates a new in-memory plan cache.
func NewInMemoryPlanCache(config CacheConfig) *InMemoryPlanCache {
	return &InMemoryPlanCache{
		plans:  make(map[string]cachedPlan),
		config: config,
	}
}

func (c *InMemoryPlanCache) Get(versionID string) *EvaluationPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.plans[versionID]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		return nil
	}
	return entry.plan
}

func (c *InMemoryPlanCache) Set(versionID string, plan *EvaluationPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plans[versionID] = cachedPlan{plan: plan, cachedAt: time.Now()}
}

func (c *InMemoryPlanCache) Invalidate(versionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.plans, versionID)
}

func (c *InMemoryPlanCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plans = make(map[string]cachedPlan)
}
