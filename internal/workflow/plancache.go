package workflow

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultPlanCacheSize = 128

// PlanCache memoizes built plans keyed by workflow id@version. Plans are
// deterministic per version, so entries never go stale; old versions
// simply churn out by LRU.
type PlanCache struct {
	cache    *lru.Cache[string, *Plan]
	defaults Defaults
}

// NewPlanCache creates a cache sized for the given number of workflow
// versions.
func NewPlanCache(size int, defaults Defaults) *PlanCache {
	if size <= 0 {
		size = defaultPlanCacheSize
	}
	cache, err := lru.New[string, *Plan](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		cache, _ = lru.New[string, *Plan](defaultPlanCacheSize)
	}
	return &PlanCache{cache: cache, defaults: defaults}
}

// Plan returns the cached plan for this workflow version, building and
// storing it on a miss.
func (c *PlanCache) Plan(w *Workflow) (*Plan, error) {
	if plan, ok := c.cache.Get(w.Key()); ok {
		return plan, nil
	}
	plan, err := BuildPlan(w, c.defaults)
	if err != nil {
		return nil, err
	}
	c.cache.Add(w.Key(), plan)
	return plan, nil
}

// Invalidate drops a cached plan, used when a workflow is deleted.
func (c *PlanCache) Invalidate(key string) {
	c.cache.Remove(key)
}

// InvalidateWorkflow drops every cached version of a workflow id.
// After a delete, version numbering restarts at 1, so a survivor for
// the old id@v1 would shadow the resubmitted definition.
func (c *PlanCache) InvalidateWorkflow(id string) {
	prefix := id + "@"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Len reports how many plans are cached.
func (c *PlanCache) Len() int {
	return c.cache.Len()
}
