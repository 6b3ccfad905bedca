package rules

import (
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/liamcoop/dealflow/entity"
)

// RulesCache caches active rule lists per entity type and trigger.
// Cached rules are shared and must not be mutated by callers.
type RulesCache interface {
	// Get returns the cached rules and whether the key was present
	Get(entityType entity.Type, trigger TriggerType) ([]*BusinessRule, bool)

	// Set stores the active rules for the key
	Set(entityType entity.Type, trigger TriggerType, rules []*BusinessRule)

	// Invalidate drops every entry, forcing a reload on next Get
	Invalidate()
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// 0 means no expiration; entries are dropped only on rule mutations.
	TTL time.Duration

	// CleanupInterval is how often expired entries are purged
	CleanupInterval time.Duration
}

// DefaultCacheConfig invalidates only on mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:             0,
		CleanupInterval: 10 * time.Minute,
	}
}

// InMemoryRulesCache is a go-cache backed RulesCache
type InMemoryRulesCache struct {
	cache *c.Cache
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = c.NoExpiration
	}
	return &InMemoryRulesCache{
		cache: c.New(ttl, config.CleanupInterval),
	}
}

func cacheKey(entityType entity.Type, trigger TriggerType) string {
	return string(entityType) + "|" + string(trigger)
}

// Get retrieves cached rules
func (ch *InMemoryRulesCache) Get(entityType entity.Type, trigger TriggerType) ([]*BusinessRule, bool) {
	v, found := ch.cache.Get(cacheKey(entityType, trigger))
	if !found {
		return nil, false
	}
	cached := v.([]*BusinessRule)
	rulesCopy := make([]*BusinessRule, len(cached))
	copy(rulesCopy, cached)
	return rulesCopy, true
}

// Set stores rules in cache
func (ch *InMemoryRulesCache) Set(entityType entity.Type, trigger TriggerType, rules []*BusinessRule) {
	rulesCopy := make([]*BusinessRule, len(rules))
	copy(rulesCopy, rules)
	ch.cache.SetDefault(cacheKey(entityType, trigger), rulesCopy)
}

// Invalidate clears the cache
func (ch *InMemoryRulesCache) Invalidate() {
	ch.cache.Flush()
}
