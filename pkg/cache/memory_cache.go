package cache

import (
	"container/list"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// MemoryCache is an in-process LRU cache with per-entry TTL. Expired
// entries are dropped lazily at access time and by a periodic cleanup.
type MemoryCache struct {
	config   config.CacheConfig
	logger   *slog.Logger
	items    map[string]*list.Element
	lruList  *list.List
	mutex    sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once

	hits   int64
	misses int64
}

type cacheItem struct {
	fingerprint string
	response    *types.RagQueryResponse
	expiresAt   time.Time
}

// NewMemoryCache creates the cache and starts the expiry cleanup loop.
func NewMemoryCache(cfg config.CacheConfig, logger *slog.Logger) *MemoryCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MemoryCache{
		config:   cfg,
		logger:   logger.With("component", "response-cache"),
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
		stopChan: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached response and refreshes its LRU position.
func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (*types.RagQueryResponse, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, ok := c.items[fingerprint]
	if !ok {
		c.misses++
		return nil, false
	}
	item := elem.Value.(*cacheItem)
	if time.Now().After(item.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}
	c.lruList.MoveToFront(elem)
	c.hits++
	return item.response, true
}

// Put stores a response, evicting the least recently used entry when full.
func (c *MemoryCache) Put(ctx context.Context, fingerprint string, response *types.RagQueryResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if elem, ok := c.items[fingerprint]; ok {
		item := elem.Value.(*cacheItem)
		item.response = response
		item.expiresAt = time.Now().Add(ttl)
		c.lruList.MoveToFront(elem)
		return
	}

	for c.config.MaxItems > 0 && c.lruList.Len() >= c.config.MaxItems {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	elem := c.lruList.PushFront(&cacheItem{
		fingerprint: fingerprint,
		response:    response,
		expiresAt:   time.Now().Add(ttl),
	})
	c.items[fingerprint] = elem
}

// InvalidateTenant drops every entry whose fingerprint belongs to the tenant.
func (c *MemoryCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	prefix := tenantID + ":"

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var removed int
	for fp, elem := range c.items {
		if strings.HasPrefix(fp, prefix) {
			c.removeElement(elem)
			removed++
		}
	}
	c.logger.Info("Invalidated tenant cache", "tenant_id", tenantID, "entries", removed)
	return nil
}

// Stats reports hit/miss counters.
func (c *MemoryCache) Stats() (hits, misses int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hits, c.misses
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	delete(c.items, item.fingerprint)
	c.lruList.Remove(elem)
}

func (c *MemoryCache) cleanupLoop() {
	interval := c.config.TTL
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *MemoryCache) removeExpired() {
	now := time.Now()
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, elem := range c.items {
		if now.After(elem.Value.(*cacheItem).expiresAt) {
			c.removeElement(elem)
		}
	}
}

// Close stops the cleanup loop.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}
