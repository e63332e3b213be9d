package cache

import (
	"sync"
	"time"
)

// Cache 通用 TTL 缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Take(key K) (V, bool)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现。过期项在写入时惰性清理，不启动后台 goroutine。
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.Mutex
	defaultTTL time.Duration
	maxItems   int
	now        func() time.Time
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存；maxItems<=0 表示不限制
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration, maxItems int) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
		maxItems:   maxItems,
		now:        time.Now,
	}
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key, false)
}

// Take 获取并删除缓存值（只能被取走一次）
func (c *InMemoryCache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key, true)
}

// Set 设置缓存值，ttl 为 0 时使用默认 TTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.sweepLocked(now)
	if c.maxItems > 0 && len(c.items) >= c.maxItems {
		// 满了就淘汰最早过期的一项
		var oldest K
		var oldestAt time.Time
		first := true
		for k, it := range c.items {
			if first || it.expiresAt.Before(oldestAt) {
				oldest, oldestAt, first = k, it.expiresAt, false
			}
		}
		delete(c.items, oldest)
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: now.Add(ttl),
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取未过期项数量
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.items)
}

func (c *InMemoryCache[K, V]) getLocked(key K, remove bool) (V, bool) {
	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	if remove {
		delete(c.items, key)
	}
	return item.value, true
}

func (c *InMemoryCache[K, V]) sweepLocked(now time.Time) {
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
		}
	}
}
