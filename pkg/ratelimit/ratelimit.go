package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	Remaining() int
}

// SlidingWindow 滑动窗口速率限制器：任意 window 内最多 limit 次
type SlidingWindow struct {
	limit    int
	window   time.Duration
	requests []time.Time // 窗口内请求时间，按时间升序
	mu       sync.Mutex
	now      func() time.Time
}

// NewSlidingWindow 创建滑动窗口速率限制器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

func (sw *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

// Allow 检查并占用一次配额
func (sw *SlidingWindow) Allow() bool {
	_, ok := sw.reserve()
	return ok
}

// reserve 成功时占用配额；失败时返回需要等待的时间
func (sw *SlidingWindow) reserve() (time.Duration, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	sw.pruneLocked(now)
	if len(sw.requests) < sw.limit {
		sw.requests = append(sw.requests, now)
		return 0, true
	}
	return sw.requests[0].Add(sw.window).Sub(now), false
}

// Wait 等待直到允许请求，ctx 结束时返回 ctx.Err()
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		wait, ok := sw.reserve()
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 当前窗口剩余配额
func (sw *SlidingWindow) Remaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.pruneLocked(sw.now())
	return sw.limit - len(sw.requests)
}

// Manager 按端点分配限流器，未单独配置的端点共用默认限流器
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]RateLimiter
	fallback RateLimiter
}

// NewManager 创建管理器，fallback 可以为 nil（未配置端点不限流）
func NewManager(fallback RateLimiter) *Manager {
	return &Manager{limiters: make(map[string]RateLimiter), fallback: fallback}
}

// Set 为端点设置独立的限流器
func (m *Manager) Set(endpoint string, l RateLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[endpoint] = l
}

// Limiter 获取端点对应的限流器
func (m *Manager) Limiter(endpoint string) RateLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limiters[endpoint]; ok {
		return l
	}
	return m.fallback
}

// Wait 等待端点配额
func (m *Manager) Wait(ctx context.Context, endpoint string) error {
	if m == nil {
		return nil
	}
	l := m.Limiter(endpoint)
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
