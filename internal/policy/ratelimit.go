package policy

import (
	"sync"
	"time"
)

// SlidingWindowLimiter 滑动窗口限流器（按请求类别计数）
//
// 计数窗口是共享可变状态，按键加锁；读取不会观察到部分更新的窗口。
// 被拒绝的请求不计入窗口，窗口过期后计数自然归零（无负数计数）。
type SlidingWindowLimiter struct {
	window    time.Duration
	limit     int
	overrides map[string]int // 按类别覆盖上限

	mu   sync.Mutex
	hits map[string][]time.Time // key -> 窗口内的通过时间戳
}

// NewSlidingWindowLimiter 创建限流器
func NewSlidingWindowLimiter(window time.Duration, limit int, overrides map[string]int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		window:    window,
		limit:     limit,
		overrides: overrides,
		hits:      make(map[string][]time.Time),
	}
}

// Allow 判断是否放行并记录（放行时计数 +1）
func (l *SlidingWindowLimiter) Allow(key string, now time.Time) bool {
	limit := l.limit
	if o, ok := l.overrides[key]; ok {
		limit = o
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 淘汰窗口之外的时间戳
	cutoff := now.Add(-l.window)
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.hits[key] = kept
		return false
	}

	l.hits[key] = append(kept, now)
	return true
}

// Count 当前窗口内的计数（诊断用）
func (l *SlidingWindowLimiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	n := 0
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
