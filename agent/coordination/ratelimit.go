package coordination

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// =============================================================================
// 🚦 按 IP 限流
// =============================================================================

// rateLimiter 按来源 IP 做固定窗口限流。每个窗口开始时换一个满桶，
// 桶每个窗口只补充一个令牌，窗口内补充量不足一个，因此一个窗口最多放行 limit 次。
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    int
	window   time.Duration
	clock    clock.PassiveClock
}

type visitor struct {
	limiter     *rate.Limiter
	windowStart time.Time
}

func newRateLimiter(limit int, window time.Duration, c clock.PassiveClock) *rateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		window:   window,
		clock:    c,
	}
}

func (l *rateLimiter) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.window), l.limit)
}

// Allow 计入 ip 当前窗口的一次请求
func (l *rateLimiter) Allow(ip string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: l.newBucket(), windowStart: now}
		l.visitors[ip] = v
	} else if now.Sub(v.windowStart) >= l.window {
		v.limiter = l.newBucket()
		v.windowStart = now
	}
	return v.limiter.AllowN(now, 1)
}

// Prune 删除当前窗口已结束的 IP，下一次请求本来也会开启新窗口
func (l *rateLimiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, v := range l.visitors {
		if now.Sub(v.windowStart) >= l.window {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Len 返回跟踪中的 IP 数
func (l *rateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
