package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/ngapox/malenga-knowledge-clinic/internal/metrics"
)

// maxBuckets 限制同时跟踪的 IP+路由组合数量，超出时淘汰最久未用的桶。
const maxBuckets = 65536

// RL 为每个 IP+路由维护一个令牌桶，桶在 ttl 后过期重建。
type RL struct {
	buckets *expirable.LRU[string, *rate.Limiter]
	r       rate.Limit
	b       int
}

// NewRateLimiter ttl<=0 表示桶永不过期。
func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{
		buckets: expirable.NewLRU[string, *rate.Limiter](maxBuckets, nil, ttl),
		r:       r,
		b:       burst,
	}
}

func (rl *RL) limiter(key string) *rate.Limiter {
	if lim, ok := rl.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	// 并发请求可能各自建桶，后写入者胜出，最多多放行一个突发
	rl.buckets.Add(key, lim)
	return lim
}

// reserve 返回需要等待的时长，0 表示立即放行。
func (rl *RL) reserve(key string) time.Duration {
	res := rl.limiter(key).Reserve()
	if !res.OK() {
		return time.Second
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
	}
	return delay
}

// Middleware 被限流的请求返回 429，Retry-After 取令牌桶给出的等待时间。
func (rl *RL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		if delay := rl.reserve(clientIP(c.Request.RemoteAddr) + "|" + route); delay > 0 {
			metrics.ThrottledTotal.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 以每秒 rps 个请求、突发 burst 构造限速中间件。
func RateLimit(rps, burst int) gin.HandlerFunc {
	return NewRateLimiter(rate.Limit(rps), burst, 2*time.Minute).Middleware()
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
