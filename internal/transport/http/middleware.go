package http

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/maintrail/maintrail/internal/metrics"
)

// tenantFrom resolves the tenant a request operates on, from the query
// string or the X-Tenant-ID header. Empty for tenant-less endpoints
// like /healthz.
func tenantFrom(c *gin.Context) string {
	if t := c.Query("tenant_id"); t != "" {
		return t
	}
	return c.GetHeader("X-Tenant-ID")
}

// LoggingMiddleware logs one line per request, tagged with the tenant
// being operated on, and feeds the request counter.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		log.Infow("ops request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"tenant_id", tenantFrom(c),
			"duration", time.Since(start),
		)
	}
}

// RateLimitMiddleware keeps one token bucket per tenant, so a single
// tenant's bulk retries cannot starve the rest of the ops surface.
// Requests without a tenant fall back to a per-IP bucket.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	return func(c *gin.Context) {
		key := tenantFrom(c)
		if key == "" {
			key, _, _ = net.SplitHostPort(c.Request.RemoteAddr)
		}
		mu.Lock()
		lim, ok := buckets[key]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			buckets[key] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
