// Package ratelimit guards the HTTP status surface with an IP-keyed rate
// limit (HTTPLimiter, this file) and gates inbound WS frames with a
// per-client token bucket (Bucket, bucket.go) — two distinct concerns that
// share a package because both answer "is this caller over its budget?".
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
)

// HTTPLimiter rate-limits requests to the HTTP status surface by source IP.
type HTTPLimiter struct {
	limiter *limiter.Limiter
}

// NewHTTPLimiter builds an IP-keyed limiter from a ulule/limiter formatted
// rate (e.g. "60-M"). redisClient may be nil, in which case the limiter
// keeps its counters in process memory.
func NewHTTPLimiter(formattedRate string, redisClient *redis.Client) (*HTTPLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, fmt.Errorf("invalid http rate limit: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "signalbroker:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return &HTTPLimiter{limiter: limiter.New(store, rate)}, nil
}

// Middleware returns a Gin middleware enforcing the limiter per source IP.
// A store failure fails open (the request proceeds) since the status
// surface is informational, not the data plane.
func (h *HTTPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		result, err := h.limiter.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "http rate limiter store failed")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.FormatInt(result.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": result.Reset,
			})
			return
		}

		c.Next()
	}
}
