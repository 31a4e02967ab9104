package middlewares

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const CorrelationHeader = "X-Correlation-Id"

// CorrelationMiddleware takes the caller's correlation id or mints one, puts it in the
// request context and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(CorrelationHeader, cid)
		c.Next()
	}
}

// ErrorLogger logs only requests that recorded errors, at warn for client errors.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"correlation_id": cid,
			"actor":          utils.GetActorFromContext(c.Request.Context()),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error(c.Errors.String())
			return
		}
		entry.Warn(c.Errors.String())
	}
}

// RateLimiter is a fixed window counter in Redis keyed by actor, or client IP for anonymous calls.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// WithClient returns a copy bound to client, for limiters built before Redis connects.
func (rl *RateLimiter) WithClient(client *redis.Client) *RateLimiter {
	if rl == nil {
		return nil
	}
	cp := *rl
	cp.client = client
	return &cp
}

func (rl *RateLimiter) key(c *gin.Context) string {
	if username, ok := utils.GetUsernameFromContext(c.Request.Context()); ok && username != "" {
		return "ratelimit:user:" + username
	}
	return "ratelimit:ip:" + c.ClientIP()
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	if rl == nil || rl.client == nil {
		c.Next()
		return
	}
	key := rl.key(c)

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// Fail open when Redis is unavailable.
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := rl.client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	if count > rl.limit {
		c.Header("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			"code":  "RateLimited",
		})
		return
	}

	c.Next()
}
