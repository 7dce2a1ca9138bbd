package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TieredConfig defines tiered rate limiting configuration. A zero limit
// disables the tier.
type TieredConfig struct {
	IPLimit        int64
	IPWindow       time.Duration
	UserLimit      int64
	UserWindow     time.Duration
	EndpointLimits map[string]EndpointLimit
}

// EndpointLimit defines rate limit for a specific route, keyed by
// "METHOD /route/pattern".
type EndpointLimit struct {
	Limit  int64
	Window time.Duration
}

// TieredLimiter is a sliding-window limiter shared across instances through
// Redis sorted sets.
type TieredLimiter struct {
	redis  redis.Cmdable
	prefix string
	config TieredConfig
	logger *zap.Logger
}

// NewTieredLimiter creates a new tiered rate limiter
func NewTieredLimiter(client redis.Cmdable, prefix string, config TieredConfig, logger *zap.Logger) *TieredLimiter {
	return &TieredLimiter{
		redis:  client,
		prefix: prefix,
		config: config,
		logger: logger,
	}
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	LimitedBy  string
}

// Check performs tiered rate limit check
func (l *TieredLimiter) Check(ctx context.Context, ip, userID, endpoint string) (*CheckResult, error) {
	if l.config.IPLimit > 0 && ip != "" {
		allowed, remaining, err := l.checkLimit(ctx, "ip", ip, l.config.IPLimit, l.config.IPWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Remaining: remaining, RetryAfter: l.config.IPWindow, LimitedBy: "ip"}, nil
		}
	}

	if l.config.UserLimit > 0 && userID != "" {
		allowed, remaining, err := l.checkLimit(ctx, "user", userID, l.config.UserLimit, l.config.UserWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Remaining: remaining, RetryAfter: l.config.UserWindow, LimitedBy: "user"}, nil
		}
	}

	if endpointLimit, ok := l.config.EndpointLimits[endpoint]; ok {
		key := fmt.Sprintf("%s:%s", endpoint, ip)
		if userID != "" {
			key = fmt.Sprintf("%s:%s", endpoint, userID)
		}
		allowed, remaining, err := l.checkLimit(ctx, "endpoint", key, endpointLimit.Limit, endpointLimit.Window)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &CheckResult{Remaining: remaining, RetryAfter: endpointLimit.Window, LimitedBy: "endpoint"}, nil
		}
	}

	return &CheckResult{Allowed: true, Remaining: -1}, nil
}

func (l *TieredLimiter) checkLimit(ctx context.Context, tier, key string, limit int64, window time.Duration) (bool, int64, error) {
	redisKey := fmt.Sprintf("%s:%s:%s", l.prefix, tier, key)
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := l.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCount(ctx, redisKey, strconv.FormatInt(windowStart.UnixNano(), 10), "+inf")
	pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := countCmd.Val()
	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}

	return count < limit, remaining, nil
}

// Middleware enforces the limiter per client IP, per user (taken from the
// userParam path parameter) and per matched route. Redis errors fail open.
func (l *TieredLimiter) Middleware(userParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.Request.Method + " " + c.FullPath()
		result, err := l.Check(c.Request.Context(), c.ClientIP(), c.Param(userParam), endpoint)
		if err != nil {
			l.logger.Warn("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":       "RATE_LIMITED",
				"message":    "Too many requests",
				"details":    gin.H{"limited_by": result.LimitedBy},
				"request_id": c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}
