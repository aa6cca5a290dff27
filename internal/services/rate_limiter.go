package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/pkg/models"
)

// RateLimiter keeps a sliding window of request timestamps per client in a redis sorted set.
type RateLimiter struct {
	redis  *redis.Client
	config *config.RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time
}

func NewRateLimiter(redisClient *redis.Client, cfg *config.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Allow records one request for clientKey and reports whether it fits the window.
// Redis failures are permissive.
func (rl *RateLimiter) Allow(ctx context.Context, clientKey string) (bool, *models.RateLimitInfo) {
	limit := rl.config.Requests
	window := rl.config.Window
	now := rl.now()
	key := fmt.Sprintf("ratelimit:client:%s", clientKey)

	info := &models.RateLimitInfo{
		Limit:     limit,
		Remaining: limit - 1,
		ResetTime: now.Add(window).Unix(),
	}

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.WithError(err).WithField("client", clientKey).Warn("Rate limit check failed, allowing request")
		return true, info
	}

	count := int(countCmd.Val())
	info.Remaining = limit - count - 1
	if info.Remaining < 0 {
		info.Remaining = 0
	}

	return count < limit, info
}
