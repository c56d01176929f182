package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/stkpay/internal/config"
)

const keyPhoneInitiation = "stkpay:stk:phone:%s"

var ErrRateLimited = errors.New("rate_limited")

// InitiationLimiter caps STK prompts per phone number across instances.
type InitiationLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewInitiationLimiter(cfg config.Config, client *redis.Client) (*InitiationLimiter, error) {
	if client == nil {
		return &InitiationLimiter{}, nil
	}
	limit := cfg.RateLimit
	if limit.PhonePerMinute <= 0 || limit.PhoneBurst <= 0 {
		return nil, errors.New("stk push phone rate limit must be positive")
	}
	return &InitiationLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limit.PhonePerMinute / 60,
		burst:   limit.PhoneBurst,
	}, nil
}

func (l *InitiationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowPhone consumes one token for phone. A disabled limiter always allows.
func (l *InitiationLimiter) AllowPhone(ctx context.Context, phone string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPhoneInitiation, strings.TrimSpace(phone)), l.rate, l.burst)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return res, fmt.Errorf("%w: retry after %s", ErrRateLimited, res.RetryAfter.Round(time.Second))
	}
	return res, nil
}
