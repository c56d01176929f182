package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

const summaryKeyPrefix = "stkpay:summary:"

// RedisSummaryStore shares computed summaries between instances.
type RedisSummaryStore struct {
	client *redis.Client
}

func NewRedisSummaryStore(client *redis.Client) *RedisSummaryStore {
	if client == nil {
		return nil
	}
	return &RedisSummaryStore{client: client}
}

func (s *RedisSummaryStore) Get(ctx context.Context, windowDays int) (domain.PaymentSummary, bool, error) {
	var summary domain.PaymentSummary
	raw, err := s.client.Get(ctx, summaryKey(windowDays)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return summary, false, nil
		}
		return summary, false, err
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return summary, false, err
	}
	return summary, true, nil
}

func (s *RedisSummaryStore) Set(ctx context.Context, windowDays int, summary domain.PaymentSummary, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, summaryKey(windowDays), raw, ttl).Err()
}

// Invalidate removes every cached summary window.
func (s *RedisSummaryStore) Invalidate(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, summaryKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func summaryKey(windowDays int) string {
	return fmt.Sprintf("%s%d", summaryKeyPrefix, windowDays)
}
