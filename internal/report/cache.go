package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache memoizes consolidated metric sets by (year, monthStart, monthEnd,
// scope). The key carries the whole fingerprint, so a period or scope change
// can never surface a stale result; it simply misses.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: "report:", ttl: ttl}, nil
}

// NewCacheWithClient builds a cache from an existing client (tests).
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "report:", ttl: ttl}
}

func (c *Cache) key(q PeriodQuery, scope Scope) string {
	return fmt.Sprintf("%s%d:%d:%d:%s", c.prefix, q.Year, q.MonthStart, q.MonthEnd, scope.Key())
}

func (c *Cache) Get(ctx context.Context, q PeriodQuery, scope Scope) (MetricSet, bool) {
	data, err := c.client.Get(ctx, c.key(q, scope)).Result()
	if err != nil {
		return nil, false
	}
	var set MetricSet
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return nil, false
	}
	return set, true
}

func (c *Cache) Set(ctx context.Context, q PeriodQuery, scope Scope, set MetricSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal metric set: %w", err)
	}
	if err := c.client.Set(ctx, c.key(q, scope), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache metric set: %w", err)
	}
	return nil
}

// Invalidate drops every cached report. Called after month close writes new
// snapshot rows.
func (c *Cache) Invalidate(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan report keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete report keys: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
