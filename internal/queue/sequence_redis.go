package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sequenceKeyTTL = 48 * time.Hour

// RedisAllocator serializes each date on a single INCR key, so every process sharing the
// Redis instance gets distinct numbers.
type RedisAllocator struct {
	client *redis.Client
	prefix string
}

func NewRedisAllocator(client *redis.Client, prefix string) *RedisAllocator {
	if prefix == "" {
		prefix = "queue:seq:"
	}
	return &RedisAllocator{client: client, prefix: prefix}
}

func (a *RedisAllocator) key(date time.Time) string {
	return a.prefix + DayKey(date)
}

func (a *RedisAllocator) Allocate(ctx context.Context, date time.Time) (string, error) {
	key := a.key(date)

	pipe := a.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, sequenceKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("incr %s: %w", key, err)
	}

	n := incr.Val()
	if n > MaxDailySequence {
		return "", newError(KindCapacityExceeded,
			fmt.Sprintf("sequence for %s exhausted at %d", DayKey(date), MaxDailySequence))
	}
	return FormatQueueNumber(date, int(n)), nil
}

func (a *RedisAllocator) Current(ctx context.Context, date time.Time) (int, error) {
	val, err := a.client.Get(ctx, a.key(date)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", a.key(date), err)
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", a.key(date), err)
	}
	if n > MaxDailySequence {
		n = MaxDailySequence
	}
	return n, nil
}
