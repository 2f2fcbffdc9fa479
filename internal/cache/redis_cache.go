package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const receiptPrefix = "receipt:"

type RedisCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(messageID string) string {
	return receiptPrefix + messageID
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(Receipt{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, receiptKey(messageID), b, c.ttl).Err()
}

func (c *RedisCache) Lookup(ctx context.Context, messageID string) (Receipt, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrNoReceipt
	}
	if err != nil {
		return Receipt{}, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt %s: %w", messageID, err)
	}
	return r, nil
}
