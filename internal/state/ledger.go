package state

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	// LedgerTTL is how long a completed clip is remembered.
	LedgerTTL = 7 * 24 * time.Hour

	keyPrefix         = "protect-downloader:clip:"
	memoryLedgerSize  = 4096
	redisLedgerMarker = "1"
)

// Ledger records which clips have been written so a replayed or retried
// motion event does not export the same footage twice.
type Ledger interface {
	Done(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
}

// ClipKey identifies one exported time range of one camera.
func ClipKey(cameraID string, startMillis, endMillis int64) string {
	return fmt.Sprintf("%s:%d:%d", cameraID, startMillis, endMillis)
}

type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(addr, password string) *RedisLedger {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return NewRedisLedgerWithClient(rdb)
}

func NewRedisLedgerWithClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, ttl: LedgerTTL}
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Done(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDone keeps the first completion time; later marks only succeed
// silently.
func (l *RedisLedger) MarkDone(ctx context.Context, key string) error {
	err := l.client.SetNX(ctx, keyPrefix+key, redisLedgerMarker, l.ttl).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

// MemoryLedger is used when no Redis is configured. It forgets everything on
// restart.
type MemoryLedger struct {
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = LedgerTTL
	}
	return &MemoryLedger{cache: expirable.NewLRU[string, struct{}](memoryLedgerSize, nil, ttl)}
}

func (l *MemoryLedger) Done(_ context.Context, key string) (bool, error) {
	_, ok := l.cache.Get(key)
	return ok, nil
}

func (l *MemoryLedger) MarkDone(_ context.Context, key string) error {
	if _, ok := l.cache.Peek(key); !ok {
		l.cache.Add(key, struct{}{})
	}
	return nil
}
