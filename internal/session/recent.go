package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/store"
)

// Recent is a short most-recent-first list of symbols the user referenced.
type Recent interface {
	Add(ctx context.Context, symbol string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

type MemoryRecent struct {
	mu    sync.Mutex
	limit int
	items []string
}

func NewMemoryRecent(limit int) *MemoryRecent {
	if limit <= 0 {
		limit = 10
	}
	return &MemoryRecent{limit: limit}
}

func (r *MemoryRecent) Add(_ context.Context, symbol string) error {
	symbol = store.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.limit)
	out = append(out, symbol)
	for _, s := range r.items {
		if s != symbol && len(out) < r.limit {
			out = append(out, s)
		}
	}
	r.items = out
	return nil
}

func (r *MemoryRecent) List(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...), nil
}

func (r *MemoryRecent) Close() error { return nil }

// RedisRecent keeps the list in a Redis list so it outlives the process.
type RedisRecent struct {
	rdb   *redis.Client
	key   string
	limit int
}

func NewRedisRecent(rdb *redis.Client, key string, limit int) *RedisRecent {
	if limit <= 0 {
		limit = 10
	}
	return &RedisRecent{rdb: rdb, key: key, limit: limit}
}

func (r *RedisRecent) Add(ctx context.Context, symbol string) error {
	symbol = store.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	pipe.LRem(ctx, r.key, 0, symbol)
	pipe.LPush(ctx, r.key, symbol)
	pipe.LTrim(ctx, r.key, 0, int64(r.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recent add %s: %w", symbol, err)
	}
	return nil
}

func (r *RedisRecent) List(ctx context.Context) ([]string, error) {
	return r.rdb.LRange(ctx, r.key, 0, int64(r.limit-1)).Result()
}

func (r *RedisRecent) Close() error { return r.rdb.Close() }

// RecentFrom builds the configured list. An unreachable Redis falls back to
// memory; the list is a convenience, not state worth failing over.
func RecentFrom(cfg config.Session) Recent {
	if cfg.RedisAddr == "" {
		return NewMemoryRecent(cfg.RecentLimit)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		observ.Warn("recent_redis_unavailable", map[string]any{"addr": cfg.RedisAddr, "error": err})
		_ = rdb.Close()
		return NewMemoryRecent(cfg.RecentLimit)
	}
	return NewRedisRecent(rdb, "tradedesk:recent_symbols", cfg.RecentLimit)
}
