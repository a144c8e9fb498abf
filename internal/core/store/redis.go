package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/core"
)

const (
	defaultRedisPrefix = "chorus"

	redisLockTTL       = 5 * time.Second
	redisLockPollDelay = 10 * time.Millisecond
	lockSuffix         = ":lock"
)

// releaseLockScript deletes the lock only when it still carries our token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps tiered counters in Redis hashes so several relay
// instances share one quota view. Writers serialize on a per-key lock key.
type RedisStore struct {
	Client    *redis.Client
	Prefix    string
	Retention time.Duration
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, retention time.Duration) (*RedisStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{Client: client, Prefix: prefix, Retention: retention}, nil
}

// Close releases the client connection pool.
func (r *RedisStore) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func (r *RedisStore) ReadCounter(ctx context.Context, key string) (*core.CounterRecord, error) {
	if r == nil || r.Client == nil {
		return nil, errors.New("store is not initialized")
	}
	values, err := r.Client.HGetAll(ctx, r.counterKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch counter: %w", err)
	}
	return decodeCounterHash(key, values)
}

func (r *RedisStore) UpdateCounter(ctx context.Context, key string, fn core.CounterMutator) error {
	if r == nil || r.Client == nil {
		return errors.New("store is not initialized")
	}
	if fn == nil {
		return errors.New("counter mutator is required")
	}

	release, err := r.lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	current, err := r.ReadCounter(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}

	hashKey := r.counterKey(key)
	pipe := r.Client.TxPipeline()
	pipe.HSet(ctx, hashKey, map[string]any{
		"subject":      next.Subject,
		"operation":    next.Operation,
		"window_start": next.WindowStart.UTC().Unix(),
		"window_end":   unixOrZero(next.WindowEnd),
		"count":        next.Count,
		"updated_at":   next.UpdatedAt.UTC().Unix(),
	})
	if ttl := r.ttl(next); ttl > 0 {
		pipe.Expire(ctx, hashKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store counter: %w", err)
	}
	return nil
}

func (r *RedisStore) ListCounters(ctx context.Context, q CounterQuery) ([]core.CounterRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	records := []core.CounterRecord{}
	err := r.scanCounters(ctx, func(key string, record core.CounterRecord) error {
		if q.Matches(record) {
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *RedisStore) ResetCounters(ctx context.Context, q CounterQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	var removed int64
	err := r.scanCounters(ctx, func(key string, record core.CounterRecord) error {
		if !q.Matches(record) {
			return nil
		}
		n, err := r.Client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("reset counters: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

// SweepCounters is a no-op for Redis: every counter carries its own TTL.
func (r *RedisStore) SweepCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisStore) scanCounters(ctx context.Context, visit func(key string, record core.CounterRecord) error) error {
	if r == nil || r.Client == nil {
		return errors.New("store is not initialized")
	}
	pattern := r.counterKey("*")
	iter := r.Client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		if strings.HasSuffix(redisKey, lockSuffix) {
			continue
		}
		values, err := r.Client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("list counters: %w", err)
		}
		record, err := decodeCounterHash(strings.TrimPrefix(redisKey, r.counterKey("")), values)
		if err != nil {
			return err
		}
		if record == nil {
			continue
		}
		if err := visit(redisKey, *record); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("list counters: %w", err)
	}
	return nil
}

func (r *RedisStore) lock(ctx context.Context, key string) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lockKey := r.counterKey(key) + lockSuffix
	token := uuid.NewString()

	for {
		ok, err := r.Client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock counter: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock counter: %w", ctx.Err())
		case <-time.After(redisLockPollDelay):
		}
	}

	return func() {
		_ = releaseLockScript.Run(context.Background(), r.Client, []string{lockKey}, token).Err()
	}, nil
}

func (r *RedisStore) counterKey(key string) string {
	return r.Prefix + ":counter:" + key
}

func (r *RedisStore) ttl(record *core.CounterRecord) time.Duration {
	if record == nil || record.WindowEnd.IsZero() {
		return r.Retention
	}
	ttl := time.Until(record.WindowEnd) + r.Retention
	if ttl <= 0 {
		return r.Retention
	}
	return ttl
}

func decodeCounterHash(key string, values map[string]string) (*core.CounterRecord, error) {
	if len(values) == 0 {
		return nil, nil
	}
	count, err := strconv.Atoi(values["count"])
	if err != nil {
		return nil, fmt.Errorf("decode counter count: %w", err)
	}
	record := &core.CounterRecord{
		Key:         key,
		Subject:     values["subject"],
		Operation:   values["operation"],
		WindowStart: parseUnix(values["window_start"]),
		WindowEnd:   parseUnix(values["window_end"]),
		Count:       count,
		UpdatedAt:   parseUnix(values["updated_at"]),
	}
	return record, nil
}

func parseUnix(value string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}
