package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	redisAccountsKey = "accounts"
	redisMetaKey     = "accounts:meta"
	redisUsageKey    = "usage"
)

// RedisStore keeps the pool documents in Redis hashes so multiple gateway
// hosts can share one pool. Saves use optimistic WATCH transactions with
// backoff and jitter on contention.
type RedisStore struct {
	rdb       *goredis.Client
	keyPrefix string
	logger    *slog.Logger
}

// RedisStoreOptions configures the Redis store.
type RedisStoreOptions struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(ctx context.Context, opts RedisStoreOptions) (*RedisStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	redisOpts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.Timeout > 0 {
		redisOpts.ReadTimeout = opts.Timeout
		redisOpts.WriteTimeout = opts.Timeout
	}

	rdb := goredis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "kiro-gateway:"
	}

	return &RedisStore{rdb: rdb, keyPrefix: prefix, logger: logger}, nil
}

func (s *RedisStore) key(name string) string {
	return s.keyPrefix + name
}

// LoadAccounts reads every account from the pool hash, preserving the
// stored order. Missing keys yield an empty document.
func (s *RedisStore) LoadAccounts(ctx context.Context) (*AccountStorage, error) {
	storage := EmptyAccounts()

	data, err := s.rdb.HGetAll(ctx, s.key(redisAccountsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	meta, err := s.rdb.HGetAll(ctx, s.key(redisMetaKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts meta: %w", err)
	}

	if v, ok := meta["activeIndex"]; ok {
		if idx, err := strconv.Atoi(v); err == nil {
			storage.ActiveIndex = idx
		}
	}

	// Field keys encode position so the round-robin order survives the
	// hash round-trip.
	order := make(map[int]ManagedAccount)
	maxIdx := -1
	for field, raw := range data {
		idx, id, ok := splitOrderedField(field)
		if !ok {
			s.logger.Warn("skipping malformed account field", "field", field)
			continue
		}
		var acc ManagedAccount
		if err := json.Unmarshal([]byte(raw), &acc); err != nil {
			s.logger.Warn("skipping unparsable account", "id", id, "error", err)
			continue
		}
		order[idx] = acc
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	for i := 0; i <= maxIdx; i++ {
		if acc, ok := order[i]; ok {
			storage.Accounts = append(storage.Accounts, acc)
		}
	}

	return storage, nil
}

// SaveAccounts replaces the pool hash in one optimistic transaction.
func (s *RedisStore) SaveAccounts(ctx context.Context, storage *AccountStorage) error {
	storage.Version = StorageVersion
	key := s.key(redisAccountsKey)
	metaKey := s.key(redisMetaKey)

	fields := make(map[string]interface{}, len(storage.Accounts))
	for i, acc := range storage.Accounts {
		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account %s: %w", acc.ID, err)
		}
		fields[orderedField(i, acc.ID)] = string(data)
	}

	return s.withOptimisticRetry(ctx, key, func(tx *goredis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			pipe.HSet(ctx, metaKey, "version", storage.Version, "activeIndex", storage.ActiveIndex)
			return nil
		})
		return err
	})
}

// LoadUsage reads the usage hash. Missing keys yield an empty document.
func (s *RedisStore) LoadUsage(ctx context.Context) (*UsageStorage, error) {
	storage := EmptyUsage()

	data, err := s.rdb.HGetAll(ctx, s.key(redisUsageKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	for id, raw := range data {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping unparsable usage record", "id", id, "error", err)
			continue
		}
		storage.Usage[id] = rec
	}

	return storage, nil
}

// SaveUsage replaces the usage hash in one optimistic transaction.
func (s *RedisStore) SaveUsage(ctx context.Context, storage *UsageStorage) error {
	storage.Version = StorageVersion
	key := s.key(redisUsageKey)

	fields := make(map[string]interface{}, len(storage.Usage))
	for id, rec := range storage.Usage {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal usage for %s: %w", id, err)
		}
		fields[id] = string(data)
	}

	return s.withOptimisticRetry(ctx, key, func(tx *goredis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(fields) > 0 {
				pipe.HSet(ctx, key, fields)
			}
			return nil
		})
		return err
	})
}

// withOptimisticRetry runs fn under WATCH(key), retrying with exponential
// backoff plus jitter when the watched key changes mid-transaction.
func (s *RedisStore) withOptimisticRetry(ctx context.Context, key string, fn func(tx *goredis.Tx) error) error {
	const maxRetries = 3
	const baseBackoff = 5 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			backoff := baseBackoff * time.Duration(1<<i)
			jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
				continue
			}
		}
		return fmt.Errorf("failed to save %s: %w", key, err)
	}

	return fmt.Errorf("failed to save %s after %d retries", key, maxRetries)
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func orderedField(idx int, id string) string {
	return fmt.Sprintf("%06d:%s", idx, id)
}

func splitOrderedField(field string) (idx int, id string, ok bool) {
	if len(field) < 8 || field[6] != ':' {
		return 0, "", false
	}
	idx, err := strconv.Atoi(field[:6])
	if err != nil {
		return 0, "", false
	}
	return idx, field[7:], true
}
