package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// KeyPrefix namespaces all keys. Defaults to "stageflow:memory:".
	KeyPrefix string

	// Cap is the maximum number of entries kept per identity.
	// 0 means unbounded.
	Cap int
}

// RedisStore keeps each identity's log in a Redis list, trimmed to the
// configured cap on every append. Suitable when several pipeline processes
// share agent memory across runs.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	cap       int
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed memory store and verifies the
// connection with a short ping.
func NewRedisStore(config RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stageflow:memory:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		cap:       config.Cap,
		logger:    logger.With(zap.String("component", "memory_store_redis")),
	}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(identity string) string {
	return s.keyPrefix + identity
}

// Append implements Store.Append. RPUSH plus LTRIM keeps the list bounded
// with oldest-first eviction.
func (s *RedisStore) Append(ctx context.Context, identity string, entry Entry) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal memory entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(identity), data)
	if s.cap > 0 {
		pipe.LTrim(ctx, s.key(identity), int64(-s.cap), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append memory entry: %w", err)
	}
	return nil
}

// Read implements Store.Read.
func (s *RedisStore) Read(ctx context.Context, identity string) ([]Entry, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}

	raw, err := s.client.LRange(ctx, s.key(identity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read memory entries: %w", err)
	}

	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal memory entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Len implements Store.Len.
func (s *RedisStore) Len(ctx context.Context, identity string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(identity)).Result()
	if err != nil {
		return 0, fmt.Errorf("count memory entries: %w", err)
	}
	return int(n), nil
}
