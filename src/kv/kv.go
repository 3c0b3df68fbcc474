package kv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config mirrors the redis_config YAML block.
type Config struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" default:"6379" validate:"gt=0"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Password string `yaml:"password"`
}

// Addr returns the host:port pair for the client options.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Member is one sorted-set element with its score.
type Member struct {
	Score float64
	Value string
}

// Store is the cluster-shared key-value client. All cross-process gateway
// state lives behind it. Methods are safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger
	client *redis.Client
}

// New connects and pings the store, failing fast on an unreachable server.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to key-value store: %w", err)
	}

	logger := slog.Default().With("context", "KV Store")
	logger.Info("key-value store connected", "address", cfg.Addr(), "db", cfg.DB)

	return &Store{
		cfg:    cfg,
		logger: logger,
		client: client,
	}, nil
}

// Client exposes the underlying handle for tests and store-specific calls.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Get returns the string value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error getting %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes a string value. A zero ttl stores the key without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("error setting %s: %w", key, err)
	}
	return nil
}

// Del removes the given keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error deleting keys: %w", err)
	}
	return nil
}

// RPush appends values to a list.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("error pushing to %s: %w", key, err)
	}
	return nil
}

// LRange returns the whole list.
func (s *Store) LRange(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("error ranging %s: %w", key, err)
	}
	return vals, nil
}

// LRem removes every occurrence of value from the list.
func (s *Store) LRem(ctx context.Context, key, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, fmt.Errorf("error removing from %s: %w", key, err)
	}
	return n, nil
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error measuring %s: %w", key, err)
	}
	return n, nil
}

// ZAdd inserts or rescores one sorted-set member.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("error adding to %s: %w", key, err)
	}
	return nil
}

// ZCard returns the sorted-set cardinality.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error measuring %s: %w", key, err)
	}
	return n, nil
}

// ZRangeWithScores returns the whole sorted set in ascending score order.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]Member, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("error ranging %s: %w", key, err)
	}
	members := make([]Member, len(zs))
	for i, z := range zs {
		members[i] = Member{
			Score: z.Score,
			Value: fmt.Sprint(z.Member),
		}
	}
	return members, nil
}

// ZRem removes one member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("error removing from %s: %w", key, err)
	}
	return nil
}

// ZRemFirst evicts the lowest-score member of a sorted set.
func (s *Store) ZRemFirst(ctx context.Context, key string) error {
	if err := s.client.ZRemRangeByRank(ctx, key, 0, 0).Err(); err != nil {
		return fmt.Errorf("error evicting from %s: %w", key, err)
	}
	return nil
}

// HGet returns one hash field and whether it exists.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error getting %s[%s]: %w", key, field, err)
	}
	return val, true, nil
}

// HSet writes one hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("error setting %s[%s]: %w", key, field, err)
	}
	return nil
}

// HSetNX writes one hash field only when absent and reports whether it wrote.
func (s *Store) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("error setting %s[%s]: %w", key, field, err)
	}
	return ok, nil
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("error deleting from %s: %w", key, err)
	}
	return nil
}

// HLen returns the number of fields in a hash.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error measuring %s: %w", key, err)
	}
	return n, nil
}

// HVals returns every value of a hash.
func (s *Store) HVals(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.HVals(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", key, err)
	}
	return vals, nil
}

// HGetAll returns a hash as a field map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", key, err)
	}
	return vals, nil
}

// SAdd inserts members into a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("error adding to %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("error removing from %s: %w", key, err)
	}
	return nil
}

// SCard returns the set cardinality.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error measuring %s: %w", key, err)
	}
	return n, nil
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", key, err)
	}
	return members, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("error closing key-value store: %w", err)
		}
	}
	return nil
}
