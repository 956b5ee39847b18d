package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters, named and shaped like the
// teacher's session.RedisConfig so the admin/ops surface can reuse the
// same environment variables documented in spec.md §6.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store against a single Redis instance/cluster
// endpoint, following the same connect-and-ping-at-construction idiom as
// the teacher's NewRedisStore.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies reachability before
// returning, matching the teacher's fail-fast construction pattern.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: failed to connect to redis: %w", err)
	}

	slog.Info("shared store connected", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// compareAndExtendScript only extends the TTL when the stored value still
// equals the expected one, avoiding a lost-leadership race between the
// read and the expire call.
const compareAndExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

func (s *RedisStore) CompareAndExtend(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, compareAndExtendScript, []string{key}, expected, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, key, delta).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(res))
	for k, v := range res {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, field string) error {
	return s.client.HDel(ctx, key, field).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, cursor uint64, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	return keys, next, err
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message []byte) error {
	return s.client.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	redisCh := pubsub.Channel()
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		for msg := range redisCh {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Key returns a namespaced key, mirroring the teacher's keyPrefix idiom
// but fixed to the documented "waf:" prefix family from spec.md §6.
func Key(parts ...string) string {
	out := "waf"
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

// FormatFloat renders a float64 score compactly for sorted-set members
// that need a textual companion value.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
