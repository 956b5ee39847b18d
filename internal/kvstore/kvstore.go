// Package kvstore defines the shared key-value store contract every other
// component in the core depends on (config CRUD+indices, counters, leader
// election, cache invalidation) and a Redis-backed implementation.
// Grounded directly on the teacher's internal/session/redis_store.go,
// generalized from session-object storage to the broader contract in
// spec.md §6: set-if-absent with TTL, atomic increments, sorted/plain
// sets, hashes, and pub/sub invalidation.
package kvstore

import (
	"context"
	"time"
)

// Store is the contract the WAF core requires of the shared store. All
// operations are context-aware and may suspend (network I/O); callers on
// latency-critical paths must apply the timeouts from spec.md §5.
type Store interface {
	// Get/Set/Delete — plain string blobs (JSON-encoded config entities).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX is an atomic set-if-absent with TTL, used for leader election.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndExtend extends key's TTL only if its current value equals
	// expected — used for conditional leadership renewal.
	CompareAndExtend(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments a counter key by delta and returns the
	// new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	// Expire refreshes a key's TTL without touching its value.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sets — used for active/tag/builtin signature indices and instance
	// membership.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets — used for the priority index over signatures.
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string) ([]string, error)

	// Hashes — used for instance metadata and behavioral bucket counters.
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key string, field string) error

	// Pattern scan with cursor, per §6's "bulk fetch and pattern scan"
	// requirement.
	Scan(ctx context.Context, pattern string, cursor uint64, count int64) (keys []string, nextCursor uint64, err error)

	// Publish/Subscribe — cache invalidation and leader/kill signaling.
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}

// ErrNotFound is returned by callers that prefer a sentinel error instead
// of the (value, bool) pattern; the interface itself uses the bool form
// to match the teacher's Get-ok idiom in session/redis_store.go.
var ErrNotFound = storeNotFoundError{}

type storeNotFoundError struct{}

func (storeNotFoundError) Error() string { return "kvstore: key not found" }
