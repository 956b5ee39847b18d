package timingtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"log/slog"
	"time"
)

// KeyCache is the minimal shared-cache contract the key manager needs,
// kept narrow here to avoid a package cycle. Its methods take no context,
// so internal/kvstore.Store does not satisfy it directly; the binary wraps
// the store in an adapter (keyCacheAdapter in cmd/wardengate).
type KeyCache interface {
	Get(key string) ([]byte, bool, error)
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)
}

const workerKeyCacheKey = "waf:timing:worker_key"

// ResolveKey implements the three-tier key management policy from the
// spec: a configured key of at least 32 bytes (truncated to 32) wins, and
// a shorter configured key is ignored with a warning; otherwise a
// random key is generated once per worker lifetime and persisted to the
// shared cache with a 24h TTL so other workers on the same host converge
// on it; otherwise a deterministic key derived from server identity.
func ResolveKey(cache KeyCache, configured []byte, serverIdentity string) []byte {
	if len(configured) >= 32 {
		return configured[:32]
	}
	if len(configured) > 0 {
		slog.Warn("timing token secret_key shorter than 32 bytes, ignoring", "len", len(configured))
	}

	if cache != nil {
		if existing, ok, err := cache.Get(workerKeyCacheKey); err == nil && ok && len(existing) == 32 {
			return existing
		}

		key := make([]byte, 32)
		if _, err := rand.Read(key); err == nil {
			if ok, err := cache.SetNX(workerKeyCacheKey, key, 24*time.Hour); err == nil && ok {
				return key
			}
			// Lost the race to another worker; fetch what won.
			if existing, ok, err := cache.Get(workerKeyCacheKey); err == nil && ok && len(existing) == 32 {
				return existing
			}
			return key
		}
	}

	slog.Warn("timing token falling back to server-identity-derived key")
	sum := sha256.Sum256([]byte("wardengate:timing:" + serverIdentity))
	return sum[:]
}
