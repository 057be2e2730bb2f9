package out

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KVStore.Get for missing keys.
var ErrNotFound = errors.New("kvstore: key not found")

// KVStore defines the outbound port for the shared key-value store used for
// dedup markers, classification cache entries and budget/crash counters.
// Implementations must make SetNX and Incr atomic.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets the key only if it does not exist yet and reports whether
	// this call created it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}
