package store

import (
	"context"
	"time"
)

// KV is the key/value contract every backend implements. Each Put replaces
// the whole value for a key, so readers never observe a partial record.
type KV interface {
	// Put stores value under key. A ttl of zero means the entry never expires;
	// otherwise the expiry is reset to now+ttl on every call.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns the keys that start with prefix. The result may be stale:
	// a returned key can vanish before it is read.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
