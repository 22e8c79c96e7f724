// Package memory provides an in-process implementation of store.KV, used for
// local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phrazzld/castqueue/internal/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// KV is a map-backed store.KV with lazy expiry.
type KV struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// Option configures a KV.
type Option func(*KV)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(kv *KV) {
		kv.now = now
	}
}

// NewKV returns an empty KV.
func NewKV(opts ...Option) *KV {
	kv := &KV{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(kv)
	}
	return kv
}

var _ store.KV = (*KV)(nil)

// Put implements store.KV.
func (kv *KV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = kv.now().Add(ttl)
	}

	kv.mu.Lock()
	kv.entries[key] = e
	kv.mu.Unlock()
	return nil
}

// Get implements store.KV.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kv.mu.RLock()
	e, ok := kv.entries[key]
	kv.mu.RUnlock()

	if !ok || e.expired(kv.now()) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return append([]byte(nil), e.value...), nil
}

// Delete implements store.KV.
func (kv *KV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kv.mu.Lock()
	delete(kv.entries, key)
	kv.mu.Unlock()
	return nil
}

// Scan implements store.KV. Expired entries are purged as they are found.
func (kv *KV) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := kv.now()
	kv.mu.Lock()
	defer kv.mu.Unlock()

	keys := make([]string, 0)
	for k, e := range kv.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.expired(now) {
			delete(kv.entries, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of live entries.
func (kv *KV) Len() int {
	now := kv.now()
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	n := 0
	for _, e := range kv.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
