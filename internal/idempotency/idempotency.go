// Package idempotency implements order.Deduplicator backends.
//
// A key moves through two states: pending while the first request runs and
// completed once it stored the order id. A released key can be claimed
// again. Pending keys expire after PendingTTL, so a key whose Complete
// failed does not block retries for the full TTL.
package idempotency

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/storefront-orders/internal/domain/order"
)

// DefaultTTL bounds how long a completed key is remembered.
const DefaultTTL = 24 * time.Hour

// PendingTTL bounds how long a key stays pending. It must outlive the
// request timeout.
const PendingTTL = time.Minute

const (
	keyPrefix    = "idempotency:"
	pendingValue = "pending"
)

var (
	_ order.Deduplicator = (*Redis)(nil)
	_ order.Deduplicator = (*Memory)(nil)
)

// Redis stores keys in Redis with SET NX so replicas share them.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	pending time.Duration
}

// NewRedis creates a Redis deduplicator. A non-positive ttl means
// DefaultTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, pending: min(PendingTTL, ttl)}
}

func (r *Redis) Reserve(ctx context.Context, key string) (int64, bool, error) {
	k := keyPrefix + key
	// The second attempt covers a key that expired or was released between
	// SET NX and GET.
	for range 2 {
		ok, err := r.client.SetNX(ctx, k, pendingValue, r.pending).Result()
		if err != nil {
			return 0, false, errors.Wrap(err, "setnx")
		}
		if ok {
			return 0, true, nil
		}

		v, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, false, errors.Wrap(err, "get")
		}
		return parseValue(v)
	}
	return 0, false, order.ErrDuplicateRequest
}

func (r *Redis) Complete(ctx context.Context, key string, orderID int64) error {
	if err := r.client.Set(ctx, keyPrefix+key, strconv.FormatInt(orderID, 10), r.ttl).Err(); err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "del")
	}
	return nil
}

func parseValue(v string) (int64, bool, error) {
	if v == pendingValue {
		return 0, false, order.ErrDuplicateRequest
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse stored order id %q", v)
	}
	return id, false, nil
}

type entry struct {
	value   string
	expires time.Time
}

// Memory keeps keys in process memory. It suits single instance
// deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	pending time.Duration
	now     func() time.Time
}

// NewMemory creates a Memory deduplicator. A non-positive ttl means
// DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		pending: min(PendingTTL, ttl),
		now:     time.Now,
	}
}

func (m *Memory) Reserve(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return parseValue(e.value)
	}
	m.sweep(now)
	m.entries[key] = entry{value: pendingValue, expires: now.Add(m.pending)}
	return 0, true, nil
}

func (m *Memory) Complete(_ context.Context, key string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = entry{value: strconv.FormatInt(orderID, 10), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// sweep drops expired entries. Callers hold mu.
func (m *Memory) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
