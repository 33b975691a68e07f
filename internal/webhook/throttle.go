package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultThrottlePrefix = "tutorpay:webhook:"
	throttleMarker        = "1"
	memorySweepEvery      = 256
)

// Throttle coalesces identical notifications arriving within a short window.
// Correctness never depends on it: the ledger still dedups whatever gets through.
type Throttle interface {
	// Allow reports whether key is seen for the first time in the window.
	Allow(ctx context.Context, key string) (bool, error)
	// Release forgets key so a retried notification is not coalesced away.
	Release(ctx context.Context, key string) error
}

// NoThrottle lets every notification through.
type NoThrottle struct{}

// Allow always admits.
func (NoThrottle) Allow(context.Context, string) (bool, error) { return true, nil }

// Release is a no-op.
func (NoThrottle) Release(context.Context, string) error { return nil }

// MemoryThrottle keeps the window in process memory.
type MemoryThrottle struct {
	mutex   sync.Mutex
	clock   clock.Clock
	window  time.Duration
	seen    map[string]time.Time
	inserts int
}

// NewMemoryThrottle builds an in-process throttle.
func NewMemoryThrottle(window time.Duration, clk clock.Clock) *MemoryThrottle {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryThrottle{clock: clk, window: window, seen: make(map[string]time.Time)}
}

// Allow admits key unless it was admitted less than one window ago.
func (throttle *MemoryThrottle) Allow(_ context.Context, key string) (bool, error) {
	now := throttle.clock.Now()
	throttle.mutex.Lock()
	defer throttle.mutex.Unlock()
	if expiresAt, ok := throttle.seen[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	throttle.seen[key] = now.Add(throttle.window)
	throttle.inserts++
	if throttle.inserts%memorySweepEvery == 0 {
		for seenKey, expiresAt := range throttle.seen {
			if !now.Before(expiresAt) {
				delete(throttle.seen, seenKey)
			}
		}
	}
	return true, nil
}

// Release drops key from the window.
func (throttle *MemoryThrottle) Release(_ context.Context, key string) error {
	throttle.mutex.Lock()
	defer throttle.mutex.Unlock()
	delete(throttle.seen, key)
	return nil
}

// RedisThrottle shares the window across replicas with SET NX PX.
type RedisThrottle struct {
	client redis.Cmdable
	prefix string
	window time.Duration
}

// NewRedisThrottle builds a Redis-backed throttle. An empty prefix selects the default.
func NewRedisThrottle(client redis.Cmdable, prefix string, window time.Duration) *RedisThrottle {
	if prefix == "" {
		prefix = defaultThrottlePrefix
	}
	return &RedisThrottle{client: client, prefix: prefix, window: window}
}

// Allow admits key when this call created the marker. Redis failures admit the notification.
func (throttle *RedisThrottle) Allow(ctx context.Context, key string) (bool, error) {
	created, err := throttle.client.SetNX(ctx, throttle.prefix+key, throttleMarker, throttle.window).Result()
	if err != nil {
		return true, fmt.Errorf("throttle setnx: %w", err)
	}
	return created, nil
}

// Release deletes the marker.
func (throttle *RedisThrottle) Release(ctx context.Context, key string) error {
	if err := throttle.client.Del(ctx, throttle.prefix+key).Err(); err != nil {
		return fmt.Errorf("throttle del: %w", err)
	}
	return nil
}
