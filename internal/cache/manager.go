package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/place2polygon/internal/observability"
)

// DefaultPrefix namespaces boundary lookups.
const DefaultPrefix = "boundary_"

// Manager derives deterministic keys from call arguments and runs the
// optional background expiry sweep.
type Manager struct {
	cache   *Cache
	prefix  string
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// NewManager wraps c. An empty prefix uses DefaultPrefix.
func NewManager(c *Cache, prefix string, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{cache: c, prefix: prefix, logger: logger, metrics: metrics}
}

// Cache returns the underlying cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Key hashes a canonical JSON encoding of (args, kwargs). encoding/json
// writes map keys in sorted order, so kwargs insertion order never matters.
func (m *Manager) Key(args []any, kwargs map[string]any) string {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	payload, err := json.Marshal(struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}{args, kwargs})
	if err != nil {
		// Values JSON cannot encode still need a stable key.
		payload = []byte(fmt.Sprintf("%#v|%#v", args, kwargs))
	}
	sum := sha256.Sum256(payload)
	return m.prefix + hex.EncodeToString(sum[:])
}

// GetCachedResult decodes the value under key into dst.
func (m *Manager) GetCachedResult(ctx context.Context, key string, dst any) bool {
	return m.cache.GetInto(ctx, key, dst)
}

// CacheResult stores value under key. ttl <= 0 uses the cache default.
func (m *Manager) CacheResult(ctx context.Context, key string, value any, ttl time.Duration) bool {
	return m.cache.Set(ctx, key, value, ttl)
}

// Invalidate removes key.
func (m *Manager) Invalidate(ctx context.Context, key string) bool {
	return m.cache.Invalidate(ctx, key)
}

// Cached returns the cached value for (args, kwargs) or computes it with fn.
// fn reports whether its result is worth keeping; errors are never cached.
func Cached[T any](ctx context.Context, m *Manager, ttl time.Duration, args []any, kwargs map[string]any, fn func(context.Context) (T, bool, error)) (T, error) {
	key := m.Key(args, kwargs)
	var out T
	if m.GetCachedResult(ctx, key, &out) {
		return out, nil
	}
	out, keep, err := fn(ctx)
	if err != nil {
		return out, err
	}
	if keep {
		m.CacheResult(ctx, key, out, ttl)
	}
	return out, nil
}

// StartSweeper runs ClearExpired every interval until Stop. An interval of
// zero or less disables the sweep. Calling it twice is a no-op.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		m.logger.Info("cache sweep disabled")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})

	ticker := m.cache.Clock().NewTicker(interval)
	go func(stop <-chan struct{}, stopped chan<- struct{}) {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				m.sweep()
			}
		}
	}(m.stop, m.stopped)
	m.logger.Info("cache sweep started", "interval", interval)
}

// Stop signals the sweeper and waits up to timeout for it to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	stop, stopped := m.stop, m.stopped
	m.stop, m.stopped = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	select {
	case <-stopped:
		return nil
	case <-time.After(timeout):
		return errors.New("cache sweeper did not stop in time")
	}
}

func (m *Manager) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cache sweep panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := m.cache.ClearExpired(ctx)
	if err != nil {
		m.logger.Error("cache sweep failed", "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.CacheSweepRemoved.Add(float64(n))
	}
	if n > 0 {
		m.logger.Info("cache sweep removed expired entries", "removed", n)
	}
}
