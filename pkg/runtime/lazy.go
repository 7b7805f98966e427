package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentarea/agentlink/internal/metrics"
	"github.com/agentarea/agentlink/pkg/a2a"
)

// ============================================================================
// LAZY RUNTIME MANAGER
// Creates runtimes on first use and caches them by a config fingerprint.
// Concurrent requests for the same fingerprint share one creation; entries
// expire after a TTL of inactivity and the cache evicts oldest-first when
// full.
// ============================================================================

// Lazy-cache defaults.
const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 10
)

// LazyOption configures a LazyManager.
type LazyOption func(*LazyManager)

// WithCacheTTL sets how long an entry survives without a lookup.
func WithCacheTTL(ttl time.Duration) LazyOption {
	return func(m *LazyManager) { m.ttl = ttl }
}

// WithCacheSize caps the number of cached runtimes.
func WithCacheSize(n int) LazyOption {
	return func(m *LazyManager) { m.capacity = n }
}

// WithCollector wires a metrics collector.
func WithCollector(c *metrics.Collector) LazyOption {
	return func(m *LazyManager) { m.metrics = c }
}

type cacheEntry struct {
	key       string
	protocol  a2a.Protocol
	rt        Runtime
	timer     *time.Timer
	createdAt time.Time
}

// LazyManager is the fingerprint-keyed runtime cache.
type LazyManager struct {
	factory  *Factory
	logger   *slog.Logger
	ttl      time.Duration
	capacity int
	metrics  *metrics.Collector

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string // insertion order for FIFO eviction

	hits, misses int64
	initTotal    time.Duration
	initCount    int64
}

// NewLazyManager creates a lazy manager backed by the given factory.
func NewLazyManager(factory *Factory, logger *slog.Logger, opts ...LazyOption) *LazyManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &LazyManager{
		factory:  factory,
		logger:   logger,
		ttl:      DefaultCacheTTL,
		capacity: DefaultCacheSize,
		entries:  make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fingerprint derives the cache key from the identity-bearing parts of the
// config: protocol, endpoint, auth type, timeout and transport kind.
func Fingerprint(proto a2a.Protocol, cfg Config) string {
	cfg = cfg.normalize()
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%s",
		proto, cfg.Endpoint, cfg.Auth.Type, cfg.Timeout.Milliseconds(), cfg.Transport.Kind))
	return hex.EncodeToString(sum[:16])
}

// GetRuntime returns the cached runtime for the config fingerprint,
// creating it on first use. Concurrent callers with the same fingerprint
// share one creation and receive the same instance.
func (m *LazyManager) GetRuntime(ctx context.Context, proto a2a.Protocol, cfg Config) (Runtime, error) {
	key := Fingerprint(proto, cfg)

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		entry.timer.Reset(m.ttl)
		m.hits++
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.CacheHit(string(proto))
		}
		return entry.rt, nil
	}
	m.mu.Unlock()

	// The group guarantees at most one creation per key; every concurrent
	// caller for the key shares this result.
	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		if entry, ok := m.entries[key]; ok {
			entry.timer.Reset(m.ttl)
			m.hits++
			m.mu.Unlock()
			return entry.rt, nil
		}
		m.misses++
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.CacheMiss(string(proto))
		}

		start := time.Now()
		rt, err := m.factory.Create(proto, cfg)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start)

		m.mu.Lock()
		m.initTotal += elapsed
		m.initCount++
		m.insert(key, proto, rt)
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.ObserveInit(elapsed)
		}
		m.logger.Debug("runtime created",
			"protocol", string(proto), "fingerprint", key, "init_time", elapsed)
		return rt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Runtime), nil
}

// insert adds the entry, evicting oldest-first past capacity. Caller holds
// the lock.
func (m *LazyManager) insert(key string, proto a2a.Protocol, rt Runtime) {
	for m.capacity > 0 && len(m.entries) >= m.capacity && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		if entry, ok := m.entries[oldest]; ok {
			m.dropLocked(entry, "capacity")
		}
	}

	entry := &cacheEntry{
		key:       key,
		protocol:  proto,
		rt:        rt,
		createdAt: time.Now(),
	}
	entry.timer = time.AfterFunc(m.ttl, func() { m.expire(key) })
	m.entries[key] = entry
	m.order = append(m.order, key)
	if m.metrics != nil {
		m.metrics.SetCacheSize(len(m.entries))
	}
}

func (m *LazyManager) expire(key string) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok {
		m.dropLocked(entry, "ttl")
		m.removeFromOrder(key)
	}
	m.mu.Unlock()
}

// dropLocked removes the entry and disconnects its runtime in the
// background. Caller holds the lock.
func (m *LazyManager) dropLocked(entry *cacheEntry, reason string) {
	entry.timer.Stop()
	delete(m.entries, entry.key)
	if m.metrics != nil {
		m.metrics.CacheEvicted(reason)
		m.metrics.SetCacheSize(len(m.entries))
	}
	m.logger.Debug("runtime evicted", "fingerprint", entry.key, "reason", reason)

	rt := entry.rt
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.DisconnectAll(ctx); err != nil {
			m.logger.Warn("disconnect of evicted runtime failed", "error", err)
		}
	}()
}

func (m *LazyManager) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// Invalidate evicts the runtime for the given protocol and config, if
// cached.
func (m *LazyManager) Invalidate(proto a2a.Protocol, cfg Config) {
	key := Fingerprint(proto, cfg)
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		m.dropLocked(entry, "invalidated")
		m.removeFromOrder(key)
	}
	m.mu.Unlock()
}

// Clear evicts every cached runtime.
func (m *LazyManager) Clear() {
	m.mu.Lock()
	for _, entry := range m.entries {
		m.dropLocked(entry, "cleared")
	}
	m.order = m.order[:0]
	m.mu.Unlock()
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Size        int
	Hits        int64
	Misses      int64
	HitRate     float64
	AvgInitTime time.Duration
}

// Stats returns the current cache statistics.
func (m *LazyManager) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := CacheStats{
		Size:   len(m.entries),
		Hits:   m.hits,
		Misses: m.misses,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
	}
	if m.initCount > 0 {
		stats.AvgInitTime = m.initTotal / time.Duration(m.initCount)
	}
	return stats
}
