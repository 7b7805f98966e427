package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentarea/agentlink/pkg/a2a"
	"github.com/agentarea/agentlink/pkg/transport"
)

const fakeProto a2a.Protocol = "fake"

// newFakeFactory registers a counting constructor so cache tests can observe
// how many runtimes were actually created.
func newFakeFactory(t *testing.T, created *atomic.Int64) *Factory {
	t.Helper()
	f := NewFactory(nil)
	require.NoError(t, f.RegisterProtocol(fakeProto, func(cfg Config) (Runtime, error) {
		created.Add(1)
		time.Sleep(10 * time.Millisecond) // widen the creation window
		return &fakeRuntime{proto: fakeProto}, nil
	}))
	return f
}

func fakeConfig(endpoint string) Config {
	return Config{Endpoint: endpoint}
}

func TestLazyManager_CachesByFingerprint(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil)
	ctx := context.Background()

	first, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	second, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), created.Load())

	other, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://two.example"))
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.Equal(t, int64(2), created.Load())
}

func TestLazyManager_ConcurrentGetSharesOneCreation(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil)

	const callers = 16
	runtimes := make([]Runtime, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt, err := m.GetRuntime(context.Background(), fakeProto, fakeConfig("http://one.example"))
			assert.NoError(t, err)
			runtimes[i] = rt
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load(), "concurrent callers must share one creation")
	for _, rt := range runtimes[1:] {
		assert.Same(t, runtimes[0], rt)
	}
}

func TestLazyManager_TTLEviction(t *testing.T) {
	var created atomic.Int64
	ctx := context.Background()

	evicted := &fakeRuntime{proto: fakeProto}
	f := NewFactory(nil)
	require.NoError(t, f.RegisterProtocol(fakeProto, func(cfg Config) (Runtime, error) {
		created.Add(1)
		return evicted, nil
	}))
	m := NewLazyManager(f, nil, WithCacheTTL(30*time.Millisecond))

	_, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Size)

	require.Eventually(t, func() bool {
		return m.Stats().Size == 0
	}, 2*time.Second, 10*time.Millisecond, "entry must expire after the TTL")

	require.Eventually(t, func() bool {
		return evicted.disconnects.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "evicted runtime must be disconnected")

	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.Load())
}

func TestLazyManager_TTLResetOnHit(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil, WithCacheTTL(80*time.Millisecond))
	ctx := context.Background()

	_, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)

	// Keep touching the entry past the original TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		_, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), created.Load(), "hits must keep the entry alive")
}

func TestLazyManager_CapacityEvictsOldest(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil, WithCacheSize(2))
	ctx := context.Background()

	_, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://two.example"))
	require.NoError(t, err)
	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://three.example"))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Stats().Size)
	assert.Equal(t, int64(3), created.Load())

	// The second entry survived the eviction; the first did not.
	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://two.example"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.Load())

	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), created.Load(), "oldest entry must have been evicted")
}

func TestLazyManager_Invalidate(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil)
	ctx := context.Background()

	cfg := fakeConfig("http://one.example")
	_, err := m.GetRuntime(ctx, fakeProto, cfg)
	require.NoError(t, err)

	m.Invalidate(fakeProto, cfg)
	assert.Zero(t, m.Stats().Size)

	_, err = m.GetRuntime(ctx, fakeProto, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.Load())
}

func TestLazyManager_Clear(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil)
	ctx := context.Background()

	_, err := m.GetRuntime(ctx, fakeProto, fakeConfig("http://one.example"))
	require.NoError(t, err)
	_, err = m.GetRuntime(ctx, fakeProto, fakeConfig("http://two.example"))
	require.NoError(t, err)

	m.Clear()
	assert.Zero(t, m.Stats().Size)
}

func TestLazyManager_Stats(t *testing.T) {
	var created atomic.Int64
	m := NewLazyManager(newFakeFactory(t, &created), nil)
	ctx := context.Background()

	cfg := fakeConfig("http://one.example")
	_, err := m.GetRuntime(ctx, fakeProto, cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.GetRuntime(ctx, fakeProto, cfg)
		require.NoError(t, err)
	}

	stats := m.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.001)
	assert.Greater(t, stats.AvgInitTime, time.Duration(0))
}

func TestLazyManager_CreateFailureNotCached(t *testing.T) {
	f := NewFactory(nil)
	m := NewLazyManager(f, nil)

	// The protocol is not registered, so creation fails.
	_, err := m.GetRuntime(context.Background(), "missing", fakeConfig("http://one.example"))
	assert.ErrorIs(t, err, ErrUnknownProtocol)
	assert.Zero(t, m.Stats().Size)
}

func TestFingerprint(t *testing.T) {
	base := fakeConfig("http://one.example")

	same := Fingerprint(fakeProto, base)
	assert.Equal(t, same, Fingerprint(fakeProto, fakeConfig("http://one.example")))

	assert.NotEqual(t, same, Fingerprint("other", base))
	assert.NotEqual(t, same, Fingerprint(fakeProto, fakeConfig("http://two.example")))

	authed := base
	authed.Auth = transport.AuthConfig{Type: transport.AuthBearer, Token: "x"}
	assert.NotEqual(t, same, Fingerprint(fakeProto, authed))

	slow := base
	slow.Timeout = time.Minute
	assert.NotEqual(t, same, Fingerprint(fakeProto, slow))
}
