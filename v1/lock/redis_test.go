package lock

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/kv"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

func newRedisLocker(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedis(client, opts...)
	t.Cleanup(func() {
		_ = l.Close(context.Background())
		_ = client.Close()
	})
	return l, mr, client
}

func TestRedisTryLockReleaseAndBus(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l, mr, _ := newRedisLocker(t, WithBus(bus))
	ctx := context.Background()

	unlockCh, err := bus.Subscribe(ctx, "unlock:k")
	require.NoError(t, err)

	ok, err := l.TryLock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, mr.TTL("k"))
	assert.Equal(t, 0, l.Watchdogs(), "TryLock must not start a watchdog")

	ok, err = l.TryLock(ctx, "k", "b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	select {
	case <-unlockCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock publish")
	}
	assert.False(t, mr.Exists("k"))
}

func TestRedisTryLockInvalidLease(t *testing.T) {
	l, _, _ := newRedisLocker(t)
	_, err := l.TryLock(context.Background(), "k", "a", 0)
	assert.ErrorIs(t, err, latcherrors.ErrInvalidLease)
}

func TestRedisMutualExclusion(t *testing.T) {
	l, _, _ := newRedisLocker(t)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryLock(ctx, "k", NewToken(), 5*time.Second)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRedisReleaseIsIdempotent(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	ok, err := l.Lock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release")
	assert.True(t, mr.Exists("k"))

	ok, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, l.Watchdogs())
}

func TestRedisLockRenewsPastLease(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()
	lease := 600 * time.Millisecond

	ok, err := l.Lock(ctx, "k", "a", lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, l.Watchdogs())

	// four lease periods of simulated time
	for i := 0; i < 48; i++ {
		time.Sleep(50 * time.Millisecond)
		mr.FastForward(50 * time.Millisecond)
		ok, err := l.TryLock(ctx, "k", "b", lease)
		require.NoError(t, err)
		require.False(t, ok, "lock lost after %d steps", i)
	}

	ok, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, l.Watchdogs())

	ok, err = l.TryLock(ctx, "k", "b", lease)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWatchdogStopsOnTakeover(t *testing.T) {
	wb := watchbus.NewInMemory()
	l, mr, _ := newRedisLocker(t, WithWatchBus(wb))
	ctx := context.Background()

	events, err := wb.Watch(ctx, "k")
	require.NoError(t, err)

	ok, err := l.Lock(ctx, "k", "a", 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	w, ok := l.leases.Get("k", "a")
	require.True(t, ok)

	require.NoError(t, mr.Set("k", "other"))

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog kept running after takeover")
	}
	assert.True(t, w.Lost())
	assert.Equal(t, 0, l.Watchdogs())
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "other", v)

	var types []EventType
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case data := <-events:
			e, err := DecodeEvent(data)
			require.NoError(t, err)
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.Equal(t, []EventType{EventAcquired, EventLost}, types)

	ok, err = l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAcquireWokenByRelease(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l1, _, client := newRedisLocker(t, WithBus(bus))
	l2 := NewRedis(client, WithBus(bus), WithPollInterval(time.Hour))
	t.Cleanup(func() { _ = l2.Close(context.Background()) })
	ctx := context.Background()

	ok, err := l1.TryLock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- l2.Acquire(ctx, "k", "b", 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	_, err = l1.Release(ctx, "k", "a")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire was not woken by release")
	}
	assert.Equal(t, 1, l2.Watchdogs())
	ok, err = l2.Release(ctx, "k", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisAcquireDoesNotLeakSubscriptions(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	l, _, _ := newRedisLocker(t, WithBus(bus))
	ctx := context.Background()

	// warm up the client pool
	require.NoError(t, l.Acquire(ctx, "k", "a", 5*time.Second))
	_, err := l.Release(ctx, "k", "a")
	require.NoError(t, err)
	before := runtime.NumGoroutine()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx, "k", "a", 5*time.Second))
		_, err := l.Release(ctx, "k", "a")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 2*time.Second, 10*time.Millisecond, "goroutines: before %d, now %d", before, runtime.NumGoroutine())
}

func TestRedisAcquireTimeout(t *testing.T) {
	l, _, _ := newRedisLocker(t, WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = l.Acquire(cctx, "k", "b", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedisReleaseAfter(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	ok, err := l.Lock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.ReleaseAfter("k", "a", 100*time.Millisecond))
	assert.True(t, mr.Exists("k"))
	assert.Equal(t, 1, l.Watchdogs())

	require.Eventually(t, func() bool { return !mr.Exists("k") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, l.Watchdogs())
}

func TestRedisCloseRunsPendingReleases(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedis(client)
	ctx := context.Background()

	ok, err := l.Lock(ctx, "k", "a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.ReleaseAfter("k", "a", time.Hour))

	require.NoError(t, l.Close(ctx))
	assert.False(t, mr.Exists("k"))
	assert.ErrorIs(t, l.ReleaseAfter("k", "a", time.Second), ErrSchedulerClosed)
}

func TestRedisLockNotSafely(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	ok, err := l.LockNotSafely(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	v, err := mr.Get("k")
	require.NoError(t, err)
	_, token, err := kv.ParseStamped(v)
	require.NoError(t, err)
	assert.Equal(t, "a", token)
	assert.Equal(t, 10*time.Second, mr.TTL("k"))

	ok, err = l.LockNotSafely(ctx, "k", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.ReleaseNotSafely(ctx, "k", "b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.ReleaseNotSafely(ctx, "k", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("k"))
}

func TestRedisLockNotSafelyTakesOverExpiredStamp(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k", kv.Stamp(time.Now().Add(-time.Second), "old")))
	ok, err := l.LockNotSafely(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Second, mr.TTL("k"))
}

// With equal clocks GETSET serializes contenders on an expired stamp: the
// first swap sees the old stamp, every later one sees a live stamp. Only one
// of them wins, but each loser has still overwritten the stored value.
func TestRedisLockNotSafelyEqualClocksOneWinner(t *testing.T) {
	base := time.Now()
	clock := WithClock(func() time.Time { return base })
	a, mr, client := newRedisLocker(t, clock)
	b := NewRedis(client, clock)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	require.NoError(t, mr.Set("k", kv.Stamp(base.Add(-time.Second), "old")))
	okA, err := a.LockNotSafely(ctx, "k", "a", 10*time.Second)
	require.NoError(t, err)
	okB, err := b.LockNotSafely(ctx, "k", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, okA)
	assert.False(t, okB)

	v, err := mr.Get("k")
	require.NoError(t, err)
	_, token, err := kv.ParseStamped(v)
	require.NoError(t, err)
	assert.Equal(t, "b", token, "the losing GETSET still replaced the value")
	ok, err := a.ReleaseNotSafely(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, ok, "the winner can no longer release by token")
}

func TestRedisLockNotSafelyConcurrentEqualClocks(t *testing.T) {
	base := time.Now()
	l, mr, _ := newRedisLocker(t, WithClock(func() time.Time { return base }))
	ctx := context.Background()
	require.NoError(t, mr.Set("k", kv.Stamp(base.Add(-time.Second), "old")))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.LockNotSafely(ctx, "k", NewToken(), 10*time.Second)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

// Two contenders whose clocks disagree both believe they hold the lock.
func TestRedisLockNotSafelySkewedClocks(t *testing.T) {
	base := time.Now()
	lease := 10 * time.Second
	a, mr, client := newRedisLocker(t, WithClock(func() time.Time { return base }))
	b := NewRedis(client, WithClock(func() time.Time { return base.Add(lease + time.Second) }))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	ctx := context.Background()

	okA, err := a.LockNotSafely(ctx, "k", "a", lease)
	require.NoError(t, err)
	okB, err := b.LockNotSafely(ctx, "k", "b", lease)
	require.NoError(t, err)

	assert.True(t, okA)
	assert.True(t, okB, "skewed clock takes over a live lock")
	v, err := mr.Get("k")
	require.NoError(t, err)
	_, token, err := kv.ParseStamped(v)
	require.NoError(t, err)
	assert.Equal(t, "b", token)
}

func TestRedisLockNotSafelyMalformedValue(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("k", "garbage"))
	_, err := l.LockNotSafely(ctx, "k", "a", 10*time.Second)
	assert.ErrorIs(t, err, latcherrors.ErrMalformedValue)

	require.NoError(t, mr.Set("k", "soon|a"))
	_, err = l.LockNotSafely(ctx, "k", "a", 10*time.Second)
	assert.ErrorIs(t, err, latcherrors.ErrMalformedValue)
}

func TestRedisUnavailable(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	mr.Close()
	ctx := context.Background()

	_, err := l.TryLock(ctx, "k", "a", time.Second)
	assert.Error(t, err)
	_, err = l.Release(ctx, "k", "a")
	assert.Error(t, err)
}
