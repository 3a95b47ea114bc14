package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitBlocksUntilSignal(t *testing.T) {
	g := New()
	v := g.Version()
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), v) }()

	select {
	case <-done:
		t.Fatal("wait returned before signal")
	case <-time.After(20 * time.Millisecond):
	}

	g.Signal()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait not released by signal")
	}
	assert.Equal(t, v+1, g.Version())
}

func TestSignalBeforeWaitIsNotLost(t *testing.T) {
	g := New()
	v := g.Version()
	g.Signal()
	require.NoError(t, g.Wait(context.Background(), v))
}

func TestNextRoundBlocksAgain(t *testing.T) {
	g := New()
	g.Signal()
	v := g.Version()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx, v), context.DeadlineExceeded)
}

func TestSignalWakesAllWaiters(t *testing.T) {
	g := New()
	v := g.Version()
	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = g.Wait(context.Background(), v)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	g.Signal()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not every waiter woke up")
	}
}

func TestConcurrentSignals(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Signal()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), g.Version())
}
