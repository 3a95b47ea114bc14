package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

const backendMemory = "memory"

type lockState struct {
	token  string
	timer  *time.Timer
	notify chan struct{}
}

// InMemory implements Locker in process memory. Leases are enforced with
// timers and releases are announced on a syncbus Bus like the Redis locker.
type InMemory struct {
	mu     sync.Mutex
	bus    syncbus.Bus
	watch  watchbus.WatchBus
	logger zerolog.Logger
	locks  map[string]*lockState
}

var _ Locker = (*InMemory)(nil)

// NewInMemory returns a new in-memory locker. Only WithBus, WithWatchBus and
// WithLogger apply.
func NewInMemory(opts ...Option) *InMemory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = syncbus.NewInMemoryBus()
	}
	return &InMemory{
		bus:    o.bus,
		watch:  o.watch,
		logger: o.logger.With().Str("component", "memory_lock").Logger(),
		locks:  make(map[string]*lockState),
	}
}

// TryLock obtains key for token if it is free.
func (l *InMemory) TryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, latcherrors.ErrInvalidLease
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		metrics.AcquireCounter.WithLabelValues(backendMemory, metrics.ResultMiss).Inc()
		return false, nil
	}
	st := &lockState{token: token, notify: make(chan struct{})}
	l.arm(key, st, lease)
	l.locks[key] = st
	l.mu.Unlock()

	metrics.AcquireCounter.WithLabelValues(backendMemory, metrics.ResultOK).Inc()
	emit(ctx, l.watch, l.logger, Event{Type: EventAcquired, Key: key, Token: token, Backend: backendMemory, At: time.Now()})
	return true, nil
}

// arm (re)starts the lease timer of st. Callers hold l.mu.
func (l *InMemory) arm(key string, st *lockState, lease time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(lease, func() { l.expire(key, st, &t) })
	st.timer = t
}

func (l *InMemory) expire(key string, st *lockState, t **time.Timer) {
	l.mu.Lock()
	if l.locks[key] != st || st.timer != *t {
		l.mu.Unlock()
		return
	}
	delete(l.locks, key)
	close(st.notify)
	l.mu.Unlock()
	_ = l.bus.Publish(context.Background(), unlockTopic(key))
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key, token string, lease time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, token, lease)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		var ch chan struct{}
		if st, held := l.locks[key]; held {
			ch = st.notify
		}
		l.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees key if it is held by token.
func (l *InMemory) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		l.mu.Unlock()
		metrics.ReleaseCounter.WithLabelValues(backendMemory, metrics.ResultMiss).Inc()
		return false, nil
	}
	st.timer.Stop()
	close(st.notify)
	delete(l.locks, key)
	l.mu.Unlock()

	metrics.ReleaseCounter.WithLabelValues(backendMemory, metrics.ResultOK).Inc()
	_ = l.bus.Publish(context.WithoutCancel(ctx), unlockTopic(key))
	emit(ctx, l.watch, l.logger, Event{Type: EventReleased, Key: key, Token: token, Backend: backendMemory, At: time.Now()})
	return true, nil
}

// Renew resets the lease of key if it is held by token.
func (l *InMemory) Renew(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, latcherrors.ErrInvalidLease
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		return false, nil
	}
	st.timer.Stop()
	l.arm(key, st, lease)
	return true, nil
}

// Holder returns the token holding key, if any.
func (l *InMemory) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok {
		return "", false
	}
	return st.token, true
}
