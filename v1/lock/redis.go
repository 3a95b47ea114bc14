package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/kv"
	"github.com/mirkobrombin/go-latch/v1/lease"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

const backendRedis = "redis"

// DefaultPollInterval is how often Acquire retries when no release
// notification arrives. Natural expiry publishes nothing.
const DefaultPollInterval = 100 * time.Millisecond

// Redis implements Locker on a Redis backend.
type Redis struct {
	kv       *kv.Client
	bus      syncbus.Bus
	watch    watchbus.WatchBus
	leases   *lease.Manager
	sched    *Scheduler
	ownSched bool
	logger   zerolog.Logger
	now      func() time.Time
	poll     time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = syncbus.NewInMemoryBus()
	}
	logger := o.logger.With().Str("component", "redis_lock").Logger()
	r := &Redis{
		kv:     kv.New(client),
		bus:    o.bus,
		watch:  o.watch,
		leases: lease.NewManager(logger),
		sched:  o.scheduler,
		logger: logger,
		now:    o.now,
		poll:   o.pollInterval,
	}
	if r.sched == nil {
		r.sched = NewScheduler(DefaultReleaseWorkers, logger)
		r.ownSched = true
	}
	return r
}

func (r *Redis) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.backend", backendRedis),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TryLock sets key to token with the given lease if key is absent. It
// returns false immediately when the lock is held and starts nothing.
func (r *Redis) TryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ctx, span := r.span(ctx, "latch.trylock", key)
	ok, err := r.kv.SetIfAbsent(ctx, key, token, lease)
	endSpan(span, err)
	metrics.AcquireCounter.WithLabelValues(backendRedis, metrics.Result(ok, err)).Inc()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if ok {
		emit(ctx, r.watch, r.logger, Event{Type: EventAcquired, Key: key, Token: token, Backend: backendRedis, At: r.now()})
	}
	return ok, nil
}

// Lock acquires key like TryLock and, on success, starts a watchdog that
// renews the lease every two-thirds of its duration until Release.
func (r *Redis) Lock(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ok, err := r.TryLock(ctx, key, token, lease)
	if err != nil || !ok {
		return ok, err
	}
	_, err = r.leases.Start(key, token, lease, r.renewer(key, token, lease))
	if err != nil {
		_, _ = r.kv.CompareAndDelete(context.WithoutCancel(ctx), key, token)
		return false, fmt.Errorf("lock: start watchdog for %q: %w", key, err)
	}
	r.logger.Debug().Str("key", key).Dur("lease", lease).Msg("lock acquired")
	return true, nil
}

func (r *Redis) renewer(key, token string, ttl time.Duration) lease.RenewFunc {
	return func(ctx context.Context) (bool, error) {
		ok, err := r.Renew(ctx, key, token, ttl)
		if err == nil && !ok {
			emit(ctx, r.watch, r.logger, Event{Type: EventLost, Key: key, Token: token, Backend: backendRedis, At: r.now()})
		}
		return ok, err
	}
}

// Acquire blocks until the lock is obtained with a watchdog, or ctx is done.
// Between attempts it waits for a release notification or the poll interval.
func (r *Redis) Acquire(ctx context.Context, key, token string, lease time.Duration) error {
	topic := unlockTopic(key)
	// bounds the bus subscription to this call
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := r.bus.Subscribe(sctx, topic)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("release notifications unavailable, polling")
	} else {
		sub := ch
		defer func() { _ = r.bus.Unsubscribe(context.Background(), topic, sub) }()
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.Lock(ctx, key, token, lease)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case _, open := <-ch:
			if !open {
				ch = nil
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release stops the watchdog of (key, token) and deletes key if it still
// holds token. Releasing a lock that is gone or owned by another token
// returns false without error.
func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	r.leases.Stop(key, token)
	ctx, span := r.span(ctx, "latch.release", key)
	ok, err := r.kv.CompareAndDelete(ctx, key, token)
	endSpan(span, err)
	metrics.ReleaseCounter.WithLabelValues(backendRedis, metrics.Result(ok, err)).Inc()
	if err != nil {
		return false, fmt.Errorf("lock: release %q: %w", key, err)
	}
	if ok {
		r.released(ctx, key, token)
	}
	return ok, nil
}

func (r *Redis) released(ctx context.Context, key, token string) {
	if err := r.bus.Publish(context.WithoutCancel(ctx), unlockTopic(key)); err != nil {
		r.logger.Debug().Err(err).Str("key", key).Msg("publish release notification")
	}
	emit(ctx, r.watch, r.logger, Event{Type: EventReleased, Key: key, Token: token, Backend: backendRedis, At: r.now()})
}

// ReleaseAfter releases (key, token) once delay has passed. The lock stays
// held and renewed until then. A non-positive delay releases immediately.
func (r *Redis) ReleaseAfter(key, token string, delay time.Duration) error {
	if delay <= 0 {
		_, err := r.Release(context.Background(), key, token)
		return err
	}
	return r.sched.Schedule(delay, func(ctx context.Context) {
		if _, err := r.Release(ctx, key, token); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("delayed release failed")
		}
	})
}

// Renew extends the lease of key to lease if it still holds token. This is
// the operation the watchdog runs on every tick.
func (r *Redis) Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ctx, span := r.span(ctx, "latch.renew", key)
	ok, err := r.kv.CompareAndRenew(ctx, key, token, lease)
	endSpan(span, err)
	return ok, err
}

// LockNotSafely acquires key with a value stamped with its absolute expiry
// and takes over a value whose stamp has passed.
//
// It is kept as a reference for what not to do: SETNX and EXPIRE are two
// separate commands, and a takeover trusts the caller's clock, so two
// contenders with skewed clocks can both be told they hold the lock. With
// equal clocks GETSET lets only one of them win, but every loser still
// overwrites the stored stamp and the winner can no longer release by token.
func (r *Redis) LockNotSafely(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, latcherrors.ErrInvalidLease
	}
	ctx, span := r.span(ctx, "latch.lock_unsafe", key)
	ok, err := r.lockNotSafely(ctx, key, token, lease)
	endSpan(span, err)
	metrics.AcquireCounter.WithLabelValues(backendRedis, metrics.Result(ok, err)).Inc()
	return ok, err
}

func (r *Redis) lockNotSafely(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	value := kv.Stamp(r.now().Add(lease), token)
	ok, err := r.kv.SetIfAbsentNoExpiry(ctx, key, value)
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if ok {
		r.expireStamped(ctx, key, lease)
		return true, nil
	}

	prev, existed, err := r.kv.GetSet(ctx, key, value)
	if err != nil {
		return false, fmt.Errorf("lock: acquire %q: %w", key, err)
	}
	if !existed {
		// vanished between SETNX and GETSET: the value just written is ours
		r.expireStamped(ctx, key, lease)
		return true, nil
	}
	expiry, _, err := kv.ParseStamped(prev)
	if err != nil {
		return false, fmt.Errorf("lock: key %q: %w", key, err)
	}
	if !expiry.Add(time.Millisecond).After(r.now()) {
		r.expireStamped(ctx, key, lease)
		return true, nil
	}
	return false, nil
}

func (r *Redis) expireStamped(ctx context.Context, key string, lease time.Duration) {
	if err := r.kv.Expire(ctx, key, lease); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("expire after unsafe acquire failed, stamp still allows takeover")
	}
}

// ReleaseNotSafely deletes key if the token part of its stamped value
// matches token. A stored value that is not stamped is an error.
func (r *Redis) ReleaseNotSafely(ctx context.Context, key, token string) (bool, error) {
	ctx, span := r.span(ctx, "latch.release_unsafe", key)
	ok, err := r.kv.CompareStampedAndDelete(ctx, key, token)
	endSpan(span, err)
	metrics.ReleaseCounter.WithLabelValues(backendRedis, metrics.Result(ok, err)).Inc()
	if err != nil {
		return false, err
	}
	if ok {
		r.released(ctx, key, token)
	}
	return ok, nil
}

// Watchdogs returns the number of leases currently being renewed.
func (r *Redis) Watchdogs() int { return r.leases.Len() }

// Close runs pending delayed releases, then stops every watchdog. Locks
// still held are left to expire. A shared scheduler is left running.
func (r *Redis) Close(ctx context.Context) error {
	var err error
	if r.ownSched {
		err = r.sched.Close(ctx)
	}
	r.leases.StopAll()
	return err
}
