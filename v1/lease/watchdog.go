// Package lease keeps held locks alive. A Watchdog renews one (key, token)
// lease on a fixed interval until it is stopped or the store reports that the
// token no longer owns the key.
package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

// RenewFunc extends the lease once. It returns false when the lease is no
// longer owned by the caller.
type RenewFunc func(ctx context.Context) (bool, error)

// Interval returns the renewal period for a lease of ttl: two thirds of it,
// so one renewal lands before expiry even if the first is late.
func Interval(ttl time.Duration) time.Duration {
	interval := ttl * 2 / 3
	if interval <= 0 {
		interval = ttl
	}
	return interval
}

// Watchdog renews a single lease in the background.
type Watchdog struct {
	id       string
	key      string
	ttl      time.Duration
	interval time.Duration
	renew    RenewFunc
	logger   zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	lost     atomic.Bool
	stopOnce sync.Once
	onExit   func(*Watchdog)
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger used for renewal outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithInterval overrides the renewal interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

func withExitHook(fn func(*Watchdog)) Option {
	return func(w *Watchdog) { w.onExit = fn }
}

// Start launches a watchdog for key that calls renew every Interval(ttl).
// The watchdog's lifetime is bounded by parent as well as Stop.
func Start(parent context.Context, key string, ttl time.Duration, renew RenewFunc, opts ...Option) (*Watchdog, error) {
	if ttl <= 0 {
		return nil, latcherrors.ErrInvalidLease
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	w := &Watchdog{
		id:       id,
		key:      key,
		ttl:      ttl,
		interval: Interval(ttl),
		renew:    renew,
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("watchdog", id).Str("key", key).Logger()

	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	metrics.WatchdogGauge.Inc()
	go w.run(ctx)
	return w, nil
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer func() {
		ticker.Stop()
		metrics.WatchdogGauge.Dec()
		w.cancel()
		close(w.done)
		if w.onExit != nil {
			w.onExit(w)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// the tick raced with Stop
		if ctx.Err() != nil {
			return
		}
		ok, err := w.renew(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			metrics.RenewCounter.WithLabelValues(metrics.ResultError).Inc()
			w.logger.Warn().Err(err).Msg("lease renewal failed, retrying next tick")
		case !ok:
			metrics.RenewCounter.WithLabelValues(metrics.ResultLost).Inc()
			w.lost.Store(true)
			w.logger.Info().Msg("lease no longer owned, watchdog exiting")
			return
		default:
			metrics.RenewCounter.WithLabelValues(metrics.ResultOK).Inc()
			w.logger.Debug().Dur("ttl", w.ttl).Msg("lease renewed")
		}
	}
}

// Stop cancels the watchdog and waits for it to exit. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

// Done is closed once the watchdog has exited.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

// Lost reports whether the watchdog exited because the lease was taken over.
func (w *Watchdog) Lost() bool { return w.lost.Load() }

// ID returns the watchdog identifier.
func (w *Watchdog) ID() string { return w.id }

// Key returns the lease key.
func (w *Watchdog) Key() string { return w.key }

// Interval returns the renewal period in use.
func (w *Watchdog) Interval() time.Duration { return w.interval }
