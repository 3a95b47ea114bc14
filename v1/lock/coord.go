package lock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/coord"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/gate"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

const backendCoord = "coord"

const (
	DefaultParent = "/demo-locks"
	DefaultNode   = "distributed_lock"
	// DefaultRetryBackoff is the pause after a connectivity error in GetLock.
	DefaultRetryBackoff = time.Second
)

// State is the local view of a coordination lock.
type State int32

const (
	StateUnlocked State = iota
	StateLocked
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateWaiting:
		return "waiting"
	default:
		return "unlocked"
	}
}

// Coordinated is a blocking lock on a single ephemeral node. The node's
// existence is the lock and its owner is the client session, so a crashed
// holder releases it when its session expires.
//
// A Coordinated is a single participant: goroutines sharing one must not
// call GetLock concurrently.
type Coordinated struct {
	client       coord.Client
	parent       string
	node         string
	path         string
	gate         *gate.Gate
	watch        watchbus.WatchBus
	logger       zerolog.Logger
	maxAttempts  int
	retryBackoff time.Duration

	state     atomic.Int32
	watchLost atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewCoordinated ensures the parent path exists, registers a children watch
// on it and starts the dispatcher that turns node removals into wakeups.
func NewCoordinated(ctx context.Context, client coord.Client, opts ...Option) (*Coordinated, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := client.EnsurePath(ctx, o.parent); err != nil {
		return nil, fmt.Errorf("lock: ensure parent %q: %w", o.parent, err)
	}
	wctx, cancel := context.WithCancel(context.Background())
	events, err := client.WatchChildren(wctx, o.parent)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("lock: watch %q: %w", o.parent, err)
	}
	c := &Coordinated{
		client:       client,
		parent:       o.parent,
		node:         o.node,
		path:         path.Join(o.parent, o.node),
		gate:         gate.New(),
		watch:        o.watch,
		logger:       o.logger.With().Str("component", "coord_lock").Str("path", path.Join(o.parent, o.node)).Logger(),
		maxAttempts:  o.maxAttempts,
		retryBackoff: o.retryBackoff,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.dispatch(wctx, events)
	return c, nil
}

// dispatch runs apart from the client's delivery goroutine so that waking
// waiters never holds up event delivery.
func (c *Coordinated) dispatch(ctx context.Context, events <-chan coord.Event) {
	defer close(c.done)
	for e := range events {
		if e.Type != coord.EventChildRemoved || path.Base(e.Path) != c.node {
			continue
		}
		c.logger.Debug().Msg("lock node removed, waking waiters")
		metrics.WakeupCounter.Inc()
		c.gate.Signal()
	}
	if ctx.Err() == nil {
		c.logger.Warn().Msg("children watch ended, waiters fall back to polling")
		c.watchLost.Store(true)
		c.gate.Signal()
	}
}

// Path returns the lock node path.
func (c *Coordinated) Path() string { return c.path }

// State returns the local lock state.
func (c *Coordinated) State() State { return State(c.state.Load()) }

// GetLock blocks until this session creates the lock node. While the node
// exists it waits on the gate; connectivity errors are logged and retried
// after the backoff. It returns ctx.Err() when ctx ends and
// ErrAttemptsExhausted when a bounded policy gives up.
func (c *Coordinated) GetLock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "latch.getlock", trace.WithAttributes(
		attribute.String("lock.key", c.path),
		attribute.String("lock.backend", backendCoord),
	))
	var err error
	defer func() { endSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			c.giveUp()
			return err
		}
		v := c.gate.Version()
		cerr := c.client.CreateEphemeral(ctx, c.path)
		poll := true
		switch {
		case cerr == nil:
			c.state.Store(int32(StateLocked))
			metrics.AcquireCounter.WithLabelValues(backendCoord, metrics.ResultOK).Inc()
			c.logger.Debug().Int("attempt", attempt).Msg("lock acquired")
			emit(ctx, c.watch, c.logger, Event{Type: EventAcquired, Key: c.path, Backend: backendCoord, At: time.Now()})
			return nil
		case errors.Is(cerr, coord.ErrNodeExists):
			if c.state.Swap(int32(StateWaiting)) != int32(StateWaiting) {
				emit(ctx, c.watch, c.logger, Event{Type: EventWaiting, Key: c.path, Backend: backendCoord, At: time.Now()})
			}
			metrics.AcquireCounter.WithLabelValues(backendCoord, metrics.ResultMiss).Inc()
			poll = c.watchLost.Load()
		case ctx.Err() != nil:
			err = ctx.Err()
			c.giveUp()
			return err
		default:
			metrics.AcquireCounter.WithLabelValues(backendCoord, metrics.ResultError).Inc()
			c.logger.Warn().Err(cerr).Int("attempt", attempt).Dur("backoff", c.retryBackoff).Msg("create lock node failed, retrying")
		}

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			c.giveUp()
			err = fmt.Errorf("%w: %d attempts on %s, last: %v", latcherrors.ErrAttemptsExhausted, attempt, c.path, cerr)
			return err
		}
		if err = c.wait(ctx, v, poll); err != nil {
			c.giveUp()
			return err
		}
	}
}

func (c *Coordinated) giveUp() {
	c.state.CompareAndSwap(int32(StateWaiting), int32(StateUnlocked))
}

// wait blocks on the gate for round v. With poll set it also returns after
// the retry backoff.
func (c *Coordinated) wait(ctx context.Context, v uint64, poll bool) error {
	metrics.WaitersGauge.Inc()
	defer metrics.WaitersGauge.Dec()
	if !poll {
		return c.gate.Wait(ctx, v)
	}
	wctx, cancel := context.WithTimeout(ctx, c.retryBackoff)
	defer cancel()
	err := c.gate.Wait(wctx, v)
	if err != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

// ReleaseLock deletes the lock node held by this instance. It returns true
// when the node is gone afterwards, including when it already was, and false
// with the local state unchanged when the store could not be reached. An
// instance that does not hold the lock leaves the node alone.
func (c *Coordinated) ReleaseLock(ctx context.Context) bool {
	if c.State() != StateLocked {
		return true
	}
	ctx, span := tracer.Start(ctx, "latch.releaselock", trace.WithAttributes(
		attribute.String("lock.key", c.path),
		attribute.String("lock.backend", backendCoord),
	))
	err := c.client.Delete(ctx, c.path)
	if errors.Is(err, coord.ErrNoNode) {
		err = nil
	}
	endSpan(span, err)
	metrics.ReleaseCounter.WithLabelValues(backendCoord, metrics.Result(err == nil, err)).Inc()
	if err != nil {
		c.logger.Error().Err(err).Msg("release lock failed")
		return false
	}
	c.state.Store(int32(StateUnlocked))
	emit(ctx, c.watch, c.logger, Event{Type: EventReleased, Key: c.path, Backend: backendCoord, At: time.Now()})
	return true
}

// Close stops the watch and the dispatcher. It does not release the lock or
// close the client.
func (c *Coordinated) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}
