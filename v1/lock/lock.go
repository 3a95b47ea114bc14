// Package lock provides distributed mutual exclusion over two substrates.
//
// Redis keeps a lease record per key: TryLock sets it if absent, Lock also
// starts a watchdog that renews the lease while the holder works, and
// Release deletes it only when the caller's token still matches. Blocked
// acquirers are woken early through a syncbus Bus.
//
// Coordinated uses an ephemeral node in a coordination service: the node
// existing is the lock, and waiters sleep on a wait gate that is signalled
// whenever the node is removed, by release or by session expiry.
package lock

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

// Locker is the contract shared by the key-based lock managers. A false
// result means the lock is held by someone else or no longer owned; errors
// are reserved for transport and argument failures.
type Locker interface {
	TryLock(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error)
}

// NewToken returns a fresh ownership token.
func NewToken() string { return uuid.NewString() }

// EventType names a lock lifecycle transition.
type EventType string

const (
	EventAcquired EventType = "acquired"
	EventReleased EventType = "released"
	// EventLost is emitted when a watchdog finds its lease taken over.
	EventLost    EventType = "lost"
	EventWaiting EventType = "waiting"
)

// Event is the payload published on the watch bus under the lock key.
type Event struct {
	Type    EventType `json:"type"`
	Key     string    `json:"key"`
	Token   string    `json:"token,omitempty"`
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
}

// Encode returns the JSON form of e.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// DecodeEvent parses a payload produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

func unlockTopic(key string) string { return "unlock:" + key }

type options struct {
	bus          syncbus.Bus
	watch        watchbus.WatchBus
	logger       zerolog.Logger
	scheduler    *Scheduler
	now          func() time.Time
	pollInterval time.Duration

	parent       string
	node         string
	maxAttempts  int
	retryBackoff time.Duration
}

func defaultOptions() options {
	return options{
		logger:       zerolog.Nop(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		parent:       DefaultParent,
		node:         DefaultNode,
		retryBackoff: DefaultRetryBackoff,
	}
}

// Option configures a lock manager. Options that do not apply to a manager
// are ignored by it.
type Option func(*options)

// WithBus sets the bus used to announce releases and wake blocked acquirers.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithWatchBus publishes lock events to wb.
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(o *options) { o.watch = wb }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithScheduler shares a delayed release pool between managers. A shared
// scheduler is not closed by the manager.
func WithScheduler(s *Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithClock overrides the clock used to stamp unsafe lock values.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval sets how often Acquire retries without a bus notification.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithParent sets the persistent parent path of a coordination lock.
func WithParent(p string) Option {
	return func(o *options) { o.parent = p }
}

// WithNode sets the ephemeral node name of a coordination lock.
func WithNode(name string) Option {
	return func(o *options) { o.node = name }
}

// WithMaxAttempts bounds GetLock create attempts. Zero means unbounded.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets how long GetLock waits after a connectivity error
// before trying again, unless the gate fires first.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

// emit publishes e on wb. Failures are logged and otherwise ignored.
func emit(ctx context.Context, wb watchbus.WatchBus, logger zerolog.Logger, e Event) {
	if wb == nil {
		return
	}
	data, err := e.Encode()
	if err != nil {
		logger.Error().Err(err).Str("key", e.Key).Msg("encode lock event")
		return
	}
	if err := wb.Publish(context.WithoutCancel(ctx), e.Key, data); err != nil {
		logger.Debug().Err(err).Str("key", e.Key).Str("event", string(e.Type)).Msg("publish lock event")
	}
}
