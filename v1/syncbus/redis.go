package syncbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	redisBusTimeout  = 5 * time.Second
	redisBusAttempts = 3
	// DefaultRedisPrefix namespaces bus channels on a shared Redis.
	DefaultRedisPrefix = "latch:bus:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/syncbus")

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client redis.UniversalClient
	// Prefix is prepended to every key to form the channel name.
	Prefix string
	Logger zerolog.Logger
}

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE with one PubSub
// connection per subscribed key.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger

	f      *fanout
	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus returns a new RedisBus.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBus{
		client: opts.Client,
		prefix: prefix,
		logger: opts.Logger.With().Str("component", "syncbus.redis").Logger(),
		f:      newFanout(),
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish. Transient failures are retried a few times.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "syncbus.Publish",
		trace.WithAttributes(attribute.String("syncbus.key", key), attribute.String("syncbus.backend", "redis")))
	defer span.End()

	if !b.f.begin(key) {
		return nil
	}
	var err error
	for attempt := 0; attempt < redisBusAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err = b.client.Publish(cctx, b.prefix+key, "1").Err()
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
		b.logger.Debug().Err(err).Str("key", key).Int("attempt", attempt+1).Msg("publish failed")
		time.Sleep(10 * time.Millisecond)
	}
	b.f.end(key, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("syncbus: redis publish %q: %w", key, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so a publish issued afterwards is observed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, redis.ErrClosed
	}
	ch, first := b.f.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), b.prefix+key)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.f.remove(key, ch)
			return nil, fmt.Errorf("syncbus: redis subscribe %q: %w", key, err)
		}
		b.subs[key] = ps
		go b.dispatch(key, ps)
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.f.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.f.remove(key, ch) {
		return nil
	}
	ps, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics { return b.f.metrics() }

// Close drops every subscription. The Redis client itself stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key, ps := range b.subs {
		_ = ps.Close()
		delete(b.subs, key)
	}
	b.f.closeAll()
	return nil
}
