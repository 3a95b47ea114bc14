package watchbus

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces event channels on a shared Redis.
const DefaultRedisPrefix = "latch:events:"

// RedisWatchBus fans events out across processes with Redis pub/sub.
// Exact watchers use SUBSCRIBE and prefix watchers use PSUBSCRIBE.
type RedisWatchBus struct {
	client  redis.UniversalClient
	prefix  string
	mu      sync.Mutex
	cancels map[chan []byte]context.CancelFunc
}

var _ WatchBus = (*RedisWatchBus)(nil)

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client redis.UniversalClient) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		prefix:  DefaultRedisPrefix,
		cancels: make(map[chan []byte]context.CancelFunc),
	}
}

// Publish sends data on the channel of key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.Publish(ctx, b.prefix+key, data).Err()
}

// Watch subscribes to key. It returns once Redis confirmed the subscription.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.client.Subscribe(ctx, b.prefix+key))
}

// WatchPrefix subscribes to every key starting with prefix.
func (b *RedisWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.client.PSubscribe(ctx, escapeGlob(b.prefix+prefix)+"*"))
}

func (b *RedisWatchBus) watch(ctx context.Context, ps *redis.PubSub) (chan []byte, error) {
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	b.cancels[ch] = cancel
	b.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		defer func() {
			_ = ps.Close()
			b.mu.Lock()
			delete(b.cancels, ch)
			b.mu.Unlock()
			close(ch)
		}()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				offer(ch, []byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch stops the watch behind ch. The channel is closed asynchronously.
func (b *RedisWatchBus) Unwatch(_ context.Context, _ string, ch chan []byte) error {
	b.mu.Lock()
	cancel, ok := b.cancels[ch]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
