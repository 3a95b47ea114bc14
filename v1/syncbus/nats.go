package syncbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

const natsFlushTimeout = 5 * time.Second

// NATSBus implements Bus using core NATS subjects, one per key.
type NATSBus struct {
	conn *nats.Conn
	f    *fanout
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		f:    newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.f.begin(key) {
		return nil
	}
	err := b.conn.Publish(key, []byte("1"))
	b.f.end(key, err)
	if err != nil {
		return fmt.Errorf("syncbus: nats publish %q: %w", key, err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The interest is flushed to the server
// before returning.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.f.add(key)
	if first {
		sub, err := b.conn.Subscribe(key, func(_ *nats.Msg) {
			b.f.deliver(key)
		})
		if err == nil {
			err = b.conn.FlushTimeout(natsFlushTimeout)
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.f.remove(key, ch)
			return nil, fmt.Errorf("syncbus: nats subscribe %q: %w", key, err)
		}
		b.subs[key] = sub
	}
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.f.remove(key, ch) {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics { return b.f.metrics() }
