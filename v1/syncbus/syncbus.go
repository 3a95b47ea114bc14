// Package syncbus carries release notifications between processes. A lock
// manager publishes "unlock:<key>" after giving a key up and blocked
// acquirers subscribed to it retry immediately instead of waiting for their
// next poll. Delivery is best effort: a lost notification only delays a
// waiter until the poll fires.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics counts notifications that left and reached this process.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout tracks the local subscriber channels of each key. Channels are
// buffered with capacity one so repeated notifications coalesce.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pending   map[string]struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{
		subs:    make(map[string][]chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// begin marks key as being published. It returns false when a publish of the
// same key is already in flight, in which case the caller skips it.
func (f *fanout) begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[key]; ok {
		return false
	}
	f.pending[key] = struct{}{}
	return true
}

func (f *fanout) end(key string, err error) {
	f.mu.Lock()
	delete(f.pending, key)
	f.mu.Unlock()
	if err == nil {
		f.published.Add(1)
	}
}

// add registers a new channel and reports whether it is the first for key.
func (f *fanout) add(key string) (chan struct{}, bool) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan struct{}) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs, ok := f.subs[key]
	if !ok {
		return false
	}
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return true
	}
	f.subs[key] = subs
	return false
}

// deliver notifies every subscriber of key without blocking.
func (f *fanout) deliver(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[key] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

// closeAll closes every subscriber channel.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
}

// metrics takes the lock so that counts observed after a receive include
// the delivery that produced it.
func (f *fanout) metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx ends.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus is a process-local Bus, used for single-node deployments and
// tests.
type InMemoryBus struct {
	f *fanout
}

var _ Bus = (*InMemoryBus)(nil)

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.f.begin(key) {
		return nil
	}
	b.f.deliver(key)
	b.f.end(key, nil)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx does.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.f.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics { return b.f.metrics() }
