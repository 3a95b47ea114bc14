package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu       sync.Mutex
	subs     map[string][]chan []byte
	prefixes map[string][]chan []byte
}

var _ WatchBus = (*InMemoryWatchBus)(nil)

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:     make(map[string][]chan []byte),
		prefixes: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key without blocking.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		offer(ch, data)
	}
	for prefix, chans := range b.prefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, ch := range chans {
			offer(ch, data)
		}
	}
	return nil
}

func offer(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, b.subs, key)
}

// WatchPrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, b.prefixes, prefix)
}

func (b *InMemoryWatchBus) watch(ctx context.Context, set map[string][]chan []byte, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, watchBuffer)
	b.mu.Lock()
	set[key] = append(set[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers of key and closes it.
func (b *InMemoryWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !removeWatcher(b.subs, key, ch) {
		removeWatcher(b.prefixes, key, ch)
	}
	return nil
}

func removeWatcher(set map[string][]chan []byte, key string, ch chan []byte) bool {
	subs := set[key]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		if len(subs) == 0 {
			delete(set, key)
		} else {
			set[key] = subs
		}
		close(c)
		return true
	}
	return false
}

// Watchers returns the number of active watchers, exact and prefix.
func (b *InMemoryWatchBus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		n += len(s)
	}
	for _, s := range b.prefixes {
		n += len(s)
	}
	return n
}
