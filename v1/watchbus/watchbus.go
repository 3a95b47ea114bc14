// Package watchbus streams lock lifecycle events to observers. Lock managers
// publish one message per event under the lock key; dashboards and tests
// watch a single key or every key sharing a prefix.
package watchbus

import "context"

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key and to every
	// prefix watcher whose prefix matches key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to messages for every key starting with prefix.
	// An empty prefix matches all keys.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages to ch, which was returned by Watch
	// or WatchPrefix for key.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// watchBuffer is the per-watcher queue depth. Watchers that fall further
// behind lose messages rather than stalling publishers.
const watchBuffer = 16
