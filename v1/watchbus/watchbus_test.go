package watchbus

import (
	"context"
	"testing"
	"time"
)

func expectMessage(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("watch closed")
		}
		if string(msg) != want {
			t.Fatalf("unexpected %s, want %s", msg, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "books:1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "books:1", []byte("acquired")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, ch, "acquired")

	if err := bus.Unwatch(ctx, "books:1", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if n := bus.Watchers(); n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}

func TestInMemoryWatchBusPrefix(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, _ := bus.Watch(ctx, "books:1")
	chPrefix, err := bus.WatchPrefix(ctx, "books:")
	if err != nil {
		t.Fatalf("watch prefix: %v", err)
	}
	chAll, _ := bus.WatchPrefix(ctx, "")

	_ = bus.Publish(ctx, "books:1", []byte("a"))
	expectMessage(t, chKey, "a")
	expectMessage(t, chPrefix, "a")
	expectMessage(t, chAll, "a")

	_ = bus.Publish(ctx, "jobs", []byte("b"))
	expectMessage(t, chAll, "b")
	select {
	case msg := <-chPrefix:
		t.Fatalf("unexpected %s on books: prefix", msg)
	case <-time.After(20 * time.Millisecond):
	}

	_ = bus.Unwatch(ctx, "books:", chPrefix)
	_ = bus.Unwatch(ctx, "", chAll)
	_ = bus.Unwatch(ctx, "books:1", chKey)
	if n := bus.Watchers(); n != 0 {
		t.Fatalf("expected no watchers, got %d", n)
	}
}

func TestInMemoryWatchBusContextCancel(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Watch(ctx, "k")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unwatch")
	}

	if _, err := bus.Watch(ctx, "k"); err == nil {
		t.Fatal("expected error watching with a canceled context")
	}
}

func TestInMemoryWatchBusSlowWatcherDrops(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, "k")
	for i := 0; i < watchBuffer*2; i++ {
		if err := bus.Publish(ctx, "k", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(ch) != watchBuffer {
		t.Fatalf("expected %d buffered, got %d", watchBuffer, len(ch))
	}
}
