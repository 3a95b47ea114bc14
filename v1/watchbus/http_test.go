package watchbus

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitWatchers(t *testing.T, bus *InMemoryWatchBus, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Watchers() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers, got %d", n, bus.Watchers())
}

func readSSE(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSpace(line)
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=books:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), "books:1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if line := readSSE(t, bufio.NewReader(resp.Body)); line != "data: hello" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerPrefix(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?prefix=books:")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, bus, 1)

	_ = bus.Publish(context.Background(), "jobs", []byte("skip"))
	_ = bus.Publish(context.Background(), "books:7", []byte("seen"))
	if line := readSSE(t, bufio.NewReader(resp.Body)); line != "data: seen" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?key=foo", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, bus, 1)

	cancel()
	waitWatchers(t, bus, 0)
}

type failingWriter struct {
	header http.Header
}

func newFailingWriter() *failingWriter {
	return &failingWriter{header: make(http.Header)}
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnwatches(t *testing.T) {
	bus := NewInMemory()
	handler := SSEHandler(bus)
	req := httptest.NewRequest(http.MethodGet, "/?key=foo", nil)

	done := make(chan struct{})
	go func() {
		handler(newFailingWriter(), req)
		close(done)
	}()
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitWatchers(t, bus, 0)
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + query
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=foo"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, 1)

	if err := bus.Publish(context.Background(), "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestWebSocketHandlerClientClose(t *testing.T) {
	bus := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?prefix="), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitWatchers(t, bus, 1)
	conn.Close()
	waitWatchers(t, bus, 0)
}

func TestWebSocketHandlerContextCancel(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewUnstartedServer(WebSocketHandler(bus))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?key=foo"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, 1)

	cancel()
	waitWatchers(t, bus, 0)
}
