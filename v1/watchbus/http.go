package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// watchRequest subscribes according to the "key" or "prefix" query
// parameter. The returned key is what Unwatch expects.
func watchRequest(ctx context.Context, bus WatchBus, r *http.Request) (string, chan []byte, int, error) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return key, ch, 0, nil
	}
	if q.Has("prefix") {
		prefix := q.Get("prefix")
		ch, err := bus.WatchPrefix(ctx, prefix)
		if err != nil {
			return "", nil, http.StatusInternalServerError, err
		}
		return prefix, ch, 0, nil
	}
	return "", nil, http.StatusBadRequest, fmt.Errorf("missing key or prefix")
}

func hasTarget(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("key") != "" || q.Has("prefix")
}

// SSEHandler streams WatchBus events over Server-Sent Events. The target is
// taken from the "key" query parameter, or "prefix" to follow many keys.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		key, ch, status, err := watchRequest(ctx, bus, r)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		defer func() { _ = bus.Unwatch(context.Background(), key, ch) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus events over WebSocket, one text message
// per event. Query parameters are the same as SSEHandler.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hasTarget(r) {
			http.Error(w, "missing key or prefix", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		key, ch, _, err := watchRequest(ctx, bus, r)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer func() { _ = bus.Unwatch(context.Background(), key, ch) }()

		// Reads detect a client going away.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
