package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

// jobLocker is the blocking lock guarding POST /jobs.
type jobLocker interface {
	GetLock(ctx context.Context) error
	ReleaseLock(ctx context.Context) bool
}

type healthChecker interface {
	IsHealthy() bool
}

type server struct {
	books        lock.Locker
	jobs         jobLocker
	watch        watchbus.WatchBus
	bus          healthChecker
	registry     *prometheus.Registry
	lease        time.Duration
	releaseDelay time.Duration
	logger       zerolog.Logger

	// one GetLock at a time per process
	slot chan struct{}
}

func newServer(s server) *server {
	s.slot = make(chan struct{}, 1)
	return &s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/books", s.handleBooks)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.watch != nil {
		mux.Handle("/events", watchbus.SSEHandler(s.watch))
		mux.Handle("/events/ws", watchbus.WebSocketHandler(s.watch))
	}
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleBooks answers one request per token at a time. A second request for
// the same token while the first holds the lock is a duplicate submission.
func (s *server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	key := lock.KeyFor("books", "", token)
	err := lock.Guard(r.Context(), s.books, key, s.lease, func(context.Context) error {
		writeJSON(w, http.StatusOK, map[string]string{"result": "success - " + token})
		return nil
	}, lock.WithReleaseDelay(s.releaseDelay))
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrAlreadyLocked):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate submission", "key": key})
	default:
		s.logger.Error().Err(err).Str("key", key).Msg("books request failed")
		http.Error(w, "lock unavailable", http.StatusServiceUnavailable)
	}
}

// handleJobs runs a job while holding the coordination lock. The optional
// work parameter is how long the job takes, e.g. ?work=250ms.
func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var work time.Duration
	if v := r.URL.Query().Get("work"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid work duration", http.StatusBadRequest)
			return
		}
		work = d
	}

	ctx := r.Context()
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.slot }()

	start := time.Now()
	if err := s.jobs.GetLock(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("job lock failed")
			http.Error(w, "lock unavailable", http.StatusServiceUnavailable)
		}
		return
	}
	waited := time.Since(start)
	defer func() {
		if !s.jobs.ReleaseLock(context.WithoutCancel(ctx)) {
			s.logger.Warn().Msg("job lock not released, left to session expiry")
		}
	}()

	select {
	case <-time.After(work):
	case <-ctx.Done():
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "done",
		"waited": waited.String(),
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.bus != nil && !s.bus.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"bus": "open"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
