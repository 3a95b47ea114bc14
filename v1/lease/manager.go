package lease

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type leaseID struct {
	key   string
	token string
}

// Manager tracks the watchdogs of the locks held by one process, indexed by
// (key, token).
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[leaseID]*Watchdog
}

// NewManager returns an empty Manager. Watchdogs it starts live until they
// are stopped, lose their lease, or StopAll is called.
func NewManager(logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		leases: make(map[leaseID]*Watchdog),
	}
}

// Start begins renewing the lease of (key, token). A watchdog already running
// for the same pair is stopped first.
func (m *Manager) Start(key, token string, ttl time.Duration, renew RenewFunc) (*Watchdog, error) {
	id := leaseID{key: key, token: token}
	m.Stop(key, token)

	w, err := Start(m.ctx, key, ttl, renew,
		WithLogger(m.logger),
		withExitHook(func(w *Watchdog) { m.forget(id, w) }),
	)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	select {
	case <-w.done:
		// exited before registration, forget already ran
	default:
		m.leases[id] = w
	}
	m.mu.Unlock()
	return w, nil
}

// Stop halts the watchdog of (key, token). It reports whether one was running.
func (m *Manager) Stop(key, token string) bool {
	id := leaseID{key: key, token: token}
	m.mu.Lock()
	w, ok := m.leases[id]
	delete(m.leases, id)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
	return ok
}

// Get returns the watchdog of (key, token), if any.
func (m *Manager) Get(key, token string) (*Watchdog, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.leases[leaseID{key: key, token: token}]
	return w, ok
}

// Len returns the number of running watchdogs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// StopAll halts every watchdog. Start must not be called afterwards.
func (m *Manager) StopAll() {
	m.cancel()
	m.mu.Lock()
	ws := make([]*Watchdog, 0, len(m.leases))
	for id, w := range m.leases {
		ws = append(ws, w)
		delete(m.leases, id)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

func (m *Manager) forget(id leaseID, w *Watchdog) {
	m.mu.Lock()
	if cur, ok := m.leases[id]; ok && cur == w {
		delete(m.leases, id)
	}
	m.mu.Unlock()
}
