// Package gate implements the wait gate used by coordination locks: a
// versioned broadcast that wakes every waiter of the current round at once.
//
// A waiter reads Version before checking the contended resource and passes
// that version to Wait. If Signal ran in between, Wait returns immediately,
// so a wakeup can never fall between the check and the wait. Every Signal
// opens a new round; there is no fired gate to re-arm by hand.
package gate

import (
	"context"
	"sync"
)

// Gate is a versioned condition. The zero value is not usable; call New.
type Gate struct {
	mu      sync.Mutex
	version uint64
	ch      chan struct{}
}

// New returns a Gate at version zero.
func New() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Version returns the current round.
func (g *Gate) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Wait blocks until the gate moves past version v or ctx is done.
func (g *Gate) Wait(ctx context.Context, v uint64) error {
	g.mu.Lock()
	if g.version != v {
		g.mu.Unlock()
		return nil
	}
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal wakes all waiters of the current round and starts the next one.
// It never blocks.
func (g *Gate) Signal() {
	g.mu.Lock()
	g.version++
	close(g.ch)
	g.ch = make(chan struct{})
	g.mu.Unlock()
}
