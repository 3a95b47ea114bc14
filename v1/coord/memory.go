package coord

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

type memNode struct {
	owner uint64 // session id, 0 for persistent nodes
}

// MemoryStore is an in-process coordination store. Sessions obtained from
// NewSession behave like independent clients: ephemeral nodes belong to
// their session and vanish when it is closed or expired.
type MemoryStore struct {
	mu          sync.Mutex
	nodes       map[string]*memNode
	watches     map[string]map[*memWatch]struct{}
	nextSession uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[string]*memNode),
		watches: make(map[string]map[*memWatch]struct{}),
	}
}

// NewSession opens a new client session.
func (s *MemoryStore) NewSession() *MemorySession {
	s.mu.Lock()
	s.nextSession++
	id := s.nextSession
	s.mu.Unlock()
	return &MemorySession{store: s, id: id}
}

// Has reports whether a node exists at p.
func (s *MemoryStore) Has(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[p]
	return ok
}

// Children returns the sorted child names of p.
func (s *MemoryStore) Children(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(p)
}

func (s *MemoryStore) childrenLocked(p string) []string {
	var out []string
	prefix := p + "/"
	for n := range s.nodes {
		if strings.HasPrefix(n, prefix) && !strings.Contains(n[len(prefix):], "/") {
			out = append(out, n[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) createLocked(p string, owner uint64) {
	s.nodes[p] = &memNode{owner: owner}
	s.notifyLocked(Event{Type: EventChildAdded, Path: p})
}

func (s *MemoryStore) deleteLocked(p string) {
	delete(s.nodes, p)
	s.notifyLocked(Event{Type: EventChildRemoved, Path: p})
}

func (s *MemoryStore) notifyLocked(e Event) {
	for w := range s.watches[path.Dir(e.Path)] {
		w.push(e)
	}
}

func (s *MemoryStore) ensureLocked(p string) {
	for _, parent := range append(Parents(p), p) {
		if _, ok := s.nodes[parent]; !ok {
			s.createLocked(parent, 0)
		}
	}
}

// expire removes the ephemeral nodes of session id.
func (s *MemoryStore) expire(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owned []string
	for p, n := range s.nodes {
		if n.owner == id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.deleteLocked(p)
	}
}

// MemorySession is a Client bound to a MemoryStore.
type MemorySession struct {
	store   *MemoryStore
	id      uint64
	closed  atomic.Bool
	offline atomic.Bool

	mu      sync.Mutex
	cancels []context.CancelFunc
}

var _ Client = (*MemorySession)(nil)

// ID returns the session id.
func (c *MemorySession) ID() uint64 { return c.id }

// SetOffline simulates a lost connection: requests fail with
// ErrConnectionLoss while offline. Watches keep their registration.
func (c *MemorySession) SetOffline(offline bool) { c.offline.Store(offline) }

func (c *MemorySession) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.offline.Load() {
		return latcherrors.ErrConnectionLoss
	}
	return nil
}

// EnsurePath implements Client.
func (c *MemorySession) EnsurePath(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if !validPath(p) {
		return ErrInvalidPath
	}
	c.store.mu.Lock()
	c.store.ensureLocked(p)
	c.store.mu.Unlock()
	return nil
}

// CreateEphemeral implements Client.
func (c *MemorySession) CreateEphemeral(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if !validPath(p) {
		return ErrInvalidPath
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; ok {
		return ErrNodeExists
	}
	if parent := path.Dir(p); parent != "/" {
		s.ensureLocked(parent)
	}
	s.createLocked(p, c.id)
	return nil
}

// Delete implements Client.
func (c *MemorySession) Delete(ctx context.Context, p string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return ErrNoNode
	}
	if len(s.childrenLocked(p)) > 0 {
		return ErrNotEmpty
	}
	s.deleteLocked(p)
	return nil
}

// Exists implements Client.
func (c *MemorySession) Exists(ctx context.Context, p string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	return c.store.Has(p), nil
}

// WatchChildren implements Client. Events are queued per watch, so a slow
// consumer never blocks store mutations.
func (c *MemorySession) WatchChildren(ctx context.Context, p string) (<-chan Event, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &memWatch{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
	}
	s := c.store
	s.mu.Lock()
	if s.watches[p] == nil {
		s.watches[p] = make(map[*memWatch]struct{})
	}
	s.watches[p][w] = struct{}{}
	s.mu.Unlock()

	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watches[p], w)
			if len(s.watches[p]) == 0 {
				delete(s.watches, p)
			}
			s.mu.Unlock()
			close(w.out)
		}()
		w.run(ctx)
	}()
	return w.out, nil
}

// Close ends the session, removing its ephemeral nodes and watches.
func (c *MemorySession) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.store.expire(c.id)
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Expire simulates the server expiring the session after a client crash.
// Observable effects are the same as Close.
func (c *MemorySession) Expire() { _ = c.Close() }

type memWatch struct {
	out  chan Event
	wake chan struct{}

	mu    sync.Mutex
	queue []Event
}

func (w *memWatch) push(e Event) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatch) run(ctx context.Context) {
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()
		for _, e := range batch {
			select {
			case w.out <- e:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}
