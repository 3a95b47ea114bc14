package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultReleaseWorkers bounds concurrent delayed releases.
const DefaultReleaseWorkers = 10

// ErrSchedulerClosed is returned when scheduling on a closed Scheduler.
var ErrSchedulerClosed = errors.New("lock: scheduler closed")

type task struct {
	timer *time.Timer
	fn    func(context.Context)
}

// Scheduler runs delayed tasks, at most workers at a time. Tasks past their
// delay queue for a free worker.
type Scheduler struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	pending map[*task]struct{}
	wg      sync.WaitGroup
}

// NewScheduler returns a Scheduler with the given number of workers.
func NewScheduler(workers int, logger zerolog.Logger) *Scheduler {
	if workers <= 0 {
		workers = DefaultReleaseWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "release_scheduler").Logger(),
		pending: make(map[*task]struct{}),
	}
}

// Schedule runs fn after delay. fn receives a context that is cancelled
// when Close gives up waiting.
func (s *Scheduler) Schedule(delay time.Duration, fn func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	t := &task{fn: fn}
	s.pending[t] = struct{}{}
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() { s.run(t) })
	return nil
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.logger.Warn().Msg("delayed task dropped on shutdown")
		return
	}
	defer s.sem.Release(1)
	t.fn(s.ctx)
}

// Pending returns the number of tasks still waiting for their delay.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops accepting tasks, runs the pending ones right away and waits
// for every task to finish. If ctx ends first, running tasks see their
// context cancelled, queued ones are dropped, and ctx.Err() is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var early []*task
	for t := range s.pending {
		if t.timer.Stop() {
			early = append(early, t)
		}
	}
	s.mu.Unlock()
	for _, t := range early {
		go s.run(t)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
