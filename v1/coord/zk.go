package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// ZKOptions configures a ZooKeeper session.
type ZKOptions struct {
	Servers        []string
	SessionTimeout time.Duration
	// ConnectTimeout bounds each connection attempt. Defaults to SessionTimeout.
	ConnectTimeout time.Duration
	// Namespace prefixes every path, e.g. "/ZKLocks-NameSpace".
	Namespace string
	// RetryInterval is the first backoff step; it doubles on every attempt.
	RetryInterval time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	Logger     zerolog.Logger
}

// childWatcher is the part of *zk.Conn the child watch needs.
type childWatcher interface {
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
}

// ZK is a Client backed by a ZooKeeper ensemble.
type ZK struct {
	conn          *zk.Conn
	watcher       childWatcher
	ns            string
	acl           []zk.ACL
	retryInterval time.Duration
	logger        zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Client = (*ZK)(nil)

type zkLogger struct{ logger zerolog.Logger }

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// DialZK connects to ZooKeeper and waits for a session, retrying with
// exponential backoff.
func DialZK(ctx context.Context, opts ZKOptions) (*ZK, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("coord: no zookeeper servers")
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = opts.SessionTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	logger := opts.Logger.With().Str("component", "zookeeper").Logger()

	backoff := opts.RetryInterval
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying zookeeper connection")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		conn, events, err := zk.Connect(opts.Servers, opts.SessionTimeout, zk.WithLogger(zkLogger{logger}))
		if err != nil {
			lastErr = err
			continue
		}
		if err := awaitSession(ctx, events, opts.ConnectTimeout); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		z := &ZK{
			conn:          conn,
			watcher:       conn,
			ns:            strings.TrimSuffix(opts.Namespace, "/"),
			acl:           zk.WorldACL(zk.PermAll),
			retryInterval: opts.RetryInterval,
			logger:        logger,
			closed:        make(chan struct{}),
		}
		go z.monitor(events)
		logger.Info().Strs("servers", opts.Servers).Msg("zookeeper session established")
		return z, nil
	}
	return nil, fmt.Errorf("%w: %v", latcherrors.ErrConnectionLoss, lastErr)
}

func awaitSession(ctx context.Context, events <-chan zk.Event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return zk.ErrClosing
			}
			if ev.State == zk.StateHasSession {
				return nil
			}
			if ev.State == zk.StateAuthFailed {
				return zk.ErrAuthFailed
			}
		case <-timer.C:
			return latcherrors.ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (z *ZK) monitor(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateExpired:
			z.logger.Warn().Msg("zookeeper session expired, ephemeral nodes are gone")
		case zk.StateDisconnected:
			z.logger.Warn().Msg("zookeeper disconnected")
		case zk.StateHasSession:
			z.logger.Info().Msg("zookeeper session (re)established")
		}
	}
}

func (z *ZK) full(p string) string {
	if z.ns == "" {
		return p
	}
	return z.ns + p
}

func (z *ZK) relative(p string) string {
	if z.ns == "" {
		return p
	}
	return strings.TrimPrefix(p, z.ns)
}

func (z *ZK) check(ctx context.Context) error {
	select {
	case <-z.closed:
		return ErrClosed
	default:
	}
	return ctx.Err()
}

// EnsurePath implements Client.
func (z *ZK) EnsurePath(ctx context.Context, p string) error {
	if err := z.check(ctx); err != nil {
		return err
	}
	if !validPath(p) {
		return ErrInvalidPath
	}
	full := z.full(p)
	for _, node := range append(Parents(full), full) {
		if _, err := z.conn.Create(node, nil, 0, z.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return mapZKError(err)
		}
	}
	return nil
}

// CreateEphemeral implements Client.
func (z *ZK) CreateEphemeral(ctx context.Context, p string) error {
	if err := z.check(ctx); err != nil {
		return err
	}
	if !validPath(p) {
		return ErrInvalidPath
	}
	_, err := z.conn.Create(z.full(p), nil, zk.FlagEphemeral, z.acl)
	if errors.Is(err, zk.ErrNoNode) {
		if err := z.EnsurePath(ctx, path.Dir(p)); err != nil {
			return err
		}
		_, err = z.conn.Create(z.full(p), nil, zk.FlagEphemeral, z.acl)
	}
	return mapZKError(err)
}

// Delete implements Client.
func (z *ZK) Delete(ctx context.Context, p string) error {
	if err := z.check(ctx); err != nil {
		return err
	}
	return mapZKError(z.conn.Delete(z.full(p), -1))
}

// Exists implements Client.
func (z *ZK) Exists(ctx context.Context, p string) (bool, error) {
	if err := z.check(ctx); err != nil {
		return false, err
	}
	ok, _, err := z.conn.Exists(z.full(p))
	return ok, mapZKError(err)
}

// WatchChildren implements Client. The first listing and its watch are
// registered before it returns, so a change made right after the call is
// always reported. ZooKeeper watches fire once, so the watch is re-armed
// after every event and after connection errors; child sets are diffed
// between listings, which also surfaces removals that happened while
// disconnected.
func (z *ZK) WatchChildren(ctx context.Context, p string) (<-chan Event, error) {
	if err := z.check(ctx); err != nil {
		return nil, err
	}
	full := z.full(p)
	children, ch, err := z.list(full)
	if err != nil {
		return nil, mapZKError(err)
	}
	out := make(chan Event)
	go z.watchLoop(ctx, full, out, childSet(children), ch)
	return out, nil
}

// list returns the children of full and arms a watch on it. A missing node
// has no children and is watched for creation instead.
func (z *ZK) list(full string) ([]string, <-chan zk.Event, error) {
	children, _, ch, err := z.watcher.ChildrenW(full)
	if errors.Is(err, zk.ErrNoNode) {
		_, _, ch, err = z.watcher.ExistsW(full)
		return nil, ch, err
	}
	return children, ch, err
}

func childSet(children []string) map[string]struct{} {
	set := make(map[string]struct{}, len(children))
	for _, c := range children {
		set[c] = struct{}{}
	}
	return set
}

func (z *ZK) watchLoop(ctx context.Context, full string, out chan<- Event, known map[string]struct{}, ch <-chan zk.Event) {
	defer close(out)
	for {
		select {
		case <-ch:
		case <-ctx.Done():
			return
		case <-z.closed:
			return
		}

		var children []string
		backoff := z.retryInterval
		for {
			var err error
			children, ch, err = z.list(full)
			if err == nil {
				break
			}
			z.logger.Warn().Err(err).Str("path", full).Dur("backoff", backoff).Msg("child watch failed, re-registering")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-z.closed:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}

		current := childSet(children)
		for _, e := range diffChildren(full, known, current) {
			e.Path = z.relative(e.Path)
			select {
			case out <- e:
			case <-ctx.Done():
				return
			case <-z.closed:
				return
			}
		}
		known = current
	}
}

// diffChildren returns removals before additions, each sorted by name.
func diffChildren(parent string, before, after map[string]struct{}) []Event {
	var removed, added []string
	for c := range before {
		if _, ok := after[c]; !ok {
			removed = append(removed, c)
		}
	}
	for c := range after {
		if _, ok := before[c]; !ok {
			added = append(added, c)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	events := make([]Event, 0, len(removed)+len(added))
	for _, c := range removed {
		events = append(events, Event{Type: EventChildRemoved, Path: path.Join(parent, c)})
	}
	for _, c := range added {
		events = append(events, Event{Type: EventChildAdded, Path: path.Join(parent, c)})
	}
	return events
}

// Close ends the session. The server removes its ephemeral nodes.
func (z *ZK) Close() error {
	z.closeOnce.Do(func() {
		close(z.closed)
		z.conn.Close()
	})
	return nil
}

func mapZKError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, zk.ErrClosing):
		return ErrClosed
	case errors.Is(err, zk.ErrConnectionClosed),
		errors.Is(err, zk.ErrNoServer),
		errors.Is(err, zk.ErrSessionExpired),
		errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %v", latcherrors.ErrConnectionLoss, err)
	default:
		return err
	}
}
