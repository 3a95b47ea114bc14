package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyLocked is returned by Guard when the key is held by someone else.
var ErrAlreadyLocked = errors.New("lock: already locked")

// DefaultKeyDelimiter separates the parts of a key built by KeyFor.
const DefaultKeyDelimiter = ":"

type renewingLocker interface {
	Lock(ctx context.Context, key, token string, lease time.Duration) (bool, error)
}

type delayedReleaser interface {
	ReleaseAfter(key, token string, delay time.Duration) error
}

type guardOptions struct {
	token        string
	releaseDelay time.Duration
}

// GuardOption configures Guard.
type GuardOption func(*guardOptions)

// WithToken uses token instead of a fresh one.
func WithToken(token string) GuardOption {
	return func(o *guardOptions) { o.token = token }
}

// WithReleaseDelay keeps the lock for d after fn returns. It needs a locker
// with ReleaseAfter and is ignored otherwise. When the delayed release cannot
// be scheduled the lock is released right away.
func WithReleaseDelay(d time.Duration) GuardOption {
	return func(o *guardOptions) { o.releaseDelay = d }
}

// Guard runs fn while holding key. Lockers that can renew their own lease
// keep it alive for as long as fn runs. When key is held elsewhere fn is not
// called and ErrAlreadyLocked is returned. The lock is released when fn
// returns, even if ctx has been cancelled by then.
func Guard(ctx context.Context, l Locker, key string, lease time.Duration, fn func(context.Context) error, opts ...GuardOption) error {
	if key == "" {
		return errors.New("lock: empty key")
	}
	o := guardOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.token == "" {
		o.token = NewToken()
	}

	var ok bool
	var err error
	if rl, renews := l.(renewingLocker); renews {
		ok, err = rl.Lock(ctx, key, o.token, lease)
	} else {
		ok, err = l.TryLock(ctx, key, o.token, lease)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, key)
	}

	defer func() {
		if dr, delays := l.(delayedReleaser); delays && o.releaseDelay > 0 {
			if dr.ReleaseAfter(key, o.token, o.releaseDelay) == nil {
				return
			}
		}
		_, _ = l.Release(context.WithoutCancel(ctx), key, o.token)
	}()
	return fn(ctx)
}

// KeyFor builds a lock key from prefix and parts, each part preceded by
// delimiter. An empty delimiter means DefaultKeyDelimiter.
//
//	KeyFor("books", "", "1") == "books:1"
func KeyFor(prefix, delimiter string, parts ...string) string {
	if delimiter == "" {
		delimiter = DefaultKeyDelimiter
	}
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteString(delimiter)
		b.WriteString(p)
	}
	return b.String()
}
