// Package coord is the client side of a hierarchical coordination service:
// persistent and ephemeral nodes plus child watches that survive reconnects.
//
// ZK talks to ZooKeeper. MemoryStore provides the same semantics in process,
// including session expiry, for tests and single-node deployments.
package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrNodeExists is returned when creating a node that already exists.
	ErrNodeExists = errors.New("coord: node already exists")
	// ErrNoNode is returned when a node does not exist.
	ErrNoNode = errors.New("coord: node does not exist")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("coord: client closed")
	// ErrNotEmpty is returned when deleting a node that has children.
	ErrNotEmpty = errors.New("coord: node has children")
	// ErrInvalidPath is returned for relative, root or unclean paths.
	ErrInvalidPath = errors.New("coord: invalid path")
)

// EventType is the kind of a child change.
type EventType int

const (
	EventChildAdded EventType = iota + 1
	EventChildRemoved
)

func (t EventType) String() string {
	switch t {
	case EventChildAdded:
		return "child_added"
	case EventChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// Event reports a change below a watched path. Path is the full path of the
// child that changed.
type Event struct {
	Type EventType
	Path string
}

// Client is a session with the coordination store.
type Client interface {
	// EnsurePath creates path and its parents as persistent nodes if absent.
	EnsurePath(ctx context.Context, path string) error
	// CreateEphemeral creates an ephemeral node bound to this session,
	// creating persistent parents if needed. ErrNodeExists if present.
	CreateEphemeral(ctx context.Context, path string) error
	// Delete removes the node at path. ErrNoNode if absent.
	Delete(ctx context.Context, path string) error
	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
	// WatchChildren streams child add/remove events for path until ctx is
	// done. The channel is closed when the watch ends.
	WatchChildren(ctx context.Context, path string) (<-chan Event, error)
	// Close ends the session. Ephemeral nodes it owns are removed.
	Close() error
}

// Join builds a node path from its parts.
func Join(parts ...string) string {
	p := path.Join(append([]string{"/"}, parts...)...)
	return p
}

// Parents returns every ancestor of p from the root down, excluding "/" and p.
func Parents(p string) []string {
	p = path.Clean(p)
	var out []string
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

func validPath(p string) bool {
	return strings.HasPrefix(p, "/") && p != "/" && path.Clean(p) == p
}
