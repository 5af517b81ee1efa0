package coord

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Flags control how Create materialises a node.
type Flags int

const (
	// FlagEphemeral ties the node to the creating session.
	FlagEphemeral Flags = 1 << iota
	// FlagSequence appends a service-assigned, zero padded counter to the name.
	FlagSequence
)

// State is the connectivity state of a coordination session.
type State int

const (
	StateConnected State = iota
	StateSuspended
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventType describes what a watch observed.
type EventType int

const (
	// EventNodeDeleted fires when the watched node is removed.
	EventNodeDeleted EventType = iota + 1
	// EventNotWatching fires when the watch was dropped without observing a
	// deletion, typically because the session expired or the client closed.
	EventNotWatching
)

// Event is delivered at most once per watch.
type Event struct {
	Type EventType
	Path string
}

// Client is the subset of a ZooKeeper-style coordination service used by the
// lock package.
type Client interface {
	// Create creates path and returns the actual path, which differs from the
	// requested one when FlagSequence is set. The parent must exist.
	Create(ctx context.Context, path string, flags Flags) (string, error)
	// Delete removes path. It returns ErrNoNode when path does not exist.
	Delete(ctx context.Context, path string) error
	// Children lists the child names (not full paths) of path.
	Children(ctx context.Context, path string) ([]string, error)
	// ExistsW reports whether path exists and, when it does, installs a
	// one-shot watch delivering a single Event. The watch is released once ctx
	// is done.
	ExistsW(ctx context.Context, path string) (bool, <-chan Event, error)
	// States streams session transitions. The channel is closed by Close.
	States() <-chan State
	// Session identifies the current session. It changes, synchronously with
	// the removal of the old session's ephemeral nodes, when a session ends.
	// It is "" while no session is established.
	Session() string
	// Close ends the session, removing its ephemeral nodes.
	Close() error
}

// SequenceWidth is the number of digits of a sequential suffix.
const SequenceWidth = 10

// FormatSequence renders n the way sequential nodes are suffixed.
func FormatSequence(n uint64) string {
	return fmt.Sprintf("%0*d", SequenceWidth, n)
}

// Join builds a child path below parent.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Parent returns the parent path of p.
func Parent(p string) string {
	return path.Dir(p)
}

// Ancestors returns every proper prefix of p from the top, excluding "/".
// Ancestors("/a/b/c") is ["/a", "/a/b"].
func Ancestors(p string) []string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	out := make([]string, 0, len(parts))
	cur := ""
	for _, part := range parts[:len(parts)-1] {
		cur += "/" + part
		out = append(out, cur)
	}
	return out
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}
