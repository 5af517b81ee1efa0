package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

// ownNode is the node a Lock enqueued, with the coordination session it was
// created in.
type ownNode struct {
	path    string
	node    node
	session string
}

// alive reports whether the session that created the node is still the
// client's current one. The client switches sessions before or together with
// deleting the old session's nodes, so a false result is never late.
func (o *ownNode) alive(s *Session) bool {
	return o.session != "" && o.session == s.client.Session()
}

// decide applies the write-priority grant rule to a sibling snapshot.
//
// A reader is granted when no writer precedes it, otherwise it waits on the
// first writer. A writer waits on the writer right before it; when it leads
// the writers it waits on the first earlier reader, and readers that arrived
// after it are ignored. found is false when own is not among the siblings.
func decide(own node, reads, writes []node) (target node, granted, found bool) {
	for _, n := range reads {
		if n.name == own.name {
			found = true
			break
		}
	}
	for _, n := range writes {
		if n.name == own.name {
			found = true
			break
		}
	}
	if !found {
		return node{}, false, false
	}

	if own.mode == Read {
		if len(writes) > 0 && writes[0].seq < own.seq {
			return writes[0], false, true
		}
		return node{}, true, true
	}

	var prev *node
	for i := range writes {
		if writes[i].seq >= own.seq {
			break
		}
		prev = &writes[i]
	}
	if prev != nil {
		return *prev, false, true
	}
	if len(reads) > 0 && reads[0].seq < own.seq {
		return reads[0], false, true
	}
	return node{}, true, true
}

// acquire re-evaluates the sibling set until own is granted. Every wakeup,
// whatever its cause, restarts from a fresh listing.
func (l *Lock) acquire(ctx context.Context, own *ownNode) error {
	s := l.session
	for {
		if err := s.awaitConnected(ctx); err != nil {
			return err
		}
		if !own.alive(s) {
			return fmt.Errorf("lock %s: %w", own.path, rwerrors.ErrSessionExpired)
		}

		var names []string
		err := s.do(ctx, func(ctx context.Context) error {
			var err error
			names, err = s.client.Children(ctx, l.root)
			return err
		})
		if stdErrors.Is(err, rwerrors.ErrNoNode) {
			return fmt.Errorf("%w: group root %s is missing", rwerrors.ErrProtocolViolation, l.root)
		}
		if err != nil {
			return err
		}
		reads, writes, err := parseSiblings(names)
		if err != nil {
			return err
		}

		target, granted, found := decide(own.node, reads, writes)
		if !found {
			return fmt.Errorf("lock %s: node is gone: %w", own.path, rwerrors.ErrSessionExpired)
		}
		if granted {
			return nil
		}

		reason, err := l.await(ctx, coord.Join(l.root, target.name))
		if err != nil {
			return err
		}
		slog.Debug("rwlock: re-evaluating", "node", own.path, "predecessor", target.name, "wake", reason.String())
	}
}
