package coord

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

// zkLogger routes go-zookeeper's internal logging to slog.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	slog.Debug("rwlock: zookeeper: " + fmt.Sprintf(format, args...))
}

// ZooKeeper implements Client on top of a github.com/go-zookeeper/zk
// connection. The library re-establishes a new session on its own after
// expiry, which is reported as Expired followed by Connected.
type ZooKeeper struct {
	conn   *zk.Conn
	acl    []zk.ACL
	states chan State

	closeOnce sync.Once
	done      chan struct{}
}

var _ Client = (*ZooKeeper)(nil)

// DialZooKeeper connects to the given ensemble.
func DialZooKeeper(servers []string, sessionTimeout time.Duration) (*ZooKeeper, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("zookeeper connect: %w", err)
	}
	z := &ZooKeeper{
		conn:   conn,
		acl:    zk.WorldACL(zk.PermAll),
		states: make(chan State, 16),
		done:   make(chan struct{}),
	}
	go z.forward(events)
	return z, nil
}

func (z *ZooKeeper) forward(events <-chan zk.Event) {
	defer close(z.states)
	last := State(-1)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			st, ok := zkState(ev.State)
			if !ok || st == last {
				continue
			}
			last = st
			select {
			case z.states <- st:
			case <-z.done:
				return
			}
		case <-z.done:
			return
		}
	}
}

// zkState maps library session states onto State. Transient handshake states
// that carry no information for lock holders are skipped.
func zkState(s zk.State) (State, bool) {
	switch s {
	case zk.StateHasSession:
		return StateConnected, true
	case zk.StateDisconnected, zk.StateConnecting:
		return StateSuspended, true
	case zk.StateExpired:
		return StateExpired, true
	}
	return 0, false
}

// zkError maps library errors onto the rwlock error taxonomy.
func zkError(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, zk.ErrNoNode):
		return rwerrors.ErrNoNode
	case stdErrors.Is(err, zk.ErrNodeExists):
		return rwerrors.ErrNodeExists
	case stdErrors.Is(err, zk.ErrSessionExpired):
		return rwerrors.ErrSessionExpired
	case stdErrors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", rwerrors.ErrConnectionLoss, rwerrors.ErrConnectionClosed)
	case stdErrors.Is(err, zk.ErrNoServer),
		stdErrors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %v", rwerrors.ErrConnectionLoss, err)
	case stdErrors.Is(err, zk.ErrClosing):
		return rwerrors.ErrClosed
	}
	return err
}

func zkFlags(f Flags) int32 {
	var out int32
	if f&FlagEphemeral != 0 {
		out |= zk.FlagEphemeral
	}
	if f&FlagSequence != 0 {
		out |= zk.FlagSequence
	}
	return out
}

// Create implements Client.Create.
func (z *ZooKeeper) Create(ctx context.Context, path string, flags Flags) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	actual, err := z.conn.Create(path, nil, zkFlags(flags), z.acl)
	return actual, zkError(err)
}

// Delete implements Client.Delete.
func (z *ZooKeeper) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return zkError(z.conn.Delete(path, -1))
}

// Children implements Client.Children.
func (z *ZooKeeper) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, _, err := z.conn.Children(path)
	return names, zkError(err)
}

// ExistsW implements Client.ExistsW. ZooKeeper watches cannot be removed, so
// the forwarder keeps running until the server fires the watch or the client
// closes; only the delivery is abandoned when ctx is done.
func (z *ZooKeeper) ExistsW(ctx context.Context, path string) (bool, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	ok, _, watch, err := z.conn.ExistsW(path)
	if err != nil {
		return false, nil, zkError(err)
	}
	if !ok {
		return false, nil, nil
	}
	out := make(chan Event, 1)
	go func() {
		select {
		case ev := <-watch:
			typ := EventNotWatching
			if ev.Type == zk.EventNodeDeleted {
				typ = EventNodeDeleted
			}
			out <- Event{Type: typ, Path: path}
		case <-z.done:
			out <- Event{Type: EventNotWatching, Path: path}
		}
	}()
	return true, out, nil
}

// States implements Client.States.
func (z *ZooKeeper) States() <-chan State {
	return z.states
}

// Session implements Client.Session. The library resets the id to zero as
// soon as the server reports the session expired.
func (z *ZooKeeper) Session() string {
	if id := z.conn.SessionID(); id != 0 {
		return strconv.FormatInt(id, 16)
	}
	return ""
}

// Close implements Client.Close.
func (z *ZooKeeper) Close() error {
	z.closeOnce.Do(func() {
		close(z.done)
		z.conn.Close()
	})
	return nil
}
