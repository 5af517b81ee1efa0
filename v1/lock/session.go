package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
)

// Session owns the single coordination client of a process and is shared by
// every Lock created on it. It tracks the connectivity state reported by the
// client and wakes all blocked waiters on each transition.
type Session struct {
	client coord.Client
	cfg    config

	mu      sync.Mutex
	state   coord.State
	epoch   uint64
	changed chan struct{}
	closed  bool

	roots singleflight.Group
	ready sync.Map

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSession wraps client. The session starts suspended and becomes
// connected once the client reports it.
func NewSession(client coord.Client, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Session{
		client:  client,
		cfg:     cfg,
		state:   coord.StateSuspended,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watchStates()
	return s
}

func (s *Session) watchStates() {
	defer s.wg.Done()
	states := s.client.States()
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			s.transition(st)
		case <-s.done:
			return
		}
	}
}

func (s *Session) transition(st coord.State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	if st == coord.StateExpired {
		s.epoch++
	}
	close(s.changed)
	s.changed = make(chan struct{})
	epoch := s.epoch
	s.mu.Unlock()

	metrics.SessionTransitionCounter.WithLabelValues(st.String()).Inc()
	switch st {
	case coord.StateExpired:
		slog.Warn("rwlock: session expired", "from", prev.String(), "epoch", epoch)
	case coord.StateSuspended:
		slog.Warn("rwlock: session suspended", "from", prev.String())
	default:
		slog.Info("rwlock: session connected", "from", prev.String(), "epoch", epoch)
	}
}

// State returns the current connectivity state.
func (s *Session) State() coord.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch counts session expiries. Nodes created in an older epoch are gone.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Changed returns a channel closed on the next state transition.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Client returns the underlying coordination client.
func (s *Session) Client() coord.Client {
	return s.client
}

// awaitConnected blocks while the session is suspended. New watches are not
// installed in that window and missing notifications mean nothing.
func (s *Session) awaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		closed, state, changed := s.closed, s.state, s.changed
		s.mu.Unlock()
		if closed {
			return rwerrors.ErrClosed
		}
		if state != coord.StateSuspended {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// do runs op, retrying connection losses with jittered exponential backoff.
// Between attempts it also returns early on a session transition so a
// reconnect is used right away.
func (s *Session) do(ctx context.Context, op func(context.Context) error) error {
	return s.retry(ctx, op, rwerrors.ErrConnectionLoss)
}

// create enqueues a node. Only failures the client reports as never sent are
// retried: after a lost reply the node may exist, and a second one would be
// queued behind it. Creation waits while the session is suspended. The
// returned session is the client session the create was issued in.
func (s *Session) create(ctx context.Context, p string, flags coord.Flags) (actual, session string, err error) {
	err = s.retry(ctx, func(ctx context.Context) error {
		if err := s.awaitConnected(ctx); err != nil {
			return err
		}
		session = s.client.Session()
		var err error
		actual, err = s.client.Create(ctx, p, flags)
		return err
	}, rwerrors.ErrRequestNotSent)
	return actual, session, err
}

func (s *Session) retry(ctx context.Context, op func(context.Context) error, retryable error) error {
	backoff := s.cfg.retryBackoff
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !stdErrors.Is(err, retryable) || attempt >= s.cfg.retries {
			return err
		}
		slog.Debug("rwlock: retrying after connection loss", "attempt", attempt+1, "error", err)
		changed := s.Changed()
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return rwerrors.ErrClosed
		case <-changed:
		case <-time.After(backoff + jitter):
		}
		if backoff < maxRetryBackoff {
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}
	}
}

// ensureRoot creates root and its missing ancestors as persistent nodes.
// Concurrent callers for the same root share one creation, which waits while
// the session is suspended.
func (s *Session) ensureRoot(ctx context.Context, root string) error {
	if _, ok := s.ready.Load(root); ok {
		return nil
	}
	_, err, _ := s.roots.Do(root, func() (interface{}, error) {
		for _, p := range append(coord.Ancestors(root), root) {
			err := s.do(ctx, func(ctx context.Context) error {
				if err := s.awaitConnected(ctx); err != nil {
					return err
				}
				_, err := s.client.Create(ctx, p, 0)
				return err
			})
			if err != nil && !stdErrors.Is(err, rwerrors.ErrNodeExists) {
				return nil, err
			}
		}
		s.ready.Store(root, struct{}{})
		return nil, nil
	})
	return err
}

// Close stops tracking the session and closes the client, which removes
// every ephemeral node it still owns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	close(s.done)
	err := s.client.Close()
	s.wg.Wait()
	return err
}
