package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
)

// wakeReason tells why a wait ended. Every reason leads to a full
// re-evaluation; they only differ in logging and metrics.
type wakeReason int

const (
	wakeAbsent wakeReason = iota
	wakeNotified
	wakeSession
	wakeTimeout
)

func (r wakeReason) String() string {
	switch r {
	case wakeAbsent:
		return "absent"
	case wakeNotified:
		return "notified"
	case wakeSession:
		return "session"
	}
	return "timeout"
}

// waiter is the in-flight wait of one Lock on one predecessor.
type waiter struct {
	target string
	wake   <-chan coord.Event
}

// await blocks until the predecessor at target is gone, the session changes
// state, the wait timeout elapses, or ctx is done. Only the ctx case returns
// an error.
func (l *Lock) await(ctx context.Context, target string) (wakeReason, error) {
	s := l.session
	changed := s.Changed()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		exists bool
		events <-chan coord.Event
	)
	err := s.do(wctx, func(ctx context.Context) error {
		var err error
		exists, events, err = s.client.ExistsW(ctx, target)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !exists {
		return wakeAbsent, nil
	}

	w := &waiter{target: target, wake: events}
	l.setWaiter(w)
	defer l.clearWaiter(w)
	metrics.WaitCounter.Inc()

	timer := time.NewTimer(s.cfg.waitTimeout)
	defer timer.Stop()

	select {
	case <-w.wake:
		return wakeNotified, nil
	case <-changed:
		return wakeSession, nil
	case <-timer.C:
		metrics.WaitTimeoutCounter.Inc()
		return wakeTimeout, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *Lock) setWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiter != nil {
		panic("rwlock: second waiter on " + l.root)
	}
	l.waiter = w
}

func (l *Lock) clearWaiter(w *waiter) {
	l.mu.Lock()
	if l.waiter == w {
		l.waiter = nil
	}
	l.mu.Unlock()
}
