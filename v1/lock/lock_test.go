package lock

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

func newTestSession(t *testing.T, srv *coord.MemoryServer, opts ...Option) (*Session, *coord.MemoryClient) {
	t.Helper()
	c := srv.Connect()
	s := NewSession(c, append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	waitFor(t, "session connected", func() bool { return s.State() == coord.StateConnected })
	return s, c
}

func newTestLock(t *testing.T, s *Session, resource string, mode Mode) *Lock {
	t.Helper()
	l, err := New(s, resource, mode)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitBlocked(t *testing.T, l *Lock) {
	t.Helper()
	waitFor(t, "lock waiting on a predecessor", func() bool {
		_, ok := l.Waiting()
		return ok
	})
}

// lockAsync runs Lock in a goroutine and reports its result.
func lockAsync(ctx context.Context, l *Lock) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- l.Lock(ctx) }()
	return ch
}

func expectGranted(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not granted")
	}
}

func expectBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("expected lock to block, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReadersShareWithoutBlocking(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	r1 := newTestLock(t, s, "db", Read)
	r2 := newTestLock(t, s, "db", Read)

	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := r1.Lock(cctx); err != nil {
		t.Fatalf("r1: %v", err)
	}
	if err := r2.Lock(cctx); err != nil {
		t.Fatalf("r2: %v", err)
	}
	if !r1.Held() || !r2.Held() {
		t.Fatal("expected both readers to hold the lock")
	}
	if got := len(srv.Nodes("/lock/db")); got != 2 {
		t.Fatalf("expected 2 nodes, got %d", got)
	}
	if r1.Node() != "/lock/db/read_0000000000" {
		t.Fatalf("unexpected node %q", r1.Node())
	}
	if seq, ok := r2.Sequence(); !ok || seq != 1 {
		t.Fatalf("unexpected sequence %d ok %v", seq, ok)
	}
}

func TestWriterGrantedWhenReaderUnlocks(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	r1 := newTestLock(t, s, "db", Read)
	w1 := newTestLock(t, s, "db", Write)
	if err := r1.Lock(ctx); err != nil {
		t.Fatalf("r1: %v", err)
	}
	done := lockAsync(ctx, w1)
	waitBlocked(t, w1)
	if target, _ := w1.Waiting(); target != r1.Node() {
		t.Fatalf("writer waits on %q, want %q", target, r1.Node())
	}
	expectBlocked(t, done)

	if err := r1.Unlock(ctx); err != nil {
		t.Fatalf("unlock r1: %v", err)
	}
	expectGranted(t, done)
}

func TestWriterPriorityOverLaterReader(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	w1 := newTestLock(t, s, "db", Write)
	w2 := newTestLock(t, s, "db", Write)
	r1 := newTestLock(t, s, "db", Read)

	if err := w1.Lock(ctx); err != nil {
		t.Fatalf("w1: %v", err)
	}
	w2done := lockAsync(ctx, w2)
	waitBlocked(t, w2)
	r1done := lockAsync(ctx, r1)
	waitBlocked(t, r1)

	if err := w1.Unlock(ctx); err != nil {
		t.Fatalf("unlock w1: %v", err)
	}
	expectGranted(t, w2done)
	expectBlocked(t, r1done)
	if r1.Held() {
		t.Fatal("reader granted alongside writer")
	}

	if err := w2.Unlock(ctx); err != nil {
		t.Fatalf("unlock w2: %v", err)
	}
	expectGranted(t, r1done)
}

func TestWriterWaitsOnlyForEarlierReaders(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	r1 := newTestLock(t, s, "db", Read)
	r2 := newTestLock(t, s, "db", Read)
	w1 := newTestLock(t, s, "db", Write)
	if err := r1.Lock(ctx); err != nil {
		t.Fatalf("r1: %v", err)
	}
	if err := r2.Lock(ctx); err != nil {
		t.Fatalf("r2: %v", err)
	}
	done := lockAsync(ctx, w1)
	waitBlocked(t, w1)

	// Unlocking the reader it watches moves the writer to the next one.
	if err := r1.Unlock(ctx); err != nil {
		t.Fatalf("unlock r1: %v", err)
	}
	waitFor(t, "writer to watch r2", func() bool {
		target, _ := w1.Waiting()
		return target == r2.Node()
	})
	expectBlocked(t, done)

	if err := r2.Unlock(ctx); err != nil {
		t.Fatalf("unlock r2: %v", err)
	}
	expectGranted(t, done)
}

func TestMutualExclusion(t *testing.T) {
	srv := coord.NewMemoryServer()
	ctx := context.Background()

	var readers, writers int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		s, _ := newTestSession(t, srv)
		for j := 0; j < 3; j++ {
			mode := Read
			if rand.Intn(2) == 0 {
				mode = Write
			}
			l := newTestLock(t, s, "shared", mode)
			g.Go(func() error {
				for k := 0; k < 10; k++ {
					if err := l.Lock(gctx); err != nil {
						return err
					}
					if l.Mode() == Write {
						if n := atomic.AddInt32(&writers, 1); n != 1 {
							return errors.New("two writers hold the lock")
						}
						if atomic.LoadInt32(&readers) != 0 {
							return errors.New("writer holds the lock alongside readers")
						}
					} else {
						atomic.AddInt32(&readers, 1)
						if atomic.LoadInt32(&writers) != 0 {
							return errors.New("reader holds the lock alongside a writer")
						}
					}
					time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
					if l.Mode() == Write {
						atomic.AddInt32(&writers, -1)
					} else {
						atomic.AddInt32(&readers, -1)
					}
					if err := l.Unlock(gctx); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("mutual exclusion: %v", err)
	}
	if got := srv.Nodes("/lock/shared"); len(got) != 0 {
		t.Fatalf("expected no nodes left, got %v", got)
	}
}

func TestWritersGrantedInSequenceOrder(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	holder := newTestLock(t, s, "queue", Write)
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("holder: %v", err)
	}

	const n = 5
	order := make(chan int, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		l := newTestLock(t, s, "queue", Write)
		g.Go(func() error {
			if err := l.Lock(gctx); err != nil {
				return err
			}
			order <- i
			return l.Unlock(gctx)
		})
		waitBlocked(t, l)
	}

	if err := holder.Unlock(ctx); err != nil {
		t.Fatalf("unlock holder: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("writers: %v", err)
	}
	close(order)
	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("writer %d granted before writer %d", got, want)
		}
		want++
	}
}

func TestNoMissedWakeupWhenPredecessorVanishesDuringWatch(t *testing.T) {
	srv := coord.NewMemoryServer()
	holderSession, _ := newTestSession(t, srv)
	s, _ := newTestSession(t, srv, WithWaitTimeout(time.Minute))
	ctx := context.Background()

	holder := newTestLock(t, holderSession, "race", Write)
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("holder: %v", err)
	}

	var fired int32
	srv.SetExistsHook(func(p string) {
		if p == holder.Node() && atomic.CompareAndSwapInt32(&fired, 0, 1) {
			_ = srv.Remove(p)
		}
	})
	defer srv.SetExistsHook(nil)

	w := newTestLock(t, s, "race", Write)
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := w.Lock(cctx); err != nil {
		t.Fatalf("writer: %v", err)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("expected the predecessor to be deleted while installing the watch")
	}
}

func TestNoMissedWakeupWhileBlocked(t *testing.T) {
	srv := coord.NewMemoryServer()
	holderSession, _ := newTestSession(t, srv)
	s, _ := newTestSession(t, srv, WithWaitTimeout(time.Minute))
	ctx := context.Background()

	holder := newTestLock(t, holderSession, "race", Read)
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("holder: %v", err)
	}
	w := newTestLock(t, s, "race", Write)
	done := lockAsync(ctx, w)
	waitBlocked(t, w)

	if err := srv.Remove(holder.Node()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	expectGranted(t, done)
}

// lossyClient never delivers watch events.
type lossyClient struct {
	coord.Client
}

func (c lossyClient) ExistsW(ctx context.Context, p string) (bool, <-chan coord.Event, error) {
	ok, _, err := c.Client.ExistsW(ctx, p)
	return ok, nil, err
}

func TestWaitTimeoutReevaluates(t *testing.T) {
	srv := coord.NewMemoryServer()
	holderSession, _ := newTestSession(t, srv)
	c := srv.Connect()
	s := NewSession(lossyClient{c}, WithWaitTimeout(10*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	holder := newTestLock(t, holderSession, "lossy", Write)
	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("holder: %v", err)
	}
	w := newTestLock(t, s, "lossy", Write)
	done := lockAsync(ctx, w)
	waitBlocked(t, w)
	if err := holder.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expectGranted(t, done)
}

func TestSessionExpiryRemovesNodesAndFailsWaiters(t *testing.T) {
	srv := coord.NewMemoryServer()
	other, _ := newTestSession(t, srv)
	s, c := newTestSession(t, srv)
	ctx := context.Background()

	blocker := newTestLock(t, other, "b", Write)
	if err := blocker.Lock(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}

	h1 := newTestLock(t, s, "a", Read)
	h2 := newTestLock(t, s, "a", Read)
	for _, l := range []*Lock{h1, h2} {
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("hold: %v", err)
		}
	}
	waiting := newTestLock(t, s, "b", Read)
	done := lockAsync(ctx, waiting)
	waitBlocked(t, waiting)

	if removed := c.Expire(); removed != 3 {
		t.Fatalf("expected 3 nodes removed, got %d", removed)
	}
	select {
	case err := <-done:
		if !errors.Is(err, rwerrors.ErrSessionExpired) {
			t.Fatalf("expected session expired, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not failed")
	}
	if got := srv.Nodes("/lock/a"); len(got) != 0 {
		t.Fatalf("expected held nodes to vanish, got %v", got)
	}
	if got := srv.Nodes("/lock/b"); len(got) != 1 {
		t.Fatalf("expected only the blocker node, got %v", got)
	}
	waitFor(t, "holds to be reported lost", func() bool { return !h1.Held() && !h2.Held() })
	if err := h1.Unlock(ctx); err != nil {
		t.Fatalf("unlock after expiry: %v", err)
	}

	// A fresh call enqueues a new node in the new session.
	if err := h2.Lock(ctx); err != nil {
		t.Fatalf("relock: %v", err)
	}
	if got := srv.Nodes("/lock/a"); len(got) != 1 || got[0] != "read_0000000002" {
		t.Fatalf("unexpected nodes after relock: %v", got)
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	l := newTestLock(t, s, "idem", Write)
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock before lock: %v", err)
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("first unlock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("second unlock: %v", err)
	}

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := srv.Remove(l.Node()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock of removed node: %v", err)
	}
}

func TestReentrantLockKeepsOneNode(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	l := newTestLock(t, s, "re", Write)
	for i := 0; i < 3; i++ {
		if err := l.Lock(ctx); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	if got := srv.Nodes("/lock/re"); len(got) != 1 {
		t.Fatalf("expected one node, got %v", got)
	}
	for i := 0; i < 2; i++ {
		if err := l.Unlock(ctx); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
		if !l.Held() {
			t.Fatalf("lock released after %d of 3 unlocks", i+1)
		}
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("final unlock: %v", err)
	}
	if l.Held() || len(srv.Nodes("/lock/re")) != 0 {
		t.Fatal("expected lock to be released")
	}
}

func TestReentrantLockAfterExpiryReenqueues(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, c := newTestSession(t, srv)
	other, _ := newTestSession(t, srv)
	ctx := context.Background()

	w1 := newTestLock(t, s, "rex", Write)
	if err := w1.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	lost := w1.Node()

	c.Expire()
	if w1.Held() {
		t.Fatal("hold reported after its node was removed")
	}
	// No wait for the state change: the hold must not be reused.
	if err := w1.Lock(ctx); err != nil {
		t.Fatalf("relock: %v", err)
	}
	if w1.Node() == lost {
		t.Fatalf("expected a fresh node, still on %s", lost)
	}
	if got := srv.Nodes("/lock/rex"); len(got) != 1 || got[0] != "write_0000000001" {
		t.Fatalf("unexpected nodes after relock: %v", got)
	}

	w2 := newTestLock(t, other, "rex", Write)
	done := lockAsync(ctx, w2)
	expectBlocked(t, done)
	if err := w1.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expectGranted(t, done)
}

func TestLockWaitsOutBriefSuspension(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, c := newTestSession(t, srv, WithRetryBackoff(20*time.Millisecond))
	srv.Seed("/lock/warm")

	for _, resource := range []string{"warm", "cold"} {
		c.Suspend()
		time.AfterFunc(50*time.Millisecond, c.Resume)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		l := newTestLock(t, s, resource, Write)
		err := l.Lock(ctx)
		cancel()
		if err != nil {
			t.Fatalf("%s: lock during suspension: %v", resource, err)
		}
		if got := srv.Nodes("/lock/" + resource); len(got) != 1 {
			t.Fatalf("%s: expected one node, got %v", resource, got)
		}
		if err := l.Unlock(context.Background()); err != nil {
			t.Fatalf("%s: unlock: %v", resource, err)
		}
		waitFor(t, "session connected", func() bool { return s.State() == coord.StateConnected })
	}
}

func TestUnlockSurfacesConnectionLossAfterRetries(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, c := newTestSession(t, srv, WithRetries(2))
	ctx := context.Background()

	l := newTestLock(t, s, "uloss", Write)
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	c.Suspend()
	waitFor(t, "session suspended", func() bool { return s.State() == coord.StateSuspended })

	err := l.Unlock(ctx)
	if !errors.Is(err, rwerrors.ErrConnectionLoss) {
		t.Fatalf("expected connection loss, got %v", err)
	}
	if l.Held() {
		t.Fatal("hold kept after a failed unlock")
	}
	if got := srv.Nodes("/lock/uloss"); len(got) != 1 {
		t.Fatalf("expected node to remain until the session ends, got %v", got)
	}

	c.Resume()
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
}

func TestUnlockRecoversWithinRetries(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, c := newTestSession(t, srv, WithRetryBackoff(30*time.Millisecond))
	ctx := context.Background()

	l := newTestLock(t, s, "urec", Write)
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	c.Suspend()
	waitFor(t, "session suspended", func() bool { return s.State() == coord.StateSuspended })
	time.AfterFunc(10*time.Millisecond, c.Resume)

	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got := srv.Nodes("/lock/urec"); len(got) != 0 {
		t.Fatalf("expected node deleted, got %v", got)
	}
}

func TestConcurrentLockOnOneInstance(t *testing.T) {
	srv := coord.NewMemoryServer()
	other, _ := newTestSession(t, srv)
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	blocker := newTestLock(t, other, "inst", Write)
	if err := blocker.Lock(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	l := newTestLock(t, s, "inst", Write)
	first := lockAsync(ctx, l)
	waitBlocked(t, l)
	second := lockAsync(ctx, l)
	expectBlocked(t, second)
	if got := srv.Nodes("/lock/inst"); len(got) != 2 {
		t.Fatalf("expected blocker and one waiter node, got %v", got)
	}

	if err := blocker.Unlock(ctx); err != nil {
		t.Fatalf("unlock blocker: %v", err)
	}
	expectGranted(t, first)
	expectGranted(t, second)
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !l.Held() {
		t.Fatal("expected one hold left")
	}
}

func TestDeadlineDeletesOwnNode(t *testing.T) {
	srv := coord.NewMemoryServer()
	other, _ := newTestSession(t, srv)
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	blocker := newTestLock(t, other, "dl", Write)
	if err := blocker.Lock(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	l := newTestLock(t, s, "dl", Read)
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Lock(cctx)
	if !errors.Is(err, rwerrors.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := srv.Nodes("/lock/dl"); len(got) != 1 {
		t.Fatalf("expected only the blocker node, got %v", got)
	}
	if l.Held() {
		t.Fatal("lock held after timeout")
	}

	// The abandoned node does not block later writers.
	w := newTestLock(t, other, "dl", Write)
	done := lockAsync(ctx, w)
	waitBlocked(t, w)
	if err := blocker.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expectGranted(t, done)
}

func TestCancelDeletesOwnNode(t *testing.T) {
	srv := coord.NewMemoryServer()
	other, _ := newTestSession(t, srv)
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	blocker := newTestLock(t, other, "cancel", Read)
	if err := blocker.Lock(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	l := newTestLock(t, s, "cancel", Write)
	cctx, cancel := context.WithCancel(ctx)
	done := lockAsync(cctx, l)
	waitBlocked(t, l)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock did not return after cancel")
	}
	if got := srv.Nodes("/lock/cancel"); len(got) != 1 {
		t.Fatalf("expected only the blocker node, got %v", got)
	}
}

func TestMalformedSiblingIsProtocolViolation(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	srv.Seed("/lock/bad/garbage")

	l := newTestLock(t, s, "bad", Write)
	err := l.Lock(context.Background())
	if !errors.Is(err, rwerrors.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if got := srv.Nodes("/lock/bad"); len(got) != 1 || got[0] != "garbage" {
		t.Fatalf("expected own node to be deleted, got %v", got)
	}
}

func TestMissingGroupRootIsProtocolViolation(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	ctx := context.Background()

	l := newTestLock(t, s, "gone", Read)
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := srv.Remove("/lock/gone"); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if err := l.Lock(ctx); !errors.Is(err, rwerrors.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestSuspendedSessionPausesWaiter(t *testing.T) {
	srv := coord.NewMemoryServer()
	other, _ := newTestSession(t, srv)
	s, c := newTestSession(t, srv)
	ctx := context.Background()

	blocker := newTestLock(t, other, "susp", Write)
	if err := blocker.Lock(ctx); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	l := newTestLock(t, s, "susp", Write)
	done := lockAsync(ctx, l)
	waitBlocked(t, l)

	c.Suspend()
	waitFor(t, "session suspended", func() bool { return s.State() == coord.StateSuspended })
	if err := blocker.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	expectBlocked(t, done)
	if got := srv.Nodes("/lock/susp"); len(got) != 1 {
		t.Fatalf("expected own node to survive suspension, got %v", got)
	}

	c.Resume()
	expectGranted(t, done)
}

func TestInvalidResource(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	for _, r := range []string{"", "/a", "a/", "a//b", "a/../b"} {
		if _, err := New(s, r, Read); !errors.Is(err, rwerrors.ErrInvalidResource) {
			t.Fatalf("resource %q: expected invalid resource, got %v", r, err)
		}
	}
	l := newTestLock(t, s, "tenant/orders", Write)
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("nested resource: %v", err)
	}
	if got := srv.Nodes("/lock/tenant/orders"); len(got) != 1 {
		t.Fatalf("expected nested group root, got %v", got)
	}
}

func TestReadWritePair(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv, WithBasePath("/locks/app"))
	ctx := context.Background()

	rw, err := NewReadWrite(s, "cfg")
	if err != nil {
		t.Fatalf("new read write: %v", err)
	}
	if rw.Read.Mode() != Read || rw.Write.Mode() != Write || rw.Read.Resource() != "cfg" {
		t.Fatal("unexpected read write pair")
	}
	if err := rw.Write.Lock(ctx); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := lockAsync(ctx, rw.Read)
	waitBlocked(t, rw.Read)
	if err := rw.Write.Unlock(ctx); err != nil {
		t.Fatalf("unlock write: %v", err)
	}
	expectGranted(t, done)
	if got := srv.Nodes("/locks/app/cfg"); len(got) != 1 {
		t.Fatalf("expected one node under custom base path, got %v", got)
	}
}

func TestLockOnClosedSession(t *testing.T) {
	srv := coord.NewMemoryServer()
	s, _ := newTestSession(t, srv)
	l := newTestLock(t, s, "closed", Write)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Lock(context.Background()); err == nil {
		t.Fatal("expected lock on closed session to fail")
	}
}
