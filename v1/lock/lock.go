package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-rwlock/v1/lock")

// Lock is a shared or exclusive lock on one resource. The instance is the
// owner: locking it again while held only increments a hold count, and the
// node is deleted when the last hold is released.
type Lock struct {
	session  *Session
	resource string
	root     string
	mode     Mode
	id       string

	mu      sync.Mutex
	holds   int
	own     *ownNode
	pending chan struct{}
	waiter  *waiter
}

// New returns a lock on resource in the given mode. resource may contain
// "/" separated segments.
func New(s *Session, resource string, mode Mode) (*Lock, error) {
	root, err := GroupRoot(s.cfg.basePath, resource)
	if err != nil {
		return nil, err
	}
	return &Lock{
		session:  s,
		resource: resource,
		root:     root,
		mode:     mode,
		id:       uuid.NewString(),
	}, nil
}

// Resource returns the resource name.
func (l *Lock) Resource() string { return l.resource }

// Mode returns the lock mode.
func (l *Lock) Mode() Mode { return l.mode }

// Held reports whether the lock is held and its node still belongs to the
// live session.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds > 0 && l.own.alive(l.session)
}

// Waiting returns the predecessor node a pending Lock call is blocked on.
func (l *Lock) Waiting() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiter == nil {
		return "", false
	}
	return l.waiter.target, true
}

// Node returns the full path of the held node, or "" when not held.
func (l *Lock) Node() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.own == nil {
		return ""
	}
	return l.own.path
}

// Sequence returns the sequence number of the held node.
func (l *Lock) Sequence() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.own == nil {
		return 0, false
	}
	return l.own.node.seq, true
}

// Lock blocks until the lock is granted, ctx is done, or acquisition fails.
//
// A ctx deadline surfaces as ErrTimeout; a loss of the session while waiting
// as ErrSessionExpired, in which case Lock must be called again to enqueue a
// fresh node. On every failure the enqueued node is deleted first.
func (l *Lock) Lock(ctx context.Context) (err error) {
	if l.session.cfg.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Lock", trace.WithAttributes(
			attribute.String("rwlock.resource", l.resource),
			attribute.String("rwlock.mode", l.mode.String()),
			attribute.String("rwlock.owner", l.id),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	for {
		l.mu.Lock()
		if l.holds > 0 {
			if l.own.alive(l.session) {
				l.holds++
				l.mu.Unlock()
				return nil
			}
			slog.Warn("rwlock: held lock lost with session", "node", l.own.path, "holds", l.holds)
			l.holds, l.own = 0, nil
			metrics.HeldGauge.Dec()
		}
		if l.pending == nil {
			l.pending = make(chan struct{})
			l.mu.Unlock()
			break
		}
		pending := l.pending
		l.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return l.ctxError(ctx.Err())
		}
	}

	own, err := l.enqueueAndAcquire(ctx)

	l.mu.Lock()
	if err == nil {
		l.holds, l.own = 1, own
	}
	close(l.pending)
	l.pending = nil
	l.mu.Unlock()
	return err
}

func (l *Lock) enqueueAndAcquire(ctx context.Context) (*ownNode, error) {
	s := l.session
	start := time.Now()

	if err := s.ensureRoot(ctx, l.root); err != nil {
		return nil, l.failed(fmt.Errorf("lock %s: create group root: %w", l.root, err))
	}

	path, session, err := s.create(ctx, coord.Join(l.root, l.mode.prefix()), coord.FlagEphemeral|coord.FlagSequence)
	if stdErrors.Is(err, rwerrors.ErrNoNode) {
		err = fmt.Errorf("%w: group root %s is missing", rwerrors.ErrProtocolViolation, l.root)
	}
	if err != nil {
		return nil, l.failed(fmt.Errorf("lock %s: enqueue: %w", l.root, err))
	}
	n, err := parseNode(coord.Base(path))
	if err != nil {
		own := &ownNode{path: path, session: session}
		l.abandon(own)
		return nil, l.failed(err)
	}
	own := &ownNode{path: path, node: n, session: session}
	slog.Debug("rwlock: enqueued", "node", path, "owner", l.id)

	if err := l.acquire(ctx, own); err != nil {
		l.abandon(own)
		return nil, l.failed(err)
	}

	metrics.AcquireCounter.WithLabelValues(l.mode.String()).Inc()
	metrics.AcquireLatency.Observe(time.Since(start).Seconds())
	metrics.HeldGauge.Inc()
	slog.Debug("rwlock: granted", "node", path, "owner", l.id, "elapsed", time.Since(start))
	return own, nil
}

// abandon deletes a node that will never be granted, so it does not block
// the nodes queued behind it. It uses its own context because the caller's
// may already be done.
func (l *Lock) abandon(own *ownNode) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := l.session.do(ctx, func(ctx context.Context) error {
		return l.session.client.Delete(ctx, own.path)
	})
	if err != nil && !stdErrors.Is(err, rwerrors.ErrNoNode) {
		slog.Warn("rwlock: could not delete abandoned node", "node", own.path, "error", err)
	}
}

func (l *Lock) failed(err error) error {
	err = l.ctxError(err)
	reason := "error"
	switch {
	case stdErrors.Is(err, rwerrors.ErrTimeout):
		reason = "timeout"
	case stdErrors.Is(err, context.Canceled):
		reason = "canceled"
	case stdErrors.Is(err, rwerrors.ErrSessionExpired):
		reason = "session_expired"
	case stdErrors.Is(err, rwerrors.ErrProtocolViolation):
		reason = "protocol_violation"
	case stdErrors.Is(err, rwerrors.ErrConnectionLoss):
		reason = "connection_loss"
	}
	metrics.AcquireFailureCounter.WithLabelValues(reason).Inc()
	slog.Warn("rwlock: acquisition failed", "resource", l.resource, "mode", l.mode.String(), "reason", reason, "error", err)
	return err
}

// ctxError maps a deadline to ErrTimeout.
func (l *Lock) ctxError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", l.root, rwerrors.ErrTimeout)
	}
	return err
}

// Unlock releases one hold. The node is deleted when the last hold goes.
// Unlocking a lock that is not held, or whose node is already gone, is not
// an error. A connection loss is returned only after the retry budget.
func (l *Lock) Unlock(ctx context.Context) (err error) {
	if l.session.cfg.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Lock.Unlock", trace.WithAttributes(
			attribute.String("rwlock.resource", l.resource),
			attribute.String("rwlock.mode", l.mode.String()),
			attribute.String("rwlock.owner", l.id),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	l.mu.Lock()
	if l.holds == 0 {
		l.mu.Unlock()
		return nil
	}
	l.holds--
	if l.holds > 0 {
		l.mu.Unlock()
		return nil
	}
	own := l.own
	l.own = nil
	l.mu.Unlock()
	metrics.HeldGauge.Dec()

	s := l.session
	if !own.alive(s) {
		return nil
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.client.Delete(ctx, own.path)
	})
	if stdErrors.Is(err, rwerrors.ErrNoNode) {
		return nil
	}
	if err != nil {
		slog.Warn("rwlock: unlock failed, node kept until session ends", "node", own.path, "error", err)
		return fmt.Errorf("unlock %s: %w", own.path, err)
	}
	return nil
}
