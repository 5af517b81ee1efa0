package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

type memNode struct {
	owner    string
	children map[string]struct{}
}

type memWatch struct {
	session string
	ch      chan Event
	stop    func() bool
}

// MemoryServer is an in-process coordination service with ZooKeeper
// semantics: ephemeral and sequential nodes, per-parent sequence counters and
// one-shot deletion watches. Many clients, each with its own session, can
// connect to one server.
type MemoryServer struct {
	mu      sync.Mutex
	nodes   map[string]*memNode
	seqs    map[string]uint64
	watches map[string][]*memWatch

	existsHook func(path string)
}

// NewMemoryServer returns an empty server holding only the root node.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		nodes:   map[string]*memNode{"/": {children: make(map[string]struct{})}},
		seqs:    make(map[string]uint64),
		watches: make(map[string][]*memWatch),
	}
}

// Connect opens a new session on the server.
func (s *MemoryServer) Connect() *MemoryClient {
	c := &MemoryClient{
		srv:     s,
		session: uuid.NewString(),
		state:   StateConnected,
		states:  make(chan State, 64),
	}
	c.emit(StateConnected)
	return c
}

// SetExistsHook installs fn to run at the start of every ExistsW call,
// before the server evaluates the path. Tests use it to race deletions
// against watch installation.
func (s *MemoryServer) SetExistsHook(fn func(path string)) {
	s.mu.Lock()
	s.existsHook = fn
	s.mu.Unlock()
}

// Seed creates a persistent node at p together with any missing ancestors.
func (s *MemoryServer) Seed(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range append(Ancestors(p), p) {
		if _, ok := s.nodes[a]; ok {
			continue
		}
		s.nodes[a] = &memNode{children: make(map[string]struct{})}
		s.nodes[Parent(a)].children[Base(a)] = struct{}{}
	}
}

// Nodes lists the children of p, sorted, without going through a session.
func (s *MemoryServer) Nodes(p string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil
	}
	return sortedNames(n.children)
}

// Remove deletes p regardless of which session owns it.
func (s *MemoryServer) Remove(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(p)
}

func (s *MemoryServer) create(session, p string, flags Flags) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.nodes[Parent(p)]
	if !ok {
		return "", rwerrors.ErrNoNode
	}
	actual := p
	if flags&FlagSequence != 0 {
		n := s.seqs[Parent(p)]
		s.seqs[Parent(p)] = n + 1
		actual = p + FormatSequence(n)
	}
	if _, exists := s.nodes[actual]; exists {
		return "", rwerrors.ErrNodeExists
	}
	node := &memNode{children: make(map[string]struct{})}
	if flags&FlagEphemeral != 0 {
		node.owner = session
	}
	s.nodes[actual] = node
	parent.children[Base(actual)] = struct{}{}
	return actual, nil
}

func (s *MemoryServer) deleteLocked(p string) error {
	n, ok := s.nodes[p]
	if !ok || p == "/" {
		return rwerrors.ErrNoNode
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: node has children", p)
	}
	delete(s.nodes, p)
	if parent, ok := s.nodes[Parent(p)]; ok {
		delete(parent.children, Base(p))
	}
	s.fireLocked(p, EventNodeDeleted)
	return nil
}

func (s *MemoryServer) fireLocked(p string, typ EventType) {
	for _, w := range s.watches[p] {
		w.stop()
		select {
		case w.ch <- Event{Type: typ, Path: p}:
		default:
		}
	}
	delete(s.watches, p)
}

func (s *MemoryServer) children(p string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, rwerrors.ErrNoNode
	}
	return sortedNames(n.children), nil
}

func (s *MemoryServer) existsW(ctx context.Context, session, p string) (bool, <-chan Event, error) {
	s.mu.Lock()
	hook := s.existsHook
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[p]; !ok {
		return false, nil, nil
	}
	w := &memWatch{session: session, ch: make(chan Event, 1)}
	w.stop = context.AfterFunc(ctx, func() { s.unwatch(p, w) })
	s.watches[p] = append(s.watches[p], w)
	return true, w.ch, nil
}

func (s *MemoryServer) unwatch(p string, w *memWatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.watches[p]
	for i, c := range ws {
		if c == w {
			ws[i] = ws[len(ws)-1]
			ws = ws[:len(ws)-1]
			break
		}
	}
	if len(ws) == 0 {
		delete(s.watches, p)
	} else {
		s.watches[p] = ws
	}
}

// endSession deletes every ephemeral node owned by session and drops its
// watches. It returns the number of nodes removed.
func (s *MemoryServer) endSession(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owned []string
	for p, n := range s.nodes {
		if n.owner == session {
			owned = append(owned, p)
		}
	}
	for _, p := range owned {
		_ = s.deleteLocked(p)
	}
	for p, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.session != session {
				kept = append(kept, w)
				continue
			}
			w.stop()
			select {
			case w.ch <- Event{Type: EventNotWatching, Path: p}:
			default:
			}
		}
		if len(kept) == 0 {
			delete(s.watches, p)
		} else {
			s.watches[p] = kept
		}
	}
	return len(owned)
}

func sortedNames(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MemoryClient is one session on a MemoryServer. Suspend, Resume and Expire
// simulate connectivity changes.
type MemoryClient struct {
	srv *MemoryServer

	mu      sync.Mutex
	session string
	state   State
	closed  bool
	states  chan State
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) emit(st State) {
	select {
	case c.states <- st:
	default:
	}
}

func (c *MemoryClient) check() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", rwerrors.ErrClosed
	}
	if c.state != StateConnected {
		return "", fmt.Errorf("%w: %w", rwerrors.ErrConnectionLoss, rwerrors.ErrRequestNotSent)
	}
	return c.session, nil
}

// Create implements Client.Create.
func (c *MemoryClient) Create(ctx context.Context, p string, flags Flags) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	session, err := c.check()
	if err != nil {
		return "", err
	}
	return c.srv.create(session, p, flags)
}

// Delete implements Client.Delete.
func (c *MemoryClient) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.check(); err != nil {
		return err
	}
	return c.srv.Remove(p)
}

// Children implements Client.Children.
func (c *MemoryClient) Children(ctx context.Context, p string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := c.check(); err != nil {
		return nil, err
	}
	return c.srv.children(p)
}

// ExistsW implements Client.ExistsW.
func (c *MemoryClient) ExistsW(ctx context.Context, p string) (bool, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	session, err := c.check()
	if err != nil {
		return false, nil, err
	}
	return c.srv.existsW(ctx, session, p)
}

// States implements Client.States.
func (c *MemoryClient) States() <-chan State {
	return c.states
}

// Session returns the id of the current session.
func (c *MemoryClient) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Suspend simulates a network interruption. Operations fail with
// ErrConnectionLoss while ephemeral nodes and installed watches survive.
func (c *MemoryClient) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateSuspended {
		return
	}
	c.state = StateSuspended
	c.emit(StateSuspended)
}

// Resume ends a simulated interruption within the session grace window.
func (c *MemoryClient) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateConnected {
		return
	}
	c.state = StateConnected
	c.emit(StateConnected)
}

// Expire ends the session as the server would after the session timeout:
// its ephemeral nodes are deleted and its watches dropped. A fresh session is
// established right after, the way go-zookeeper reconnects. It returns the
// number of ephemeral nodes removed.
func (c *MemoryClient) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.state = StateExpired
	removed := c.srv.endSession(c.session)
	c.emit(StateExpired)

	c.session = uuid.NewString()
	c.state = StateConnected
	c.emit(StateConnected)
	return removed
}

// Close implements Client.Close.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.srv.endSession(c.session)
	close(c.states)
	return nil
}
