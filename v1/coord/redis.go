package coord

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

const (
	defaultRedisNamespace  = "rwlock:"
	defaultRedisSessionTTL = 10 * time.Second
	defaultRedisOpTimeout  = 5 * time.Second
)

// createScript creates a node below an existing parent, appending the next
// per-parent sequence number when ARGV[3] is "1".
// Returns -1 when the parent is missing, 0 when the node exists, or the path.
var createScript = redis.NewScript(`
if ARGV[5] == "0" and redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local name = ARGV[2]
if ARGV[3] == "1" then
    local s = tostring(redis.call("INCR", KEYS[2]) - 1)
    name = name .. string.rep("0", 10 - #s) .. s
end
local path = ARGV[1] .. name
if redis.call("SETNX", ARGV[4] .. path, ARGV[6]) == 0 then
    return 0
end
redis.call("SADD", KEYS[3], name)
return path
`)

// deleteScript removes a childless node. ARGV[2] is the expected owner or "*".
// Returns 1 when deleted, 0 when absent or owned by someone else, -1 when the
// node still has children.
var deleteScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if not owner then
    return 0
end
if ARGV[2] ~= "*" and owner ~= ARGV[2] then
    return 0
end
if redis.call("SCARD", KEYS[3]) > 0 then
    return -1
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
return 1
`)

// RedisOption configures a Redis coordination client.
type RedisOption func(*redisOptions)

type redisOptions struct {
	namespace  string
	sessionTTL time.Duration
	timeout    time.Duration
}

// WithNamespace prefixes every key and channel. Clients sharing a namespace
// share one lock tree.
func WithNamespace(ns string) RedisOption {
	return func(o *redisOptions) {
		o.namespace = ns
	}
}

// WithSessionTTL sets how long a session survives without heartbeats.
// Heartbeats are sent every third of it.
func WithSessionTTL(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.sessionTTL = d
	}
}

// WithTimeout sets the per-command timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// Redis emulates a ZooKeeper-style service on Redis.
//
// A session is a key with a TTL refreshed by a heartbeat. Each node is a key
// holding the id of its owning session (empty for persistent nodes), children
// are kept in a set per parent and sequence numbers come from a counter per
// parent. Deletions are announced on a pub/sub channel per path. Ephemeral
// nodes whose session key has expired are reaped by whichever client lists or
// watches them first.
type Redis struct {
	client  *redis.Client
	ns      string
	ttl     time.Duration
	timeout time.Duration

	mu       sync.Mutex
	session  string
	state    State
	owned    map[string]struct{}
	sessDone chan struct{}

	states    chan State
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Client = (*Redis)(nil)

// NewRedis opens a session on the Redis server behind client.
func NewRedis(ctx context.Context, client *redis.Client, opts ...RedisOption) (*Redis, error) {
	o := redisOptions{
		namespace:  defaultRedisNamespace,
		sessionTTL: defaultRedisSessionTTL,
		timeout:    defaultRedisOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Redis{
		client:   client,
		ns:       o.namespace,
		ttl:      o.sessionTTL,
		timeout:  o.timeout,
		owned:    make(map[string]struct{}),
		sessDone: make(chan struct{}),
		states:   make(chan State, 16),
		done:     make(chan struct{}),
	}
	id, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}
	c.session = id
	c.state = StateConnected
	c.states <- StateConnected
	c.wg.Add(1)
	go c.heartbeat()
	return c, nil
}

func (c *Redis) sessionKey(id string) string { return c.ns + "session:" + id }
func (c *Redis) nodePrefix() string          { return c.ns + "node:" }
func (c *Redis) nodeKey(p string) string     { return c.nodePrefix() + p }
func (c *Redis) childrenKey(p string) string { return c.ns + "children:" + p }
func (c *Redis) seqKey(p string) string      { return c.ns + "seq:" + p }
func (c *Redis) deletedChannel(p string) string {
	return c.ns + "deleted:" + p
}

func (c *Redis) openSession(ctx context.Context) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(cctx, c.sessionKey(id), "1", c.ttl).Err(); err != nil {
		return "", c.mapErr(ctx, err)
	}
	return id, nil
}

// mapErr converts a go-redis failure into the rwlock taxonomy. A done caller
// context wins over everything else.
func (c *Redis) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return rwerrors.ErrClosed
	}
	return fmt.Errorf("%w: %v", rwerrors.ErrConnectionLoss, err)
}

func (c *Redis) current() (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.state
}

func (c *Redis) setState(st State) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	c.mu.Unlock()
	select {
	case c.states <- st:
	case <-c.done:
	}
}

func (c *Redis) heartbeat() {
	defer c.wg.Done()
	interval := c.ttl / 3
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastOK := time.Now()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		id, _ := c.current()
		if id == "" {
			c.reopen()
			lastOK = time.Now()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		alive, err := c.client.PExpire(ctx, c.sessionKey(id), c.ttl).Result()
		cancel()
		switch {
		case err != nil && time.Since(lastOK) < c.ttl:
			slog.Warn("rwlock: redis heartbeat failed", "session", id, "error", err)
			c.setState(StateSuspended)
		case err != nil || !alive:
			c.expire(id)
			lastOK = time.Now()
		default:
			lastOK = time.Now()
			c.setState(StateConnected)
		}
	}
}

// expire reports the loss of session id, removes what is left of its nodes
// and opens a replacement session. The session id is cleared before any node
// is removed.
func (c *Redis) expire(id string) {
	slog.Warn("rwlock: redis session expired", "session", id)
	c.mu.Lock()
	owned := c.owned
	c.owned = make(map[string]struct{})
	c.session = ""
	close(c.sessDone)
	c.sessDone = make(chan struct{})
	c.mu.Unlock()
	c.setState(StateExpired)

	ctx := context.Background()
	for p := range owned {
		_ = c.remove(ctx, p, id)
	}
	c.reopen()
}

func (c *Redis) reopen() {
	next, err := c.openSession(context.Background())
	if err != nil {
		slog.Warn("rwlock: redis session reopen failed", "error", err)
		c.setState(StateSuspended)
		return
	}
	c.mu.Lock()
	c.session = next
	c.mu.Unlock()
	c.setState(StateConnected)
}

// remove deletes p if it is owned by owner ("*" for any owner) and announces
// the deletion. It returns ErrNoNode when nothing was deleted.
func (c *Redis) remove(ctx context.Context, p, owner string) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	keys := []string{c.nodeKey(p), c.childrenKey(Parent(p)), c.childrenKey(p)}
	n, err := deleteScript.Run(cctx, c.client, keys, Base(p), owner).Int64()
	if err != nil {
		return c.mapErr(ctx, err)
	}
	switch n {
	case 0:
		return rwerrors.ErrNoNode
	case -1:
		return fmt.Errorf("delete %s: node has children", p)
	}
	c.mu.Lock()
	delete(c.owned, p)
	c.mu.Unlock()
	if err := c.client.Publish(cctx, c.deletedChannel(p), "1").Err(); err != nil {
		slog.Warn("rwlock: redis deletion notice failed", "path", p, "error", err)
	}
	return nil
}

// alive reports which of the given session ids still hold a session key.
func (c *Redis) alive(ctx context.Context, owners []string) (map[string]bool, error) {
	out := make(map[string]bool, len(owners))
	if len(owners) == 0 {
		return out, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(owners))
	for i, o := range owners {
		cmds[i] = pipe.Exists(cctx, c.sessionKey(o))
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return nil, c.mapErr(ctx, err)
	}
	for i, o := range owners {
		out[o] = cmds[i].Val() == 1
	}
	return out, nil
}

// Create implements Client.Create. It refuses to send anything while the
// session is suspended or being replaced.
func (c *Redis) Create(ctx context.Context, p string, flags Flags) (string, error) {
	id, st := c.current()
	if id == "" || st != StateConnected {
		return "", fmt.Errorf("%w: %w", rwerrors.ErrConnectionLoss, rwerrors.ErrRequestNotSent)
	}
	owner := ""
	if flags&FlagEphemeral != 0 {
		owner = id
	}
	parent := Parent(p)
	seq, isRoot := "0", "0"
	if flags&FlagSequence != 0 {
		seq = "1"
	}
	if parent == "/" {
		isRoot = "1"
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	keys := []string{c.nodeKey(parent), c.seqKey(parent), c.childrenKey(parent)}
	res, err := createScript.Run(cctx, c.client, keys,
		Join(parent, ""), Base(p), seq, c.nodePrefix(), isRoot, owner).Result()
	if err != nil {
		return "", c.mapErr(ctx, err)
	}
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return "", rwerrors.ErrNoNode
		}
		return "", rwerrors.ErrNodeExists
	case string:
		if owner != "" {
			c.mu.Lock()
			c.owned[v] = struct{}{}
			c.mu.Unlock()
		}
		return v, nil
	}
	return "", fmt.Errorf("create %s: unexpected reply %T", p, res)
}

// Delete implements Client.Delete.
func (c *Redis) Delete(ctx context.Context, p string) error {
	return c.remove(ctx, p, "*")
}

// Children implements Client.Children. Ephemeral children of dead sessions
// are reaped before the listing is returned.
func (c *Redis) Children(ctx context.Context, p string) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if p != "/" {
		n, err := c.client.Exists(cctx, c.nodeKey(p)).Result()
		if err != nil {
			return nil, c.mapErr(ctx, err)
		}
		if n == 0 {
			return nil, rwerrors.ErrNoNode
		}
	}
	names, err := c.client.SMembers(cctx, c.childrenKey(p)).Result()
	if err != nil {
		return nil, c.mapErr(ctx, err)
	}
	if len(names) == 0 {
		return names, nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = c.nodeKey(Join(p, name))
	}
	vals, err := c.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, c.mapErr(ctx, err)
	}
	owners := make(map[string]struct{})
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			owners[s] = struct{}{}
		}
	}
	ids := make([]string, 0, len(owners))
	for o := range owners {
		ids = append(ids, o)
	}
	live, err := c.alive(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := names[:0]
	for i, name := range names {
		owner, ok := vals[i].(string)
		if !ok {
			continue
		}
		if owner != "" && !live[owner] {
			if err := c.remove(ctx, Join(p, name), owner); err != nil && !stdErrors.Is(err, rwerrors.ErrNoNode) {
				return nil, err
			}
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

// ExistsW implements Client.ExistsW. The deletion channel is subscribed
// before the node is inspected so a deletion in between is not lost.
func (c *Redis) ExistsW(ctx context.Context, p string) (bool, <-chan Event, error) {
	c.mu.Lock()
	sessDone := c.sessDone
	c.mu.Unlock()

	ps := c.client.Subscribe(ctx, c.deletedChannel(p))
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return false, nil, c.mapErr(ctx, err)
	}
	owner, err := c.client.Get(cctx, c.nodeKey(p)).Result()
	if err == redis.Nil {
		_ = ps.Close()
		return false, nil, nil
	}
	if err != nil {
		_ = ps.Close()
		return false, nil, c.mapErr(ctx, err)
	}
	if owner != "" {
		live, err := c.alive(ctx, []string{owner})
		if err != nil {
			_ = ps.Close()
			return false, nil, err
		}
		if !live[owner] {
			_ = ps.Close()
			if err := c.remove(ctx, p, owner); err != nil && !stdErrors.Is(err, rwerrors.ErrNoNode) {
				return false, nil, err
			}
			return false, nil, nil
		}
	}

	out := make(chan Event, 1)
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		select {
		case <-msgs:
			out <- Event{Type: EventNodeDeleted, Path: p}
		case <-sessDone:
			out <- Event{Type: EventNotWatching, Path: p}
		case <-c.done:
			out <- Event{Type: EventNotWatching, Path: p}
		case <-ctx.Done():
		}
	}()
	return true, out, nil
}

// States implements Client.States.
func (c *Redis) States() <-chan State {
	return c.states
}

// Session returns the id of the current session.
func (c *Redis) Session() string {
	id, _ := c.current()
	return id
}

// Close implements Client.Close. Ephemeral nodes of the session are deleted
// and the session key is dropped.
func (c *Redis) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		c.mu.Lock()
		id := c.session
		owned := make([]string, 0, len(c.owned))
		for p := range c.owned {
			owned = append(owned, p)
		}
		c.mu.Unlock()

		ctx := context.Background()
		var failed []string
		for _, p := range owned {
			if rerr := c.remove(ctx, p, id); rerr != nil && !stdErrors.Is(rerr, rwerrors.ErrNoNode) {
				failed = append(failed, p)
			}
		}
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if derr := c.client.Del(cctx, c.sessionKey(id)).Err(); derr != nil {
			err = c.mapErr(ctx, derr)
		}
		if len(failed) > 0 && err == nil {
			err = fmt.Errorf("close: could not delete %s", strings.Join(failed, ", "))
		}
		close(c.states)
	})
	return err
}
