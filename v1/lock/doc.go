// Package lock implements a distributed read-write lock on top of a
// ZooKeeper-style coordination service. Every Lock call enqueues an
// ephemeral sequential node under the resource's group root and waits on the
// single predecessor that blocks it. Writers are served in arrival order and
// only skip readers that arrived after them. A Session shares one
// coordination client between locks and fails waiting acquisitions when the
// client's session expires.
package lock
