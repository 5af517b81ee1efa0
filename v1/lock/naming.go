package lock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mirkobrombin/go-rwlock/v1/coord"
	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

// Mode selects shared or exclusive access.
type Mode int

const (
	// Read is shared access: any number of readers may hold the lock at once.
	Read Mode = iota
	// Write is exclusive access.
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

func (m Mode) prefix() string {
	return m.String() + "_"
}

// node is a parsed sibling name.
type node struct {
	name string
	mode Mode
	seq  uint64
}

func parseNode(name string) (node, error) {
	var mode Mode
	var digits string
	switch {
	case strings.HasPrefix(name, Read.prefix()):
		mode, digits = Read, name[len(Read.prefix()):]
	case strings.HasPrefix(name, Write.prefix()):
		mode, digits = Write, name[len(Write.prefix()):]
	default:
		return node{}, fmt.Errorf("%w: unexpected node %q", rwerrors.ErrProtocolViolation, name)
	}
	if digits == "" {
		return node{}, fmt.Errorf("%w: node %q has no sequence", rwerrors.ErrProtocolViolation, name)
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return node{}, fmt.Errorf("%w: node %q: %v", rwerrors.ErrProtocolViolation, name, err)
	}
	return node{name: name, mode: mode, seq: seq}, nil
}

// parseSiblings splits names into reads and writes, each ordered by
// sequence.
func parseSiblings(names []string) (reads, writes []node, err error) {
	for _, name := range names {
		n, err := parseNode(name)
		if err != nil {
			return nil, nil, err
		}
		if n.mode == Write {
			writes = append(writes, n)
		} else {
			reads = append(reads, n)
		}
	}
	bySeq := func(ns []node) {
		sort.Slice(ns, func(i, j int) bool { return ns[i].seq < ns[j].seq })
	}
	bySeq(reads)
	bySeq(writes)
	return reads, writes, nil
}

// GroupRoot validates resource and returns the path of its group root below
// base.
func GroupRoot(base, resource string) (string, error) {
	if resource == "" || strings.HasPrefix(resource, "/") || strings.HasSuffix(resource, "/") {
		return "", fmt.Errorf("%w: %q", rwerrors.ErrInvalidResource, resource)
	}
	for _, seg := range strings.Split(resource, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", rwerrors.ErrInvalidResource, resource)
		}
	}
	base = "/" + strings.Trim(base, "/")
	return coord.Join(base, resource), nil
}
