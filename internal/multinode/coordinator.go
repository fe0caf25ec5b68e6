// Package multinode provides the synchronization primitives used by
// coordinated multi-device jobs: named barriers and a group-scoped message
// exchange. State lives in the scheduler's address space and is shared by
// the group's executors; the coordinator owns no devices.
package multinode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSyncTimeout is returned to every waiter when a barrier expires before
// all members arrive. A MultiNode job never blocks forever.
var ErrSyncTimeout = errors.New("synchronization timeout")

// ErrGroupClosed is returned when waiting on a group that has terminated.
var ErrGroupClosed = errors.New("multinode group closed")

// MessageSemantics controls how often a published value may be read.
type MessageSemantics int

const (
	ReadMany MessageSemantics = iota
	ReadOnce
)

// Group holds the synchronization state for one MultiNode group, created at
// dispatch and destroyed when every member terminates.
type Group struct {
	id   string
	size int

	mu       sync.Mutex
	barriers map[string]*barrier
	messages map[string]*message
	msgWait  map[string][]chan struct{}
	closed   bool
}

type barrier struct {
	arrived int
	release chan struct{}
	broken  bool
}

type message struct {
	value     string
	role      string
	semantics MessageSemantics
	consumed  bool
}

// Coordinator tracks all live groups.
type Coordinator struct {
	mu     sync.Mutex
	groups map[string]*Group
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{groups: make(map[string]*Group)}
}

// CreateGroup registers a group with the given member count. Creating an
// existing group is idempotent as long as the size matches.
func (c *Coordinator) CreateGroup(groupID string, size int) (*Group, error) {
	if size < 2 {
		return nil, fmt.Errorf("multinode group needs at least 2 members, got %d", size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[groupID]; ok {
		if g.size != size {
			return nil, fmt.Errorf("group %s already exists with size %d", groupID, g.size)
		}
		return g, nil
	}
	g := &Group{
		id:       groupID,
		size:     size,
		barriers: make(map[string]*barrier),
		messages: make(map[string]*message),
		msgWait:  make(map[string][]chan struct{}),
	}
	c.groups[groupID] = g
	return g, nil
}

// Group looks up a live group.
func (c *Coordinator) Group(groupID string) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	return g, ok
}

// CloseGroup tears down a group, waking every waiter with ErrGroupClosed.
func (c *Coordinator) CloseGroup(groupID string) {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	delete(c.groups, groupID)
	c.mu.Unlock()
	if ok {
		g.close()
	}
}

// Wait blocks until all group members reach the named synchronization point,
// the per-call timeout expires, or ctx is canceled. On timeout the barrier
// is marked broken and every current and future waiter gets ErrSyncTimeout.
func (g *Group) Wait(ctx context.Context, name string, timeout time.Duration) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGroupClosed
	}
	b, ok := g.barriers[name]
	if !ok {
		b = &barrier{release: make(chan struct{})}
		g.barriers[name] = b
	}
	if b.broken {
		g.mu.Unlock()
		return fmt.Errorf("%w: barrier %q already expired", ErrSyncTimeout, name)
	}
	b.arrived++
	if b.arrived == g.size {
		// Last member in releases everyone and resets the point for
		// reuse in a later phase.
		close(b.release)
		delete(g.barriers, name)
		g.mu.Unlock()
		return nil
	}
	release := b.release
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-release:
		g.mu.Lock()
		broken := b.broken
		g.mu.Unlock()
		if broken {
			return fmt.Errorf("%w: barrier %q", ErrSyncTimeout, name)
		}
		return nil
	case <-timer.C:
		// The release and the timer can fire together; a barrier that
		// actually completed must not be reported as timed out. The
		// release channel only closes under the group lock, so the
		// re-check and the break are atomic.
		g.mu.Lock()
		select {
		case <-release:
			broken := b.broken
			g.mu.Unlock()
			if !broken {
				return nil
			}
			return fmt.Errorf("%w: barrier %q", ErrSyncTimeout, name)
		default:
		}
		b.broken = true
		close(release)
		g.mu.Unlock()
		return fmt.Errorf("%w: barrier %q after %s", ErrSyncTimeout, name, timeout)
	case <-ctx.Done():
		g.breakBarrier(name, b)
		return ctx.Err()
	}
}

// breakBarrier marks the barrier failed and wakes the remaining waiters so
// every member observes the same synchronization failure.
func (g *Group) breakBarrier(name string, b *barrier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.broken {
		return
	}
	b.broken = true
	select {
	case <-b.release:
	default:
		close(b.release)
	}
}

// Publish stores a key/value visible to the rest of the group.
func (g *Group) Publish(role, key, value string, semantics MessageSemantics) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGroupClosed
	}
	g.messages[key] = &message{value: value, role: role, semantics: semantics}
	for _, ch := range g.msgWait[key] {
		close(ch)
	}
	delete(g.msgWait, key)
	return nil
}

// Receive returns the value published under key, blocking until it appears
// or the timeout expires. Read-once values are consumed by the first reader.
func (g *Group) Receive(ctx context.Context, key string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return "", ErrGroupClosed
		}
		if m, ok := g.messages[key]; ok && !m.consumed {
			if m.semantics == ReadOnce {
				m.consumed = true
			}
			v := m.value
			g.mu.Unlock()
			return v, nil
		}
		wait := make(chan struct{})
		g.msgWait[key] = append(g.msgWait[key], wait)
		g.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: message %q", ErrSyncTimeout, key)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			// Loop: another reader may have consumed a read-once value.
		case <-timer.C:
			return "", fmt.Errorf("%w: message %q after %s", ErrSyncTimeout, key, timeout)
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

// Size returns the member count of the group.
func (g *Group) Size() int { return g.size }

// ID returns the group identifier.
func (g *Group) ID() string { return g.id }

func (g *Group) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for name, b := range g.barriers {
		b.broken = true
		select {
		case <-b.release:
		default:
			close(b.release)
		}
		delete(g.barriers, name)
	}
	for key, waiters := range g.msgWait {
		for _, ch := range waiters {
			close(ch)
		}
		delete(g.msgWait, key)
	}
}
