package modrt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Operation names the lifecycle operation holding a bundle lock.
type Operation int

const (
	OpStart Operation = iota + 1
	OpStop
	OpUpdate
	OpUninstall
	OpRefresh
)

func (o Operation) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpUpdate:
		return "update"
	case OpUninstall:
		return "uninstall"
	case OpRefresh:
		return "refresh"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// lockOwner identifies one chain of calls. It travels in the context, so an
// activator that passes its context back into the framework re-enters the
// locks its caller already holds.
type lockOwner struct{}

type lockOwnerKey struct{}

func withLockOwner(ctx context.Context) (context.Context, *lockOwner) {
	if o, ok := ctx.Value(lockOwnerKey{}).(*lockOwner); ok {
		return ctx, o
	}
	o := &lockOwner{}
	return context.WithValue(ctx, lockOwnerKey{}, o), o
}

// bundleLock serialises lifecycle operations on one bundle. It is re-entrant
// for the owner that holds it and records the operations in progress.
type bundleLock struct {
	mu       sync.Mutex
	owner    *lockOwner
	ops      []Operation
	released chan struct{}
}

func newBundleLock() *bundleLock {
	return &bundleLock{released: make(chan struct{})}
}

// acquire takes the lock for op, waiting at most timeout. The returned
// context carries the ownership and must be used for nested calls.
func (l *bundleLock) acquire(ctx context.Context, op Operation, timeout time.Duration) (context.Context, error) {
	ctx, owner := withLockOwner(ctx)
	var timer *time.Timer
	for {
		l.mu.Lock()
		if l.owner == nil || l.owner == owner {
			l.owner = owner
			l.ops = append(l.ops, op)
			l.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return ctx, nil
		}
		wait := l.released
		holder := l.ops[len(l.ops)-1]
		l.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-wait:
		case <-timer.C:
			return ctx, fmt.Errorf("%w: %s is blocked by %s", ErrStateChangeTimeout, op, holder)
		case <-ctx.Done():
			timer.Stop()
			return ctx, fmt.Errorf("%w: %w", ErrStateChangeTimeout, ctx.Err())
		}
	}
}

func (l *bundleLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = l.ops[:len(l.ops)-1]
	if len(l.ops) > 0 {
		return
	}
	l.owner = nil
	close(l.released)
	l.released = make(chan struct{})
}

// reentered reports whether the lock is held more than once, i.e. the
// current operation was called from inside another one on the same bundle.
func (l *bundleLock) reentered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops) > 1
}

// holds reports whether op is in progress.
func (l *bundleLock) holds(op Operation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.ops {
		if o == op {
			return true
		}
	}
	return false
}
