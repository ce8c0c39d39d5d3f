// Package clock provides the schedulers that drive a ring node.
//
// A node is single threaded: every timer callback and every inbound datagram
// handler runs on one goroutine. Loop implements that with a real goroutine
// and wall-clock timers; Manual is a virtual clock that runs callbacks on the
// goroutine that advances it, for tests and the simulator.
package clock

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Do once the executor no longer accepts work.
var ErrStopped = errors.New("scheduler stopped")

// Timer is a scheduled callback. Stop reports whether the call prevented the
// callback from running again; stopping a fired or stopped timer is a no-op.
type Timer interface {
	Stop() bool
}

// Scheduler schedules callbacks on the node's goroutine.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Executor hands work from other goroutines to the node's goroutine.
type Executor interface {
	// Post queues fn and returns false if it will never run.
	Post(fn func()) bool
	// Do runs fn and waits for it to finish.
	Do(ctx context.Context, fn func()) error
}

// Runtime is what a node host needs: scheduling plus a way in from outside.
type Runtime interface {
	Scheduler
	Executor
}
