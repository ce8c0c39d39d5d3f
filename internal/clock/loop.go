package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/gochord/pkg"
)

// Loop is a single goroutine event loop backed by wall-clock timers.
type Loop struct {
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	logger *pkg.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLoop creates a loop whose task queue holds up to queueSize pending tasks.
func NewLoop(queueSize int, logger *pkg.Logger) (*Loop, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", queueSize)
	}

	return &Loop{
		tasks:  make(chan func(), queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Component("event-loop"),
	}, nil
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

func (l *Loop) run() {
	defer close(l.done)

	l.logger.Debug().Msg("Event loop started")
	for {
		select {
		case <-l.quit:
			l.logger.Debug().Msg("Event loop stopped")
			return
		case fn := <-l.tasks:
			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Msg("Recovered panic in event loop task")
		}
	}()
	fn()
}

// Stop terminates the loop and waits for the running task to return. Tasks
// still queued are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
	})
	l.startOnce.Do(func() {
		close(l.done)
	})
	<-l.done
}

// Post queues fn. It blocks while the queue is full and returns false once
// the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do runs fn on the loop and waits for it.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now returns the wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l, fn: fn}
	t.arm(d)
	return t
}

// Every runs fn on the loop every d until stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic(fmt.Sprintf("clock: non-positive period %s", d))
	}
	t := &loopTimer{loop: l, fn: fn, period: d}
	t.arm(d)
	return t
}

type loopTimer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	stopped atomic.Bool

	mu sync.Mutex
	t  *time.Timer
}

func (t *loopTimer) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(t.fire)
	})
}

// fire runs on the loop goroutine. A Stop that lands between the wall-clock
// timer expiring and the task running still suppresses the callback.
func (t *loopTimer) fire() {
	if t.period == 0 {
		if !t.stopped.CompareAndSwap(false, true) {
			return
		}
		t.fn()
		return
	}

	if t.stopped.Load() {
		return
	}
	t.fn()
	if !t.stopped.Load() {
		t.arm(t.period)
	}
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()
	return true
}
