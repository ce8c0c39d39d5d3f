package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

// Manual is a virtual clock. Time only moves when Advance is called, and
// due callbacks run on the calling goroutine in (deadline, scheduling order).
// Callbacks may schedule more work; anything that falls due before the end of
// the advance runs in the same call.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue *binaryheap.Heap
}

// NewManual returns a virtual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{
		now: start,
		queue: binaryheap.NewWith(func(a, b interface{}) int {
			ta, tb := a.(*manualTimer), b.(*manualTimer)
			switch {
			case ta.when.Before(tb.when):
				return -1
			case ta.when.After(tb.when):
				return 1
			case ta.seq < tb.seq:
				return -1
			case ta.seq > tb.seq:
				return 1
			}
			return 0
		}),
	}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules fn at Now()+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, 0, fn)
}

// Every schedules fn at Now()+d and then every d.
func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		panic(fmt.Sprintf("clock: non-positive period %s", d))
	}
	return m.schedule(d, d, fn)
}

// Post schedules fn to run on the next Advance or Flush.
func (m *Manual) Post(fn func()) bool {
	m.schedule(0, 0, fn)
	return true
}

// Do runs fn immediately on the calling goroutine.
func (m *Manual) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

func (m *Manual) schedule(d, period time.Duration, fn func()) *manualTimer {
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{
		clock:  m,
		when:   m.now.Add(d),
		seq:    m.seq,
		period: period,
		fn:     fn,
	}
	m.queue.Push(t)
	return t
}

// Advance moves the clock forward by d, running every callback that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.next(target)
		if t == nil {
			break
		}
		t.fn()
		if t.period > 0 {
			m.reschedule(t)
		}
	}

	m.mu.Lock()
	if m.now.Before(target) {
		m.now = target
	}
	m.mu.Unlock()
}

// Flush runs everything due at the current time without moving the clock.
func (m *Manual) Flush() {
	m.Advance(0)
}

// Pending returns the number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, v := range m.queue.Values() {
		if !v.(*manualTimer).stopped {
			n++
		}
	}
	return n
}

// next pops the earliest live timer due at or before target and moves the
// clock to its deadline.
func (m *Manual) next(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		v, ok := m.queue.Peek()
		if !ok {
			return nil
		}
		t := v.(*manualTimer)
		if t.stopped {
			m.queue.Pop()
			continue
		}
		if t.when.After(target) {
			return nil
		}
		m.queue.Pop()
		if t.when.After(m.now) {
			m.now = t.when
		}
		if t.period == 0 {
			t.stopped = true
		}
		return t
	}
}

func (m *Manual) reschedule(t *manualTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.stopped {
		return
	}
	m.seq++
	t.when = t.when.Add(t.period)
	t.seq = m.seq
	m.queue.Push(t)
}

type manualTimer struct {
	clock   *Manual
	when    time.Time
	seq     uint64
	period  time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
