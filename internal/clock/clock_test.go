package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/gochord/pkg"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_AfterFunc(t *testing.T) {
	m := NewManual(epoch)

	var fired []time.Time
	m.AfterFunc(2*time.Second, func() { fired = append(fired, m.Now()) })

	m.Advance(time.Second)
	assert.Empty(t, fired)

	m.Advance(time.Second)
	require.Len(t, fired, 1)
	assert.Equal(t, epoch.Add(2*time.Second), fired[0])

	m.Advance(10 * time.Second)
	assert.Len(t, fired, 1)
	assert.Equal(t, epoch.Add(12*time.Second), m.Now())
}

func TestManual_Ordering(t *testing.T) {
	m := NewManual(epoch)

	var order []string
	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(time.Second, func() { order = append(order, "a1") })
	m.AfterFunc(time.Second, func() { order = append(order, "a2") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, order)
}

func TestManual_Every(t *testing.T) {
	m := NewManual(epoch)

	count := 0
	timer := m.Every(10*time.Second, func() { count++ })

	m.Advance(35 * time.Second)
	assert.Equal(t, 3, count)

	assert.True(t, timer.Stop())
	m.Advance(time.Minute)
	assert.Equal(t, 3, count)
}

func TestManual_StopFromInsideCallback(t *testing.T) {
	m := NewManual(epoch)

	count := 0
	var timer Timer
	timer = m.Every(time.Second, func() {
		count++
		if count == 2 {
			timer.Stop()
		}
	})

	m.Advance(10 * time.Second)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, m.Pending())
}

func TestManual_StopIsIdempotent(t *testing.T) {
	m := NewManual(epoch)

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, fired)

	fired2 := false
	timer2 := m.AfterFunc(time.Second, func() { fired2 = true })
	m.Advance(time.Second)
	assert.True(t, fired2)
	assert.False(t, timer2.Stop(), "cancel after fire is a no-op")
}

func TestManual_CallbacksScheduleMoreWork(t *testing.T) {
	m := NewManual(epoch)

	var order []string
	m.AfterFunc(time.Second, func() {
		order = append(order, "first")
		m.AfterFunc(time.Second, func() { order = append(order, "second") })
		m.Post(func() { order = append(order, "posted") })
	})

	m.Advance(3 * time.Second)
	assert.Equal(t, []string{"first", "posted", "second"}, order)
}

func TestManual_PostAndDo(t *testing.T) {
	m := NewManual(epoch)

	ran := false
	assert.True(t, m.Post(func() { ran = true }))
	assert.False(t, ran)
	m.Flush()
	assert.True(t, ran)
	assert.Equal(t, epoch, m.Now())

	done := false
	require.NoError(t, m.Do(context.Background(), func() { done = true }))
	assert.True(t, done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Do(ctx, func() {}), context.Canceled)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := NewLoop(64, pkg.NewNop())
	require.NoError(t, err)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func TestNewLoop(t *testing.T) {
	tests := []struct {
		name      string
		queueSize int
		logger    *pkg.Logger
		wantErr   bool
	}{
		{name: "valid", queueSize: 8, logger: pkg.NewNop()},
		{name: "nil logger", queueSize: 8, wantErr: true},
		{name: "zero queue", queueSize: 0, logger: pkg.NewNop(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLoop(tt.queueSize, tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, l)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLoop_SerializesTasks(t *testing.T) {
	l := newTestLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, l.Do(context.Background(), func() { counter++ }))
			}
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Do(context.Background(), func() { got = counter }))
	assert.Equal(t, 1000, got)
}

func TestLoop_AfterFunc(t *testing.T) {
	l := newTestLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_TimerStop(t *testing.T) {
	l := newTestLoop(t)

	var fired atomic.Bool
	timer := l.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, fired.Load())
}

func TestLoop_Every(t *testing.T) {
	l := newTestLoop(t)

	var count atomic.Int32
	timer := l.Every(5*time.Millisecond, func() { count.Add(1) })

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	timer.Stop()
	require.NoError(t, l.Do(context.Background(), func() {}))
	stopped := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), stopped+1)
}

func TestLoop_RecoversPanics(t *testing.T) {
	l := newTestLoop(t)

	l.Post(func() { panic("boom") })

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_Stop(t *testing.T) {
	l, err := NewLoop(4, pkg.NewNop())
	require.NoError(t, err)
	l.Start()
	l.Stop()
	l.Stop()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}

func TestLoop_StopWithoutStart(t *testing.T) {
	l, err := NewLoop(4, pkg.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a loop that never started")
	}
}
