package scheduler

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternityForest/scullery/internal/task/workers"
	"github.com/EternityForest/scullery/pkg/logx"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startScheduler(t *testing.T, log logx.Logger) *Scheduler {
	t.Helper()
	pool := workers.New(workers.Config{MinWorkers: 2, MaxWorkers: 8}, log)
	require.NoError(t, pool.Start(context.Background()))
	s := New(Config{}, log, pool)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = pool.Stop(ctx)
	})
	return s
}

func TestRepeatingEventCountsAndCancel(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var n atomic.Int32
	r, err := s.ScheduleRepeating(func() { n.Add(1) }, time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	got := n.Load()
	assert.GreaterOrEqual(t, got, int32(0))
	assert.LessOrEqual(t, got, int32(3))

	time.Sleep(1500 * time.Millisecond)
	got = n.Load()
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(4))

	r.Cancel()
	assert.True(t, r.Cancelled())
	// A run dispatched just before Cancel may still land.
	time.Sleep(100 * time.Millisecond)
	after := n.Load()
	time.Sleep(2 * time.Second)
	assert.Equal(t, after, n.Load())
	require.Eventually(t, func() bool { return s.Snapshot().Repeating == 0 }, time.Second, 10*time.Millisecond)
}

func TestRepeatingEventNeverOverlapsItself(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var running, peak, runs atomic.Int32
	r, err := s.Every(50*time.Millisecond, func() {
		cur := running.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		time.Sleep(200 * time.Millisecond)
		running.Add(-1)
		runs.Add(1)
	})
	require.NoError(t, err)

	// Force extra arming while runs are in flight.
	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		go r.state.rearm()
	}
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	r.Cancel()
	assert.Equal(t, int32(1), peak.Load())
}

func dropOnce(s *Scheduler, at time.Time, ran *atomic.Bool) {
	_, _ = s.ScheduleOnce(func() { ran.Store(true) }, at)
}

func TestDroppedOneShotWarnsAndDoesNotRun(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	s := startScheduler(t, logx.NewJSON(&logs, "debug"))
	var ran atomic.Bool
	dropOnce(s, time.Now().Add(300*time.Millisecond), &ran)
	runtime.GC()
	runtime.GC()

	require.Eventually(t, func() bool { return s.Snapshot().Collected == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, ran.Load())
	assert.Contains(t, logs.String(), "dropped before it fired")
	assert.True(t, s.Snapshot().Running)
}

func TestOneShotFiresAndCancel(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	fired := make(chan struct{})
	ev, err := s.After(50*time.Millisecond, func() { close(fired) })
	require.NoError(t, err)

	var cancelledRan atomic.Bool
	cancelled, err := s.After(100*time.Millisecond, func() { cancelledRan.Store(true) })
	require.NoError(t, err)
	cancelled.Cancel()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot event did not fire")
	}
	time.Sleep(200 * time.Millisecond)
	assert.False(t, cancelledRan.Load())
	assert.True(t, cancelled.Cancelled())
	runtime.KeepAlive(ev)
}

func TestNoExecutorRunsOnTimerGoroutine(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var order []int
	done := make(chan struct{})
	first, err := s.After(10*time.Millisecond, func() {
		time.Sleep(50 * time.Millisecond)
		order = append(order, 1)
	})
	require.NoError(t, err)
	second, err := s.After(20*time.Millisecond, func() {
		order = append(order, 2)
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events did not fire")
	}
	// Runs are serialized on the timer goroutine, so the slow one finishes first.
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, uint64(2), s.Snapshot().Fired)
	runtime.KeepAlive(first)
	runtime.KeepAlive(second)
}

func TestScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	_, err := s.ScheduleOnce(nil, time.Now())
	assert.ErrorIs(t, err, ErrNilFunc)
	_, err = s.ScheduleRepeating(func() {}, 0)
	assert.ErrorIs(t, err, ErrInvalidInterval)
	_, err = s.RepeatWhile(time.Second, nil)
	assert.ErrorIs(t, err, ErrNilFunc)
	_, err = s.EverySpec("not a schedule", func() {})
	assert.Error(t, err)
}

func TestFirstErrorHookFiresOnce(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var first, all atomic.Int32
	s.OnFirstError(func(ee *EventError) {
		assert.True(t, ee.First)
		first.Add(1)
	})
	s.OnError(func(*EventError) { all.Add(1) })

	r, err := s.Every(30*time.Millisecond, func() { panic("always broken") })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return all.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), first.Load())
	assert.False(t, r.Cancelled(), "errors never disable an event")
	r.Cancel()
}

func TestRepeatWhileStopsOnFalse(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var n atomic.Int32
	r, err := s.RepeatWhile(20*time.Millisecond, func() bool { return n.Add(1) < 3 })
	require.NoError(t, err)

	require.Eventually(t, r.Cancelled, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(3), n.Load())
}

func dropRepeating(s *Scheduler, n *atomic.Int32) {
	_, _ = s.Every(20*time.Millisecond, func() { n.Add(1) })
}

func TestDroppedRepeatingUnregisters(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var n atomic.Int32
	dropRepeating(s, &n)
	require.Equal(t, 1, s.Snapshot().Repeating)

	require.Eventually(t, func() bool {
		runtime.GC()
		return s.Snapshot().Repeating == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Collected)
}

func TestEverySpec(t *testing.T) {
	t.Parallel()

	s := startScheduler(t, logx.Nop())
	var n atomic.Int32
	r, err := s.EverySpec("every:30ms", func() { n.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, "every 30ms", r.Cadence())

	require.Eventually(t, func() bool { return n.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	r.Cancel()
}

func TestSweepRearmsLostEvent(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := New(Config{}, logx.Nop(), nil, WithClock(mock))
	r, err := s.ScheduleRepeating(func() {}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, s.Snapshot().Pending)

	// Simulate a reschedule that never happened.
	r.state.disarm()
	require.Equal(t, 0, s.Snapshot().Pending)

	// Inside the grace period nothing happens.
	mock.Add(5 * time.Second)
	s.sweep()
	assert.Equal(t, uint64(0), s.Snapshot().Recovered)

	mock.Add(10 * time.Second)
	s.sweep()
	assert.Equal(t, uint64(1), s.Snapshot().Recovered)
	assert.Equal(t, 1, s.Snapshot().Pending)
	assert.True(t, r.state.scheduled.Load())

	// Armed and recently run: left alone.
	r.state.setLastRun(mock.Now())
	mock.Add(time.Second)
	s.sweep()
	assert.Equal(t, uint64(1), s.Snapshot().Recovered)
	runtime.KeepAlive(r)
}

func TestRearmReplacesTimerEntry(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	s := New(Config{}, logx.Nop(), nil, WithClock(mock))
	r, err := s.ScheduleRepeating(func() {}, time.Minute)
	require.NoError(t, err)

	r.state.rearm()
	r.state.rearm()
	assert.Equal(t, 1, s.Snapshot().Pending)
	runtime.KeepAlive(r)
}
