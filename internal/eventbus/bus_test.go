package eventbus

import (
	"bytes"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// goExecutor runs each job on its own goroutine.
type goExecutor struct{ wg sync.WaitGroup }

func (e *goExecutor) Submit(fn func()) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return nil
}

func TestSynchronousPublishPreservesOrder(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), &goExecutor{})
	var got []any
	sub, err := b.Subscribe("/x", func(payload any) { got = append(got, payload) })
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		b.Publish("/x", i, Synchronous())
	}
	assert.Equal(t, []any{1, 2, 3}, got)
	runtime.KeepAlive(sub)
}

func TestSubscribersRunInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	for trial := 0; trial < 20; trial++ {
		b := New(Config{}, logx.Nop(), &goExecutor{})
		var got []int
		subs := make([]*Subscription, 0, 6)
		for i := 0; i < 6; i++ {
			sub, err := b.Subscribe("/test", func() { got = append(got, i) })
			require.NoError(t, err)
			subs = append(subs, sub)
		}
		// Removing one from the middle keeps the rest in order.
		subs[2].Unsubscribe()

		b.Publish("/test", nil, Synchronous())
		require.Equal(t, []int{0, 1, 3, 4, 5}, got, "trial %d", trial)
		runtime.KeepAlive(subs)
	}
}

func TestSubscribeChanUnsubscribeWhilePublishing(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	sub, ch := b.SubscribeChan("/c", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish("/c", i, Synchronous())
		}
	}()
	sub.Unsubscribe()
	<-done

	for range ch {
	}
	b.Publish("/c", "after", Synchronous())
}

func TestWildcardDelivery(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	var mu sync.Mutex
	hits := map[string]int{}
	record := func(name string) func() {
		return func() {
			mu.Lock()
			hits[name]++
			mu.Unlock()
		}
	}
	var subs []*Subscription
	for _, topic := range []string{"/#", "/a/#", "/a/b/#", "/a/b", "/a/bc", "/z/#"} {
		s, err := b.Subscribe(topic, record(topic))
		require.NoError(t, err)
		subs = append(subs, s)
	}

	// "/a/b/#" covers "/a/b" itself as well as everything below it.
	b.Publish("a/b", "m")
	assert.Equal(t, map[string]int{"/#": 1, "/a/#": 1, "/a/b/#": 1, "/a/b": 1}, hits)

	b.Publish("/a/b/c", "m")
	assert.Equal(t, map[string]int{"/#": 2, "/a/#": 2, "/a/b/#": 2, "/a/b": 1}, hits)
	runtime.KeepAlive(subs)
}

func TestCallbackShapes(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	var zero int
	var one any
	var twoTopic string
	var four Message

	s0, err := b.Subscribe("/t", func() { zero++ })
	require.NoError(t, err)
	s1, err := b.Subscribe("/t", func(p any) { one = p })
	require.NoError(t, err)
	s2, err := b.Subscribe("t", func(topic string, _ any) { twoTopic = topic })
	require.NoError(t, err)
	s4, err := b.Subscribe("/t", func(topic string, p any, at time.Time, a any) {
		four = Message{Topic: topic, Payload: p, Timestamp: at, Annotation: a}
	})
	require.NoError(t, err)

	b.Publish("t", 42, WithTimestamp(ts), WithAnnotation("note"))

	assert.Equal(t, 1, zero)
	assert.Equal(t, 42, one)
	assert.Equal(t, "/t", twoTopic)
	assert.Equal(t, Message{Topic: "/t", Payload: 42, Timestamp: ts, Annotation: "note"}, four)
	runtime.KeepAlive([]*Subscription{s0, s1, s2, s4})
}

func TestSubscribeRejectsUnsupportedCallbacks(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	for _, cb := range []any{nil, 42, func(int) {}, func(a, b, c any) {}, func() error { return nil }} {
		_, err := b.Subscribe("/x", cb)
		assert.ErrorIs(t, err, ErrInvalidCallback, "%T", cb)
	}
	assert.Equal(t, 0, b.Snapshot().Subscriptions)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	n := 0
	sub, err := b.Subscribe("/x", func() { n++ })
	require.NoError(t, err)

	assert.False(t, b.Unsubscribe("/y", sub))
	assert.True(t, b.Unsubscribe("x", sub))
	assert.False(t, b.Unsubscribe("/x", sub))

	b.Publish("/x", nil)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, b.Snapshot().Topics)
}

func subscribeAndDrop(b *Bus, n *atomic.Int32) {
	_, _ = b.Subscribe("/gc", func() { n.Add(1) })
}

func TestDroppedHandleStopsDelivery(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	b := New(Config{}, logx.NewJSON(&logs, "debug"), nil)
	var n atomic.Int32
	subscribeAndDrop(b, &n)

	require.Eventually(t, func() bool {
		runtime.GC()
		return b.Snapshot().Subscriptions == 0
	}, 5*time.Second, 10*time.Millisecond)

	b.Publish("/gc", nil)
	assert.Equal(t, int32(0), n.Load())
	assert.Equal(t, uint64(1), b.Snapshot().Collected)
	assert.Contains(t, logs.String(), "keep a reference to the handle")
}

func TestCollectedLateDoesNotWarn(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	var logs syncBuffer
	b := New(Config{}, logx.NewJSON(&logs, "debug"), nil, WithClock(mock))
	var n atomic.Int32
	subscribeAndDrop(b, &n)
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		runtime.GC()
		return b.Snapshot().Collected == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, logs.String(), "keep a reference to the handle")
}

func TestFirstErrorReportedOnce(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	var reports []*SubscriberError
	b.OnSubscriberError(func(se *SubscriberError) { reports = append(reports, se) })

	bad, err := b.Subscribe("/x", func() { panic("bad subscriber") })
	require.NoError(t, err)
	good := 0
	ok, err := b.Subscribe("/x", func() { good++ })
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.Publish("/x", i)
	}
	require.Len(t, reports, 1)
	assert.Equal(t, bad.ID(), reports[0].SubscriptionID)
	assert.Equal(t, "bad subscriber", reports[0].Panic)
	assert.Equal(t, 3, good)
	assert.Equal(t, uint64(3), b.Snapshot().Failed)
	runtime.KeepAlive(ok)
}

func TestReportErrorsFalseSuppressesHandlers(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	reports := 0
	b.OnSubscriberError(func(*SubscriberError) { reports++ })
	sub, err := b.Subscribe("/x", func() { panic("quiet") })
	require.NoError(t, err)

	b.Publish("/x", nil, ReportErrors(false))
	assert.Equal(t, 0, reports)
	b.Publish("/x", nil)
	assert.Equal(t, 1, reports)
	runtime.KeepAlive(sub)
}

func TestAsyncDeliveryThroughExecutor(t *testing.T) {
	t.Parallel()

	exec := &goExecutor{}
	b := New(Config{}, logx.Nop(), exec)
	var n atomic.Int32
	sub, err := b.Subscribe("/#", func() { n.Add(1) })
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		b.Publish("/any/topic", i)
	}
	exec.wg.Wait()
	assert.Equal(t, int32(20), n.Load())
	runtime.KeepAlive(sub)
}

func TestSubscribeChan(t *testing.T) {
	t.Parallel()

	b := New(Config{}, logx.Nop(), nil)
	sub, ch := b.SubscribeChan("/c/#", 1)

	b.Publish("/c/one", 1)
	b.Publish("/c/two", 2) // buffer full, dropped

	msg := <-ch
	assert.Equal(t, "/c/one", msg.Topic)
	assert.Equal(t, 1, msg.Payload)
	assert.Equal(t, uint64(1), b.Snapshot().Dropped)

	sub.Unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	b.Publish("/c/three", 3)
}

func TestPatternCacheEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	b := New(Config{PatternCacheSize: 2}, logx.Nop(), nil)
	b.MatchPatterns("/one")
	b.MatchPatterns("/two")
	// A hit must not refresh /one.
	b.MatchPatterns("/one")
	b.MatchPatterns("/three")

	assert.False(t, b.cache.Contains("/one"))
	assert.True(t, b.cache.Contains("/two"))
	assert.True(t, b.cache.Contains("/three"))
	assert.Equal(t, 2, b.Snapshot().CachedTopics)
}
