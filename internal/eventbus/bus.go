// Package eventbus is an in-process topic pub/sub bus.
//
// Topics are slash separated paths. A subscription on "/a/#" receives every
// message published under "/a/", and "/#" receives everything. Subscriptions
// are held weakly: the caller keeps the returned *Subscription alive for as
// long as it wants messages.
//
// Delivery is asynchronous through an Executor (normally the worker pool)
// unless the publisher asks for synchronous delivery. There is no ordering
// guarantee between asynchronously delivered messages.
package eventbus

import (
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/EternityForest/scullery/pkg/logx"
)

// Executor runs delivery jobs in the background.
type Executor interface {
	Submit(fn func()) error
}

type Config struct {
	// PatternCacheSize bounds the topic -> patterns cache.
	PatternCacheSize int
	// CollectWarnWindow: a subscription collected this soon after Subscribe
	// is almost certainly a caller that forgot to keep the handle.
	CollectWarnWindow time.Duration
}

const (
	DefaultPatternCacheSize  = 600
	DefaultCollectWarnWindow = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PatternCacheSize <= 0 {
		c.PatternCacheSize = DefaultPatternCacheSize
	}
	if c.CollectWarnWindow <= 0 {
		c.CollectWarnWindow = DefaultCollectWarnWindow
	}
	return c
}

type entry struct {
	id  string
	sub weak.Pointer[Subscription]
}

// subscriberMap is never mutated once published.
type subscriberMap map[string][]entry

type Bus struct {
	cfg   Config
	log   logx.Logger
	clock clock.Clock
	exec  Executor

	cache *lru.Cache[string, []string]

	// mu serializes subscription changes; readers use the published snapshot.
	mu   sync.Mutex
	subs map[string][]entry
	snap atomic.Pointer[subscriberMap]

	handlersMu sync.Mutex
	handlers   atomic.Pointer[[]func(*SubscriberError)]

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	collected atomic.Uint64
	dropped   atomic.Uint64
}

type Option func(*Bus)

func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// New creates a bus. A nil exec delivers every message on the publishing
// goroutine.
func New(cfg Config, log logx.Logger, exec Executor, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, []string](cfg.PatternCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which withDefaults rules out.
		panic(err)
	}
	b := &Bus{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "eventbus")),
		clock: clock.New(),
		exec:  exec,
		cache: cache,
		subs:  map[string][]entry{},
	}
	b.snap.Store(&subscriberMap{})
	for _, o := range opts {
		o(b)
	}
	return b
}

// MatchPatterns returns the subscription keys that receive a message
// published on topic. Results are cached by the raw topic string; the oldest
// entry is evicted first.
func (b *Bus) MatchPatterns(topic string) []string {
	if p, ok := b.cache.Peek(topic); ok {
		return p
	}
	p := patternsFor(topic)
	b.cache.Add(topic, p)
	return p
}

// Subscribe registers callback on topic (which may end in "#").
// callback must be one of func(), func(payload any),
// func(topic string, payload any) or a Handler.
func (b *Bus) Subscribe(topic string, callback any) (*Subscription, error) {
	h, err := adapt(callback)
	if err != nil {
		return nil, err
	}
	return b.SubscribeHandler(topic, h), nil
}

// SubscribeHandler is Subscribe without the signature check.
func (b *Bus) SubscribeHandler(topic string, h Handler) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		pattern:   NormalizeTopic(topic),
		handler:   h,
		createdAt: b.clock.Now(),
		bus:       b,
	}

	b.mu.Lock()
	b.subs[sub.pattern] = append(b.subs[sub.pattern], entry{id: sub.id, sub: weak.Make(sub)})
	b.publishLocked()
	b.mu.Unlock()

	sub.cleanup = runtime.AddCleanup(sub, b.collect, collectArg{
		id:        sub.id,
		pattern:   sub.pattern,
		createdAt: sub.createdAt,
	})
	return sub
}

// SubscribeChan delivers messages on a buffered channel. A full channel
// drops the message. The channel is closed by Unsubscribe.
func (b *Bus) SubscribeChan(topic string, buffer int) (*Subscription, <-chan Message) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Message, buffer)
	// mu orders sends against close.
	var (
		mu     sync.Mutex
		closed bool
	)
	sub := b.SubscribeHandler(topic, func(topic string, payload any, ts time.Time, annotation any) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- Message{Topic: topic, Payload: payload, Timestamp: ts, Annotation: annotation}:
		default:
			b.dropped.Add(1)
		}
	})
	sub.onClose = func() {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		close(ch)
	}
	return sub, ch
}

// Unsubscribe removes sub from topic. It reports whether sub was
// registered there.
func (b *Bus) Unsubscribe(topic string, sub *Subscription) bool {
	if sub == nil || sub.bus != b || sub.pattern != NormalizeTopic(topic) {
		return false
	}
	if sub.closed.Load() {
		return false
	}
	sub.Unsubscribe()
	return true
}

type collectArg struct {
	id        string
	pattern   string
	createdAt time.Time
}

func (b *Bus) collect(a collectArg) {
	b.collected.Add(1)
	if age := b.clock.Since(a.createdAt); age < b.cfg.CollectWarnWindow {
		b.log.Warn("subscription collected right after subscribing; keep a reference to the handle",
			logx.String("topic", a.pattern),
			logx.String("subscription", a.id),
			logx.Duration("age", age),
		)
	}
	b.remove(a.pattern, a.id)
}

func (b *Bus) remove(pattern, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	es := b.subs[pattern]
	i := slices.IndexFunc(es, func(e entry) bool { return e.id == id })
	if i < 0 {
		return
	}
	es = slices.Delete(es, i, i+1)
	if len(es) == 0 {
		delete(b.subs, pattern)
	} else {
		b.subs[pattern] = es
	}
	b.publishLocked()
}

// publishLocked requires b.mu. Each pattern keeps subscription order.
func (b *Bus) publishLocked() {
	next := make(subscriberMap, len(b.subs))
	for pattern, es := range b.subs {
		next[pattern] = slices.Clone(es)
	}
	b.snap.Store(&next)
}

type publishOptions struct {
	sync       bool
	report     bool
	annotation any
	timestamp  time.Time
}

type PublishOption func(*publishOptions)

// Synchronous delivers on the publishing goroutine before Publish returns.
func Synchronous() PublishOption { return func(o *publishOptions) { o.sync = true } }

// ReportErrors controls whether subscriber failures reach OnSubscriberError
// handlers. Defaults to true.
func ReportErrors(enabled bool) PublishOption {
	return func(o *publishOptions) { o.report = enabled }
}

func WithAnnotation(a any) PublishOption {
	return func(o *publishOptions) { o.annotation = a }
}

func WithTimestamp(ts time.Time) PublishOption {
	return func(o *publishOptions) { o.timestamp = ts }
}

// Publish sends payload to every live subscription matching topic.
// A subscription matched through several patterns gets one delivery per
// pattern.
func (b *Bus) Publish(topic string, payload any, opts ...PublishOption) {
	o := publishOptions{report: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.timestamp.IsZero() {
		o.timestamp = b.clock.Now()
	}
	b.published.Add(1)

	norm := NormalizeTopic(topic)
	subs := *b.snap.Load()
	for _, pattern := range b.MatchPatterns(topic) {
		for _, e := range subs[pattern] {
			sub := e.sub.Value()
			if sub == nil || sub.closed.Load() {
				continue
			}
			b.dispatch(sub, norm, payload, &o)
		}
	}
}

func (b *Bus) dispatch(sub *Subscription, topic string, payload any, o *publishOptions) {
	ts, annotation, report := o.timestamp, o.annotation, o.report
	job := func() { b.deliver(sub, topic, payload, ts, annotation, report) }
	if o.sync || b.exec == nil {
		job()
		return
	}
	if err := b.exec.Submit(job); err != nil {
		b.log.Debug("executor refused delivery, running inline", logx.String("topic", topic), logx.Err(err))
		job()
	}
}

func (b *Bus) deliver(sub *Subscription, topic string, payload any, ts time.Time, annotation any, report bool) {
	defer func() {
		r := recover()
		if r == nil {
			b.delivered.Add(1)
			return
		}
		b.failed.Add(1)
		se := &SubscriberError{
			SubscriptionID: sub.id,
			Pattern:        sub.pattern,
			Topic:          topic,
			Payload:        payload,
			Panic:          r,
			Stack:          string(debug.Stack()),
		}
		if !report {
			b.log.Debug("subscriber failed", logx.Err(se), logx.Stack(se.Stack))
			return
		}
		if !sub.markFailed() {
			b.log.Debug("subscriber failed again", logx.Err(se))
			return
		}
		b.log.Error("subscriber failed", logx.Err(se), logx.Stack(se.Stack))
		b.reportError(se)
	}()
	sub.handler(topic, payload, ts, annotation)
}

// OnSubscriberError registers fn for the first failure of each subscription.
func (b *Bus) OnSubscriberError(fn func(*SubscriberError)) {
	if fn == nil {
		return
	}
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	var cur []func(*SubscriberError)
	if p := b.handlers.Load(); p != nil {
		cur = *p
	}
	next := append(append(make([]func(*SubscriberError), 0, len(cur)+1), cur...), fn)
	b.handlers.Store(&next)
}

func (b *Bus) reportError(se *SubscriberError) {
	p := b.handlers.Load()
	if p == nil {
		return
	}
	for _, h := range *p {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn("subscriber error handler panicked", logx.Any("panic", r))
				}
			}()
			h(se)
		}()
	}
}

type Snapshot struct {
	Topics        int    `json:"topics"`
	Subscriptions int    `json:"subscriptions"`
	CachedTopics  int    `json:"cached_topics"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Collected     uint64 `json:"collected"`
	Dropped       uint64 `json:"dropped"`
}

func (b *Bus) Snapshot() Snapshot {
	subs := *b.snap.Load()
	n := 0
	for _, es := range subs {
		n += len(es)
	}
	return Snapshot{
		Topics:        len(subs),
		Subscriptions: n,
		CachedTopics:  b.cache.Len(),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Collected:     b.collected.Load(),
		Dropped:       b.dropped.Load(),
	}
}
