package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternityForest/scullery/internal/eventbus"
	"github.com/EternityForest/scullery/pkg/logx"
	"github.com/EternityForest/scullery/pkg/ratelimit"
)

// RecorderConfig controls which messages are journaled and how fast.
type RecorderConfig struct {
	Topic string // subscription pattern, default "/#"
	// RatePerSec limits sustained writes. 0 disables limiting.
	RatePerSec   float64
	Burst        int
	WriteTimeout time.Duration // default 2s
}

type RecorderStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Recorder writes bus messages into a Store. Handlers run on the bus
// executor, so writes never block the publisher.
type Recorder struct {
	store Store
	cfg   RecorderConfig
	log   logx.Logger
	lim   *ratelimit.Limiter
	warn  *logx.Throttle

	mu  sync.Mutex
	sub *eventbus.Subscription

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, cfg RecorderConfig, log logx.Logger) *Recorder {
	if cfg.Topic == "" {
		cfg.Topic = "/#"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{
		store: store,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "journal")),
		warn:  logx.NewThrottle(time.Minute),
	}
	if cfg.RatePerSec > 0 {
		r.lim = ratelimit.New(cfg.RatePerSec, cfg.Burst)
	}
	return r
}

// Attach subscribes the recorder to bus. The recorder keeps the handle
// alive until Detach.
func (r *Recorder) Attach(bus *eventbus.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.sub = bus.SubscribeHandler(r.cfg.Topic, r.handle)
	r.log.Info("journal attached", logx.String("topic", r.cfg.Topic))
}

func (r *Recorder) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

func (r *Recorder) handle(topic string, payload any, ts time.Time, annotation any) {
	if r.lim != nil && !r.lim.Allow() {
		r.dropped.Add(1)
		r.warn.Do(func() {
			r.log.Warn("journal rate limit hit; dropping messages", logx.Uint64("dropped", r.dropped.Load()))
		})
		return
	}

	rec := Record{At: ts, Topic: topic, Payload: encodePayload(payload)}
	if annotation != nil {
		rec.Annotation = fmt.Sprint(annotation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.failed.Add(1)
		r.log.Error("journal write failed", logx.String("topic", topic), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// encodePayload falls back to the quoted %v form for values JSON cannot
// represent.
func encodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if b, err := json.Marshal(v); err == nil {
		return b
	}
	b, _ := json.Marshal(fmt.Sprintf("%v", v))
	return b
}
