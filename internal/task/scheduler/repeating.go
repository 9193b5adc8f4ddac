package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/EternityForest/scullery/pkg/logx"
)

// Repeating is a registered repeating event. It stops when cancelled or
// when the last reference to it is dropped.
type Repeating struct {
	fn    func() error
	state *repeatingState
}

func (r *Repeating) ID() string { return r.state.id }

// Cadence describes the schedule, e.g. "every 1s" or "cron @hourly".
func (r *Repeating) Cadence() string { return r.state.cad.String() }

// LastRun is the start of the most recent run, or registration time.
func (r *Repeating) LastRun() time.Time { return r.state.lastRun() }

func (r *Repeating) Cancelled() bool { return r.state.stopped.Load() }

// Cancel stops future runs immediately; a run already in progress finishes.
func (r *Repeating) Cancel() { r.state.cancel() }

type repeatingState struct {
	s    *Scheduler
	id   string
	name string
	cad  cadence

	handle weak.Pointer[Repeating]

	// lock is held for the whole run, so an event never overlaps itself.
	lock      *semaphore.Weighted
	scheduled atomic.Bool
	stopped   atomic.Bool
	last      atomic.Int64 // unix nanos
	errs      atomic.Int32

	itemMu sync.Mutex
	gen    uint64
	item   *timerItem
}

type errState int32

const (
	neverErrored errState = iota
	erroredOnce
)

func (r *repeatingState) lastRun() time.Time { return time.Unix(0, r.last.Load()) }

func (r *repeatingState) setLastRun(t time.Time) { r.last.Store(t.UnixNano()) }

// ScheduleRepeating runs fn every interval, starting one interval from now.
func (s *Scheduler) ScheduleRepeating(fn func(), interval time.Duration) (*Repeating, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	cad := intervalCadence{every: interval, slack: s.config().Slack}
	return s.addRepeating(funcName(fn), cad, func() error { fn(); return nil }), nil
}

func (s *Scheduler) Every(interval time.Duration, fn func()) (*Repeating, error) {
	return s.ScheduleRepeating(fn, interval)
}

func (s *Scheduler) EverySecond(fn func()) (*Repeating, error) { return s.Every(time.Second, fn) }
func (s *Scheduler) EveryMinute(fn func()) (*Repeating, error) { return s.Every(time.Minute, fn) }
func (s *Scheduler) EveryHour(fn func()) (*Repeating, error)   { return s.Every(time.Hour, fn) }

// EverySpec registers fn on a textual schedule: a duration ("55m"), an
// HH:MM interval ("02:30") or a cron expression ("*/5 * * * *", "@hourly").
func (s *Scheduler) EverySpec(spec string, fn func()) (*Repeating, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	cfg := s.config()
	cad, err := parseCadence(spec, cfg.Slack, cfg.Location, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.addRepeating(funcName(fn), cad, func() error { fn(); return nil }), nil
}

// RepeatWhile runs fn every interval until it returns false.
func (s *Scheduler) RepeatWhile(interval time.Duration, fn func() bool) (*Repeating, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	var st *repeatingState
	h := s.addRepeatingDeferred(funcName(fn), intervalCadence{every: interval, slack: s.config().Slack}, func() error {
		if !fn() {
			st.cancel()
		}
		return nil
	}, func(r *repeatingState) { st = r })
	return h, nil
}

func (s *Scheduler) addRepeating(name string, cad cadence, fn func() error) *Repeating {
	return s.addRepeatingDeferred(name, cad, fn, nil)
}

// addRepeatingDeferred lets the caller see the state before the first run
// can possibly happen.
func (s *Scheduler) addRepeatingDeferred(name string, cad cadence, fn func() error, bind func(*repeatingState)) *Repeating {
	r := &repeatingState{
		s:    s,
		id:   uuid.NewString(),
		name: name,
		cad:  cad,
		lock: semaphore.NewWeighted(1),
	}
	h := &Repeating{fn: fn, state: r}
	r.handle = weak.Make(h)
	r.setLastRun(s.clock.Now())
	if bind != nil {
		bind(r)
	}
	s.register(r)
	r.schedule()
	return h
}

func (r *repeatingState) acquire(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.lock.Acquire(ctx, 1) == nil
}

func (r *repeatingState) contended(action string) {
	r.s.contention.Add(1)
	r.s.log.Warn("repeating event is still running", logx.String("event", r.name), logx.String("action", action), logx.Err(ErrContention))
}

// schedule arms the event unless it is already armed.
func (r *repeatingState) schedule() {
	if !r.acquire(r.s.config().ScheduleLockTimeout) {
		r.contended("schedule")
		return
	}
	defer r.lock.Release(1)
	r.scheduleLocked()
}

// scheduleLocked requires r.lock.
func (r *repeatingState) scheduleLocked() {
	if r.stopped.Load() || r.scheduled.Load() {
		return
	}
	at := r.cad.next(r.s.clock.Now(), r.lastRun())

	r.itemMu.Lock()
	r.gen++
	gen := r.gen
	r.scheduled.Store(true)
	r.item = r.s.insert(at, func() { r.fire(gen) })
	r.itemMu.Unlock()
}

// fire runs on the timer goroutine.
func (r *repeatingState) fire(gen uint64) {
	r.itemMu.Lock()
	stale := gen != r.gen
	if !stale {
		r.item = nil
	}
	r.itemMu.Unlock()
	if stale || r.stopped.Load() {
		return
	}
	r.s.dispatch(r.name, r.run)
}

func (r *repeatingState) run() {
	s := r.s
	r.scheduled.Store(false)
	if r.stopped.Load() {
		return
	}

	now := s.clock.Now()
	if now.Sub(r.lastRun()) < r.cad.period()/3 {
		// Fired far too soon after the previous run; re-arm instead.
		s.skipped.Add(1)
		s.log.Debug("repeating event fired early, re-arming", logx.String("event", r.name))
		r.schedule()
		return
	}

	if !r.acquire(s.config().RunLockTimeout) {
		// The run holding the lock re-arms the event when it finishes.
		r.contended("run")
		return
	}
	defer r.lock.Release(1)
	r.setLastRun(now)

	h := r.handle.Value()
	if h == nil {
		s.collected.Add(1)
		s.log.Warn("repeating event handle was dropped, unregistering", logx.String("event", r.name), logx.String("id", r.id))
		r.cancel()
		return
	}
	fn := h.fn

	if ee := call(r.id, r.name, fn); ee != nil {
		first := r.errs.CompareAndSwap(int32(neverErrored), int32(erroredOnce))
		s.report(ee, first)
	}
	r.scheduleLocked()
}

// rearm forces a fresh timer entry, dropping any existing one.
func (r *repeatingState) rearm() {
	if !r.acquire(r.s.config().ScheduleLockTimeout) {
		r.contended("recover")
		return
	}
	defer r.lock.Release(1)
	if r.stopped.Load() {
		return
	}
	r.disarm()
	r.scheduleLocked()
}

// disarm invalidates the current timer entry.
func (r *repeatingState) disarm() {
	r.itemMu.Lock()
	r.gen++
	it := r.item
	r.item = nil
	r.scheduled.Store(false)
	r.itemMu.Unlock()
	r.s.cancelItem(it)
}

func (r *repeatingState) cancel() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.s.submit(func() { r.s.unregister(r) })
}
